// Package config reads the bot settings from the environment and an
// optional config file into an explicit Config value.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"

	"courtbot/internal/slots"
)

// ErrMissing is returned for every required setting that is empty.
var ErrMissing = errors.New("missing required setting")

// Store backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type Config struct {
	LogLevel string
	Timezone string
	Location *time.Location

	GoogleClientID     string
	GoogleClientSecret string
	GoogleAccount      string
	GoogleTokenDir     string
	BookingsCalendarID string
	SourceCalendarID   string
	SyncDays           int
	BookingRangeDays   int
	Hours              slots.BusinessHours
	Activities         []string

	ICloudUsername     string
	ICloudPassword     string
	ICloudCalendarName string
	ICloudEndpoint     string

	TelegramToken   string
	WebhookSecret   string
	GroupChatID     int64
	AdminIDs        []int64
	PullTimeout     int
	PollOptions     []string
	PollLookahead   time.Duration
	GroupPrefix     string
	ExcludePrefix   string
	RecordRetention time.Duration

	StoreBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DatabaseURL   string
	KeyPrefix     string
	LockWait      time.Duration
	LockTTL       time.Duration

	HTTPAddr     string
	PollSchedule string
	SyncSchedule string
	PullSchedule string
}

var defaults = map[string]any{
	"LOG_LEVEL":                  "info",
	"TIMEZONE":                   "Europe/Kyiv",
	"GOOGLE_ACCOUNT":             "default",
	"GOOGLE_TOKEN_DIR":           ".",
	"SYNC_DAYS":                  7,
	"BOOKING_RANGE_DAYS":         7,
	"WEEKDAY_OPEN":               "09:00",
	"WEEKDAY_CLOSE":              "20:00",
	"WEEKEND_OPEN":               "09:00",
	"WEEKEND_CLOSE":              "20:00",
	"SLOT_MINUTES":               30,
	"ACTIVITIES":                 "Футбол,Баскетбол,Теніс,Волейбол,Бадмінтон,Інше",
	"ICLOUD_CALENDAR_NAME":       "Court",
	"ICLOUD_ENDPOINT":            "https://caldav.icloud.com",
	"TELEGRAM_PULL_TIMEOUT":      0,
	"POLL_OPTIONS":               "✅,❌",
	"POLL_LOOKAHEAD":             "24h",
	"GROUP_EVENT_PREFIX":         "НА ",
	"GROUP_EVENT_EXCLUDE_PREFIX": "НА СпортМайданчик",
	"POLL_RECORD_RETENTION":      "48h",
	"STORE_BACKEND":              StoreMemory,
	"REDIS_ADDR":                 "localhost:6379",
	"REDIS_DB":                   0,
	"KEY_PREFIX":                 "courtbot:",
	"LOCK_WAIT":                  "20s",
	"LOCK_TTL":                   "5m",
	"HTTP_ADDR":                  ":8080",
	"POLL_SCHEDULE":              "*/5 * * * *",
	"SYNC_SCHEDULE":              "*/15 * * * *",
	"PULL_SCHEDULE":              "",
}

// Load reads the settings. Environment variables win over the file at path,
// which may be empty.
func Load(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	p := parser{v: v}
	cfg := Config{
		LogLevel: strings.ToLower(p.str("LOG_LEVEL")),
		Timezone: p.str("TIMEZONE"),

		GoogleClientID:     p.str("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: p.str("GOOGLE_CLIENT_SECRET"),
		GoogleAccount:      p.str("GOOGLE_ACCOUNT"),
		GoogleTokenDir:     p.str("GOOGLE_TOKEN_DIR"),
		BookingsCalendarID: p.str("BOOKINGS_CALENDAR_ID"),
		SourceCalendarID:   p.str("SOURCE_CALENDAR_ID"),
		SyncDays:           p.integer("SYNC_DAYS"),
		BookingRangeDays:   p.integer("BOOKING_RANGE_DAYS"),
		Hours: slots.BusinessHours{
			WeekdayOpen:  p.clock("WEEKDAY_OPEN"),
			WeekdayClose: p.clock("WEEKDAY_CLOSE"),
			WeekendOpen:  p.clock("WEEKEND_OPEN"),
			WeekendClose: p.clock("WEEKEND_CLOSE"),
			SlotDuration: time.Duration(p.integer("SLOT_MINUTES")) * time.Minute,
		},
		Activities: p.list("ACTIVITIES"),

		ICloudUsername:     p.str("ICLOUD_USERNAME"),
		ICloudPassword:     p.str("ICLOUD_APP_SPECIFIC_PASSWORD"),
		ICloudCalendarName: p.str("ICLOUD_CALENDAR_NAME"),
		ICloudEndpoint:     p.str("ICLOUD_ENDPOINT"),

		TelegramToken:   p.str("TELEGRAM_TOKEN"),
		WebhookSecret:   p.str("TELEGRAM_WEBHOOK_SECRET"),
		GroupChatID:     p.chatID("TELEGRAM_GROUP_CHAT_ID"),
		AdminIDs:        p.chatIDs("TELEGRAM_ADMIN_IDS"),
		PullTimeout:     p.integer("TELEGRAM_PULL_TIMEOUT"),
		PollOptions:     p.list("POLL_OPTIONS"),
		PollLookahead:   p.duration("POLL_LOOKAHEAD"),
		GroupPrefix:     v.GetString("GROUP_EVENT_PREFIX"),
		ExcludePrefix:   v.GetString("GROUP_EVENT_EXCLUDE_PREFIX"),
		RecordRetention: p.duration("POLL_RECORD_RETENTION"),

		StoreBackend:  strings.ToLower(p.str("STORE_BACKEND")),
		RedisAddr:     p.str("REDIS_ADDR"),
		RedisPassword: p.str("REDIS_PASSWORD"),
		RedisDB:       p.integer("REDIS_DB"),
		DatabaseURL:   p.str("DATABASE_URL"),
		KeyPrefix:     p.str("KEY_PREFIX"),
		LockWait:      p.duration("LOCK_WAIT"),
		LockTTL:       p.duration("LOCK_TTL"),

		HTTPAddr:     p.str("HTTP_ADDR"),
		PollSchedule: p.str("POLL_SCHEDULE"),
		SyncSchedule: p.str("SYNC_SCHEDULE"),
		PullSchedule: p.str("PULL_SCHEDULE"),
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid TIMEZONE %q: %w", cfg.Timezone, err))
	}
	cfg.Location = loc

	if err := errors.Join(append(p.errs, cfg.Validate())...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings every command relies on.
func (c Config) Validate() error {
	var errs []error
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL: %s", c.LogLevel))
	}
	if err := c.Hours.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.BookingRangeDays < 0 || c.SyncDays <= 0 {
		errs = append(errs, errors.New("BOOKING_RANGE_DAYS must be >= 0 and SYNC_DAYS > 0"))
	}
	if len(c.PollOptions) < 2 {
		errs = append(errs, errors.New("POLL_OPTIONS needs at least two options"))
	}
	if c.LockWait <= 0 || c.LockTTL <= 0 {
		errs = append(errs, errors.New("LOCK_WAIT and LOCK_TTL must be > 0"))
	}
	switch c.StoreBackend {
	case StoreMemory:
	case StoreRedis:
		errs = append(errs, c.Require("REDIS_ADDR"))
	case StorePostgres:
		errs = append(errs, c.Require("DATABASE_URL"))
	default:
		errs = append(errs, fmt.Errorf("invalid STORE_BACKEND: %s", c.StoreBackend))
	}
	return errors.Join(errs...)
}

// Require reports every listed setting that is empty. Commands call it with
// the keys they need.
func (c Config) Require(keys ...string) error {
	values := map[string]bool{
		"GOOGLE_CLIENT_ID":             c.GoogleClientID != "",
		"GOOGLE_CLIENT_SECRET":         c.GoogleClientSecret != "",
		"BOOKINGS_CALENDAR_ID":         c.BookingsCalendarID != "",
		"SOURCE_CALENDAR_ID":           c.SourceCalendarID != "",
		"ICLOUD_USERNAME":              c.ICloudUsername != "",
		"ICLOUD_APP_SPECIFIC_PASSWORD": c.ICloudPassword != "",
		"TELEGRAM_TOKEN":               c.TelegramToken != "",
		"TELEGRAM_WEBHOOK_SECRET":      c.WebhookSecret != "",
		"TELEGRAM_GROUP_CHAT_ID":       c.GroupChatID != 0,
		"REDIS_ADDR":                   c.RedisAddr != "",
		"DATABASE_URL":                 c.DatabaseURL != "",
	}
	var errs []error
	for _, key := range keys {
		if set, known := values[key]; !known || !set {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissing, key))
		}
	}
	return errors.Join(errs...)
}

// MirrorEnabled reports whether the CalDAV mirror is configured.
func (c Config) MirrorEnabled() bool {
	return c.ICloudUsername != "" && c.ICloudPassword != ""
}

// parser reads typed values and collects every conversion error.
type parser struct {
	v    *viper.Viper
	errs []error
}

func (p *parser) str(key string) string {
	return strings.TrimSpace(p.v.GetString(key))
}

func (p *parser) integer(key string) int {
	n, err := strconv.Atoi(p.str(key))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
	}
	return n
}

func (p *parser) chatID(key string) int64 {
	raw := p.str(key)
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
	}
	return n
}

func (p *parser) duration(key string) time.Duration {
	d, err := time.ParseDuration(p.str(key))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
	}
	return d
}

func (p *parser) clock(key string) slots.Clock {
	c, err := slots.ParseClock(p.str(key))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
	}
	return c
}

// list accepts a comma-separated string (environment) or a list (config file).
func (p *parser) list(key string) []string {
	var raw []string
	switch val := p.v.Get(key).(type) {
	case []any:
		for _, item := range val {
			raw = append(raw, fmt.Sprint(item))
		}
	case []string:
		raw = val
	default:
		raw = strings.Split(p.v.GetString(key), ",")
	}
	var out []string
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (p *parser) chatIDs(key string) []int64 {
	var out []int64
	for _, item := range p.list(key) {
		n, err := strconv.ParseInt(item, 10, 64)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("invalid %s entry %q: %w", key, item, err))
			continue
		}
		out = append(out, n)
	}
	return out
}
