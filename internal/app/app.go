// Package app builds the bot's components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"courtbot/internal/booking"
	"courtbot/internal/bot"
	"courtbot/internal/config"
	"courtbot/internal/google"
	"courtbot/internal/icloud"
	"courtbot/internal/lock"
	"courtbot/internal/models"
	"courtbot/internal/polls"
	"courtbot/internal/server"
	"courtbot/internal/store"
	"courtbot/internal/syncer"
	"courtbot/internal/telegram"
	"courtbot/internal/wizard"
)

// LockName is held by every scheduled job so poll ticks and calendar syncs
// never overlap.
const LockName = "scheduled-run"

// Storage is the durable state shared between invocations.
type Storage struct {
	KV      store.KV
	Records polls.Records
	Lock    lock.Backend
	Close   func() error
}

// OpenStorage connects the configured store backend. Redis and Postgres also
// back the run lock; the memory store uses an in-process lock.
func OpenStorage(ctx context.Context, cfg config.Config) (Storage, error) {
	switch cfg.StoreBackend {
	case config.StoreRedis:
		client, err := store.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return Storage{}, err
		}
		kv := store.NewRedis(client, cfg.KeyPrefix)
		return Storage{
			KV:      kv,
			Records: store.NewActivities(kv),
			Lock:    lock.NewRedis(client, cfg.KeyPrefix),
			Close:   client.Close,
		}, nil
	case config.StorePostgres:
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return Storage{}, err
		}
		return Storage{
			KV:      pg,
			Records: pg.Activities(),
			Lock:    lock.NewPostgres(pg.DB()),
			Close:   pg.Close,
		}, nil
	default:
		kv := store.NewMemory()
		return Storage{KV: kv, Records: store.NewActivities(kv), Lock: lock.NewLocal(), Close: func() error { return nil }}, nil
	}
}

// App holds the wired components. Optional parts are nil when not configured.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	storage Storage

	Lock     *lock.RunLock
	Calendar models.CalendarBackend
	mirror   models.CalendarBackend
	Bookings *booking.Coordinator
	// Syncer is nil without SOURCE_CALENDAR_ID.
	Syncer *syncer.Syncer
	// Telegram and everything built on it are nil without TELEGRAM_TOKEN.
	Telegram   *telegram.Client
	Polls      *polls.Workflow
	Wizard     *wizard.Wizard
	Dispatcher *bot.Dispatcher
}

// New connects every configured backend and wires the components.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Require("GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET", "BOOKINGS_CALENDAR_ID"); err != nil {
		return nil, err
	}
	storage, err := OpenStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.StoreBackend, err)
	}

	gClient, err := google.NewClient(ctx, logger, cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleTokenDir, cfg.GoogleAccount)
	if err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("failed to create Google client: %w", err)
	}
	gClient.SetTimeZone(cfg.Timezone)

	var mirror models.CalendarBackend
	if cfg.MirrorEnabled() {
		iClient, err := icloud.NewClient(ctx, logger, cfg.ICloudEndpoint, cfg.ICloudUsername, cfg.ICloudPassword, cfg.ICloudCalendarName)
		if err != nil {
			_ = storage.Close()
			return nil, fmt.Errorf("failed to create CalDAV client: %w", err)
		}
		iClient.SetLocation(cfg.Location)
		mirror = iClient
	}

	var tg *telegram.Client
	if cfg.TelegramToken != "" {
		tg, err = telegram.NewClient(cfg.TelegramToken, logger)
		if err != nil {
			_ = storage.Close()
			return nil, fmt.Errorf("failed to create Telegram client: %w", err)
		}
	}

	return Assemble(cfg, logger, storage, gClient, mirror, tg), nil
}

// Assemble wires already connected backends. mirror and tg may be nil.
func Assemble(cfg config.Config, logger *slog.Logger, storage Storage, cal, mirror models.CalendarBackend, tg *telegram.Client) *App {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		cfg:      cfg,
		logger:   logger,
		storage:  storage,
		Lock:     lock.New(storage.Lock, logger, cfg.LockWait, cfg.LockTTL),
		Calendar: cal,
		mirror:   mirror,
	}
	a.Bookings = booking.New(cal, booking.Config{
		CalendarID: cfg.BookingsCalendarID,
		Hours:      cfg.Hours,
		RangeDays:  cfg.BookingRangeDays,
		Location:   cfg.Location,
	}, logger.With("component", "booking"))

	if cfg.SourceCalendarID != "" {
		a.Syncer = a.newSyncer(false)
	}

	if tg == nil {
		return a
	}
	a.Telegram = tg
	// With a synced source calendar the activities must be cancelled there;
	// a deleted copy would be restored by the next sync.
	pollCalendar := cfg.BookingsCalendarID
	if cfg.SourceCalendarID != "" {
		pollCalendar = cfg.SourceCalendarID
	}
	a.Polls = polls.New(cal, tg, storage.Records, polls.Config{
		CalendarID:    pollCalendar,
		ChatID:        cfg.GroupChatID,
		Lookahead:     cfg.PollLookahead,
		GroupPrefix:   cfg.GroupPrefix,
		ExcludePrefix: cfg.ExcludePrefix,
		Options:       cfg.PollOptions,
		Retention:     cfg.RecordRetention,
		Location:      cfg.Location,
		AdminChatIDs:  cfg.AdminIDs,
	}, logger.With("component", "polls"))
	a.Wizard = wizard.New(tg, a.Bookings, storage.KV, wizard.Config{
		Activities:  cfg.Activities,
		GroupChatID: cfg.GroupChatID,
		Location:    cfg.Location,
	}, logger.With("component", "wizard"))
	a.Dispatcher = bot.New(tg, a.Wizard, storage.KV, wizard.LooksLikeEmail, bot.Config{
		GroupChatID:  cfg.GroupChatID,
		AdminChatIDs: cfg.AdminIDs,
		PullTimeout:  cfg.PullTimeout,
	}, logger.With("component", "bot"))
	return a
}

// ErrNoTelegram is returned by operations that need the Telegram client.
var ErrNoTelegram = errors.New("TELEGRAM_TOKEN is not configured")

// ErrNoSync is returned when the calendar sync is requested without a source calendar.
var ErrNoSync = errors.New("SOURCE_CALENDAR_ID is not configured")

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Scheduled runs fn under the run lock shared by all scheduled jobs.
func (a *App) Scheduled(ctx context.Context, fn func(context.Context) error) error {
	return a.Lock.Do(ctx, LockName, fn)
}

// SetSyncDryRun switches the syncer to logging only.
func (a *App) SetSyncDryRun(dryRun bool) {
	if a.Syncer != nil {
		a.Syncer = a.newSyncer(dryRun)
	}
}

// newSyncer copies the source calendar into the bookings calendar and the
// CalDAV mirror, when one is configured.
func (a *App) newSyncer(dryRun bool) *syncer.Syncer {
	targets := []syncer.Target{{Name: "google", Backend: a.Calendar, CalendarID: a.cfg.BookingsCalendarID}}
	if a.mirror != nil {
		targets = append(targets, syncer.Target{Name: "caldav", Backend: a.mirror})
	}
	return syncer.NewSyncer(a.logger.With("component", "syncer"), a.Calendar, targets, syncer.Config{
		SourceCalendarID: a.cfg.SourceCalendarID,
		Days:             a.cfg.SyncDays,
		DryRun:           dryRun,
		Location:         a.cfg.Location,
	})
}

// Sync runs one calendar sync under the run lock.
func (a *App) Sync(ctx context.Context) ([]syncer.Result, error) {
	if a.Syncer == nil {
		return nil, ErrNoSync
	}
	var results []syncer.Result
	err := a.Scheduled(ctx, func(ctx context.Context) error {
		var err error
		results, err = a.Syncer.Sync(ctx)
		return err
	})
	return results, err
}

// Tick runs one poll tick under the run lock.
func (a *App) Tick(ctx context.Context) error {
	if a.Polls == nil {
		return ErrNoTelegram
	}
	return a.Scheduled(ctx, a.Polls.Tick)
}

// ClearPolls deletes every poll record and tells the group.
func (a *App) ClearPolls(ctx context.Context) (int, error) {
	if a.Polls == nil {
		return 0, ErrNoTelegram
	}
	var n int
	err := a.Scheduled(ctx, func(ctx context.Context) error {
		var err error
		n, err = a.Polls.ClearAll(ctx)
		return err
	})
	return n, err
}

// Server builds the HTTP surface.
func (a *App) Server() (*server.Server, error) {
	if a.Telegram == nil {
		return nil, ErrNoTelegram
	}
	deps := server.Deps{
		Dispatcher:   a.Dispatcher,
		Polls:        a.Polls,
		Lock:         a.Lock,
		Availability: a.Bookings,
		Setup:        a.Telegram,
		Commands:     bot.Commands,
	}
	if a.Syncer != nil {
		deps.Syncer = a.Syncer
	}
	return server.New(deps, server.Config{
		Secret:   a.cfg.WebhookSecret,
		LockName: LockName,
		Location: a.cfg.Location,
	}, a.logger.With("component", "server")), nil
}

// Close releases the store connection.
func (a *App) Close() error {
	if a.storage.Close == nil {
		return nil
	}
	return a.storage.Close()
}
