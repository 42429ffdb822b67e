package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Tests here use t.Setenv and therefore do not run in parallel.

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("LOG_LEVEL", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Location.String() != "Europe/Kyiv" {
		t.Fatalf("Location = %s", cfg.Location)
	}
	if cfg.Hours.WeekdayOpen != 9*60 || cfg.Hours.WeekdayClose != 20*60 || cfg.Hours.SlotDuration != 30*time.Minute {
		t.Fatalf("Hours = %+v", cfg.Hours)
	}
	if len(cfg.Activities) != 6 || cfg.PollOptions[0] != "✅" {
		t.Fatalf("Activities = %v, PollOptions = %v", cfg.Activities, cfg.PollOptions)
	}
	if cfg.GroupPrefix != "НА " || cfg.LockWait != 20*time.Second || cfg.StoreBackend != StoreMemory {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ACTIVITIES", " Tennis , Padel,, ")
	t.Setenv("TELEGRAM_ADMIN_IDS", "1, 2")
	t.Setenv("TELEGRAM_GROUP_CHAT_ID", "-1001234")
	t.Setenv("STORE_BACKEND", "Redis")
	t.Setenv("LOCK_WAIT", "3s")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if strings.Join(cfg.Activities, "|") != "Tennis|Padel" {
		t.Fatalf("Activities = %q", cfg.Activities)
	}
	if len(cfg.AdminIDs) != 2 || cfg.AdminIDs[1] != 2 || cfg.GroupChatID != -1001234 {
		t.Fatalf("AdminIDs = %v, GroupChatID = %d", cfg.AdminIDs, cfg.GroupChatID)
	}
	if cfg.StoreBackend != StoreRedis || cfg.LockWait != 3*time.Second {
		t.Fatalf("StoreBackend = %s, LockWait = %s", cfg.StoreBackend, cfg.LockWait)
	}
}

func TestLoadReportsEveryProblem(t *testing.T) {
	t.Setenv("LOG_LEVEL", "loud")
	t.Setenv("WEEKDAY_OPEN", "25:00")
	t.Setenv("STORE_BACKEND", "etcd")
	_, err := Load("")
	if err == nil {
		t.Fatal("Load() error = nil")
	}
	for _, want := range []string{"LOG_LEVEL", "WEEKDAY_OPEN", "STORE_BACKEND"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestPostgresNeedsDatabaseURL(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(""); !errors.Is(err, ErrMissing) {
		t.Fatalf("Load() error = %v, want ErrMissing", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("TIMEZONE", "")
	t.Setenv("ACTIVITIES", "")
	path := filepath.Join(t.TempDir(), "courtbot.yaml")
	content := "timezone: UTC\nactivities:\n  - Tennis\n  - Squash\nslot_minutes: 60\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Location != time.UTC || strings.Join(cfg.Activities, "|") != "Tennis|Squash" || cfg.Hours.SlotDuration != time.Hour {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestRequire(t *testing.T) {
	cfg := Config{TelegramToken: "token"}
	err := cfg.Require("TELEGRAM_TOKEN", "BOOKINGS_CALENDAR_ID", "TELEGRAM_GROUP_CHAT_ID")
	if !errors.Is(err, ErrMissing) {
		t.Fatalf("Require() error = %v", err)
	}
	if strings.Contains(err.Error(), "TELEGRAM_TOKEN") || !strings.Contains(err.Error(), "TELEGRAM_GROUP_CHAT_ID") {
		t.Fatalf("Require() error = %v", err)
	}
}
