package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected default addr: %s", cfg.Server.Addr)
	}
	if cfg.Scheduler.MaxAttempts != 3 {
		t.Fatalf("unexpected default max attempts: %d", cfg.Scheduler.MaxAttempts)
	}
	if cfg.BackoffBase() != 60*time.Second {
		t.Fatalf("unexpected default backoff base: %v", cfg.BackoffBase())
	}
	if cfg.AggregationWindow() != 30*time.Second {
		t.Fatalf("unexpected default aggregation window: %v", cfg.AggregationWindow())
	}
	if len(cfg.Matching.NoiseMarkers) == 0 {
		t.Fatalf("expected default noise markers")
	}
}

func TestMinSendInterval(t *testing.T) {
	cfg := Default()
	// 1000ms window / 30 messages.
	want := 1000 * time.Millisecond / 30
	if got := cfg.MinSendInterval(); got != want {
		t.Fatalf("MinSendInterval() = %v, want %v", got, want)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callwatch.toml")
	raw := `
[server]
addr = ":9090"

[scheduler]
max_attempts = 5
backoff_base_seconds = 30

[ratelimit]
window_ms = 2000
max_messages_per_window = 10

[telegram]
bot_token = "test-token"
max_message_length = 2000
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr not overridden: %s", cfg.Server.Addr)
	}
	if cfg.Scheduler.MaxAttempts != 5 || cfg.BackoffBase() != 30*time.Second {
		t.Fatalf("scheduler settings not overridden: %+v", cfg.Scheduler)
	}
	if cfg.MinSendInterval() != 200*time.Millisecond {
		t.Fatalf("rate limit not overridden: %v", cfg.MinSendInterval())
	}
	if cfg.Telegram.MaxMessageLength != 2000 {
		t.Fatalf("telegram settings not overridden: %+v", cfg.Telegram)
	}
	// Untouched sections keep their defaults.
	if cfg.Storage.SQLitePath != "callwatch.db" {
		t.Fatalf("default storage path lost: %s", cfg.Storage.SQLitePath)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
