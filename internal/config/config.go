package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level application configuration, loaded from TOML.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Storage     StorageConfig     `toml:"storage"`
	Rules       RulesConfig       `toml:"rules"`
	Matching    MatchingConfig    `toml:"matching"`
	Aggregation AggregationConfig `toml:"aggregation"`
	Scheduler   SchedulerConfig   `toml:"scheduler"`
	RateLimit   RateLimitConfig   `toml:"ratelimit"`
	Telegram    TelegramConfig    `toml:"telegram"`
	Geo         GeoConfig         `toml:"geo"`
	Codec       CodecConfig       `toml:"codec"`
	Ledger      LedgerConfig      `toml:"ledger"`
	Ingest      IngestConfig      `toml:"ingest"`
	Logging     LoggingConfig     `toml:"logging"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Addr               string   `toml:"addr"`
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`
}

// StorageConfig holds persistence settings
type StorageConfig struct {
	SQLitePath string `toml:"sqlite_path"`
}

// RulesConfig holds keyword registry settings
type RulesConfig struct {
	RefreshIntervalSeconds int `toml:"refresh_interval_seconds"`
}

// MatchingConfig holds match engine settings
type MatchingConfig struct {
	MinTranscriptLength int      `toml:"min_transcript_length"`
	NoiseMarkers        []string `toml:"noise_markers"`
}

// AggregationConfig holds hospital-conversation grouping settings
type AggregationConfig struct {
	WindowSeconds int `toml:"window_seconds"`
}

// SchedulerConfig holds notification queue worker settings
type SchedulerConfig struct {
	PollIntervalSeconds    int `toml:"poll_interval_seconds"`
	BatchSize              int `toml:"batch_size"`
	MaxAttempts            int `toml:"max_attempts"`
	BackoffBaseSeconds     int `toml:"backoff_base_seconds"`
	PromoteAfterSeconds    int `toml:"promote_after_seconds"`
	StaleProcessingSeconds int `toml:"stale_processing_seconds"`
}

// RateLimitConfig holds per-channel outbound throttling settings
type RateLimitConfig struct {
	WindowMillis         int `toml:"window_ms"`
	MaxMessagesPerWindow int `toml:"max_messages_per_window"`
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
	StaleAfterSeconds    int `toml:"stale_after_seconds"`
}

// TelegramConfig holds messaging channel collaborator settings
type TelegramConfig struct {
	APIBaseURL       string `toml:"api_base_url"`
	BotToken         string `toml:"bot_token"`
	MaxMessageLength int    `toml:"max_message_length"`
	TimeoutSeconds   int    `toml:"timeout_seconds"`
	MaxGroupExcerpts int    `toml:"max_group_excerpts"`
}

// GeoConfig holds geo collaborator settings
type GeoConfig struct {
	BaseURL        string  `toml:"base_url"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	AvgSpeedMPH    float64 `toml:"avg_speed_mph"`
}

// CodecConfig holds audio conversion settings
type CodecConfig struct {
	Enabled    bool   `toml:"enabled"`
	FFmpegPath string `toml:"ffmpeg_path"`
}

// LedgerConfig holds delivery ledger retention settings
type LedgerConfig struct {
	RetentionHours       int `toml:"retention_hours"`
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
}

// IngestConfig holds drop-directory ingestion settings
type IngestConfig struct {
	Enabled  bool   `toml:"enabled"`
	WatchDir string `toml:"watch_dir"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Load reads the configuration from the given TOML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "callwatch.db"
	}
	if c.Rules.RefreshIntervalSeconds <= 0 {
		c.Rules.RefreshIntervalSeconds = 60
	}
	if c.Matching.MinTranscriptLength <= 0 {
		c.Matching.MinTranscriptLength = 8
	}
	if len(c.Matching.NoiseMarkers) == 0 {
		c.Matching.NoiseMarkers = []string{"[tone]", "[tones]", "[beep]", "[noise]", "[static]", "[inaudible]"}
	}
	if c.Aggregation.WindowSeconds <= 0 {
		c.Aggregation.WindowSeconds = 30
	}
	if c.Scheduler.PollIntervalSeconds <= 0 {
		c.Scheduler.PollIntervalSeconds = 5
	}
	if c.Scheduler.BatchSize <= 0 {
		c.Scheduler.BatchSize = 20
	}
	if c.Scheduler.MaxAttempts <= 0 {
		c.Scheduler.MaxAttempts = 3
	}
	if c.Scheduler.BackoffBaseSeconds <= 0 {
		c.Scheduler.BackoffBaseSeconds = 60
	}
	if c.Scheduler.PromoteAfterSeconds <= 0 {
		c.Scheduler.PromoteAfterSeconds = 600
	}
	if c.Scheduler.StaleProcessingSeconds <= 0 {
		c.Scheduler.StaleProcessingSeconds = 300
	}
	if c.RateLimit.WindowMillis <= 0 {
		c.RateLimit.WindowMillis = 1000
	}
	if c.RateLimit.MaxMessagesPerWindow <= 0 {
		c.RateLimit.MaxMessagesPerWindow = 30
	}
	if c.RateLimit.SweepIntervalSeconds <= 0 {
		c.RateLimit.SweepIntervalSeconds = 300
	}
	if c.RateLimit.StaleAfterSeconds <= 0 {
		c.RateLimit.StaleAfterSeconds = 600
	}
	if c.Telegram.APIBaseURL == "" {
		c.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Telegram.MaxMessageLength <= 0 {
		c.Telegram.MaxMessageLength = 4096
	}
	if c.Telegram.TimeoutSeconds <= 0 {
		c.Telegram.TimeoutSeconds = 30
	}
	if c.Telegram.MaxGroupExcerpts <= 0 {
		c.Telegram.MaxGroupExcerpts = 5
	}
	if c.Geo.TimeoutSeconds <= 0 {
		c.Geo.TimeoutSeconds = 10
	}
	if c.Geo.AvgSpeedMPH <= 0 {
		c.Geo.AvgSpeedMPH = 30
	}
	if c.Codec.FFmpegPath == "" {
		c.Codec.FFmpegPath = "ffmpeg"
	}
	if c.Ledger.RetentionHours <= 0 {
		c.Ledger.RetentionHours = 24 * 14
	}
	if c.Ledger.SweepIntervalSeconds <= 0 {
		c.Ledger.SweepIntervalSeconds = 3600
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// RulesRefreshInterval returns the registry refresh interval as a duration.
func (c *Config) RulesRefreshInterval() time.Duration {
	return time.Duration(c.Rules.RefreshIntervalSeconds) * time.Second
}

// AggregationWindow returns the hospital-conversation window as a duration.
func (c *Config) AggregationWindow() time.Duration {
	return time.Duration(c.Aggregation.WindowSeconds) * time.Second
}

// PollInterval returns the scheduler poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalSeconds) * time.Second
}

// BackoffBase returns the retry backoff base as a duration.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Scheduler.BackoffBaseSeconds) * time.Second
}

// MinSendInterval returns the enforced gap between sends on one channel.
func (c *Config) MinSendInterval() time.Duration {
	window := time.Duration(c.RateLimit.WindowMillis) * time.Millisecond
	return window / time.Duration(c.RateLimit.MaxMessagesPerWindow)
}
