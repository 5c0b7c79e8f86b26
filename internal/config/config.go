// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/olegiv/xray-audit/internal/model"
	"github.com/olegiv/xray-audit/internal/scheduler"
	"github.com/olegiv/xray-audit/internal/store"
)

// Start positions for a source with no checkpoint.
const (
	StartEnd   = "end"
	StartStart = "start"
)

// Config holds the collector configuration loaded from environment variables.
type Config struct {
	NodeID string `env:"AUDIT_NODE_ID" envDefault:"node-1"`

	// Sources
	LogPath         string `env:"AUDIT_LOG_PATH" envDefault:"/var/log/xray/access.log"`
	ErrorLogPath    string `env:"AUDIT_ERROR_LOG_PATH" envDefault:"/var/log/xray/error.log"`
	ErrorLogEnabled bool   `env:"AUDIT_ERROR_LOG_ENABLED" envDefault:"true"`
	StartPosition   string `env:"AUDIT_START_POSITION" envDefault:"end"`
	LogTimezone     string `env:"AUDIT_LOG_TIMEZONE" envDefault:"UTC"` // Zone of the proxy's log timestamps

	// Batching
	BatchSize     int           `env:"AUDIT_BATCH_SIZE" envDefault:"300"`
	FlushInterval time.Duration `env:"AUDIT_FLUSH_INTERVAL" envDefault:"1s"`
	PollInterval  time.Duration `env:"AUDIT_POLL_INTERVAL" envDefault:"200ms"`
	CommitQueue   int           `env:"AUDIT_COMMIT_QUEUE" envDefault:"4"`

	// Store
	DBDriver string `env:"AUDIT_DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"AUDIT_DB_DSN" envDefault:"./data/xray_audit.db"`

	// Cache configuration
	RedisURL    string `env:"AUDIT_REDIS_URL"` // Optional; in-process aggregates when empty
	CachePrefix string `env:"AUDIT_CACHE_PREFIX" envDefault:"audit:"`

	// Ingest filters
	DropAPIToAPI          bool     `env:"AUDIT_DROP_API_TO_API" envDefault:"true"`
	DropLoopbackTraffic   bool     `env:"AUDIT_DROP_LOOPBACK_TRAFFIC" envDefault:"true"`
	DropInvalidVLESSProbe bool     `env:"AUDIT_DROP_INVALID_VLESS_PROBE" envDefault:"false"`
	ExcludeDetours        []string `env:"AUDIT_EXCLUDE_DETOURS" envSeparator:","`
	ErrorMinLevel         string   `env:"AUDIT_ERROR_MIN_LEVEL" envDefault:"warning"`
	ErrorDropNoise        bool     `env:"AUDIT_ERROR_DROP_NOISE" envDefault:"false"`
	ClassifierRules       string   `env:"AUDIT_CLASSIFIER_RULES"` // Optional YAML rule file

	// Retention
	RetentionRaw       time.Duration `env:"AUDIT_RETENTION_RAW" envDefault:"720h"`
	RetentionAccess    time.Duration `env:"AUDIT_RETENTION_ACCESS" envDefault:"720h"`
	RetentionDNS       time.Duration `env:"AUDIT_RETENTION_DNS" envDefault:"720h"`
	RetentionError     time.Duration `env:"AUDIT_RETENTION_ERROR" envDefault:"720h"`
	RetentionAuth      time.Duration `env:"AUDIT_RETENTION_AUTH" envDefault:"720h"`
	RetentionRuntime   time.Duration `env:"AUDIT_RETENTION_RUNTIME_CONFIG" envDefault:"720h"`
	RetentionSchedule  string        `env:"AUDIT_RETENTION_SCHEDULE" envDefault:"@every 1h"`
	RetentionBatchSize int           `env:"AUDIT_RETENTION_DELETE_BATCH_SIZE" envDefault:"5000"`

	// Health
	HealthInterval time.Duration `env:"AUDIT_HEALTH_INTERVAL" envDefault:"15s"`
	StatusAddr     string        `env:"AUDIT_STATUS_ADDR"` // e.g. 127.0.0.1:8089; disabled when empty

	// AI error digest
	DigestEnabled  bool          `env:"AUDIT_DIGEST_ENABLED" envDefault:"false"`
	DigestSchedule string        `env:"AUDIT_DIGEST_SCHEDULE" envDefault:"@every 30m"`
	DigestWindow   time.Duration `env:"AUDIT_DIGEST_WINDOW" envDefault:"60m"`
	DigestMaxItems int           `env:"AUDIT_DIGEST_MAX_ITEMS" envDefault:"200"`
	DigestAPIURL   string        `env:"AUDIT_DIGEST_API_BASE_URL"`
	DigestAPIKey   string        `env:"AUDIT_DIGEST_API_KEY"`
	DigestModel    string        `env:"AUDIT_DIGEST_MODEL" envDefault:"gpt-4o-mini"`
	DigestTimeout  time.Duration `env:"AUDIT_DIGEST_TIMEOUT" envDefault:"20s"`
	DigestTGToken  string        `env:"AUDIT_DIGEST_TG_BOT_TOKEN"`
	DigestTGChatID string        `env:"AUDIT_DIGEST_TG_CHAT_ID"`

	// Logging
	LogLevel  string `env:"AUDIT_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"AUDIT_LOG_FORMAT" envDefault:"text"`
}

// UseRedisCache returns true if Redis aggregates are configured.
func (c Config) UseRedisCache() bool {
	return c.RedisURL != ""
}

// StartAtEnd reports whether sources without a checkpoint skip existing content.
func (c Config) StartAtEnd() bool {
	return c.StartPosition == StartEnd
}

// Location returns the time zone of the log timestamps.
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.LogTimezone)
}

// Validation bounds.
const (
	MinFlushInterval = 100 * time.Millisecond
	MinPollInterval  = 50 * time.Millisecond
	MinRetention     = time.Hour
)

// Load parses environment variables and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.StartPosition = strings.ToLower(strings.TrimSpace(c.StartPosition))
	c.ErrorMinLevel = strings.ToLower(strings.TrimSpace(c.ErrorMinLevel))
	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
	detours := c.ExcludeDetours[:0]
	for _, d := range c.ExcludeDetours {
		if d = strings.TrimSpace(d); d != "" {
			detours = append(detours, d)
		}
	}
	c.ExcludeDetours = detours
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("AUDIT_BATCH_SIZE must be at least 1, got %d", c.BatchSize))
	}
	if c.FlushInterval < MinFlushInterval {
		errs = append(errs, fmt.Errorf("AUDIT_FLUSH_INTERVAL must be at least %s, got %s", MinFlushInterval, c.FlushInterval))
	}
	if c.PollInterval < MinPollInterval {
		errs = append(errs, fmt.Errorf("AUDIT_POLL_INTERVAL must be at least %s, got %s", MinPollInterval, c.PollInterval))
	}
	if c.CommitQueue < 1 {
		errs = append(errs, fmt.Errorf("AUDIT_COMMIT_QUEUE must be at least 1, got %d", c.CommitQueue))
	}
	for _, r := range []struct {
		name string
		d    time.Duration
	}{
		{"AUDIT_RETENTION_RAW", c.RetentionRaw},
		{"AUDIT_RETENTION_ACCESS", c.RetentionAccess},
		{"AUDIT_RETENTION_DNS", c.RetentionDNS},
		{"AUDIT_RETENTION_ERROR", c.RetentionError},
		{"AUDIT_RETENTION_AUTH", c.RetentionAuth},
		{"AUDIT_RETENTION_RUNTIME_CONFIG", c.RetentionRuntime},
	} {
		if r.d < MinRetention {
			errs = append(errs, fmt.Errorf("%s must be at least %s, got %s", r.name, MinRetention, r.d))
		}
	}
	if c.RetentionBatchSize < 1 {
		errs = append(errs, fmt.Errorf("AUDIT_RETENTION_DELETE_BATCH_SIZE must be at least 1, got %d", c.RetentionBatchSize))
	}
	if err := scheduler.ValidateSchedule(c.RetentionSchedule); err != nil {
		errs = append(errs, fmt.Errorf("AUDIT_RETENTION_SCHEDULE: %w", err))
	}

	switch c.DBDriver {
	case store.DriverSQLite, store.DriverSQLite3, store.DriverMySQL:
	default:
		errs = append(errs, fmt.Errorf("AUDIT_DB_DRIVER must be one of sqlite, sqlite3, mysql, got %q", c.DBDriver))
	}
	if c.DBDSN == "" {
		errs = append(errs, errors.New("AUDIT_DB_DSN is required"))
	}
	switch c.StartPosition {
	case StartEnd, StartStart:
	default:
		errs = append(errs, fmt.Errorf("AUDIT_START_POSITION must be end or start, got %q", c.StartPosition))
	}
	switch c.ErrorMinLevel {
	case model.LevelDebug, model.LevelInfo, model.LevelWarning, model.LevelError:
	default:
		errs = append(errs, fmt.Errorf("AUDIT_ERROR_MIN_LEVEL must be debug, info, warning or error, got %q", c.ErrorMinLevel))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("AUDIT_LOG_TIMEZONE: %w", err))
	}
	if c.HealthInterval < time.Second {
		errs = append(errs, fmt.Errorf("AUDIT_HEALTH_INTERVAL must be at least 1s, got %s", c.HealthInterval))
	}

	if c.DigestEnabled {
		if err := scheduler.ValidateSchedule(c.DigestSchedule); err != nil {
			errs = append(errs, fmt.Errorf("AUDIT_DIGEST_SCHEDULE: %w", err))
		}
		if c.DigestAPIURL == "" || c.DigestModel == "" {
			errs = append(errs, errors.New("AUDIT_DIGEST_API_BASE_URL and AUDIT_DIGEST_MODEL are required when the digest is enabled"))
		}
		if c.DigestTGToken == "" || c.DigestTGChatID == "" {
			errs = append(errs, errors.New("AUDIT_DIGEST_TG_BOT_TOKEN and AUDIT_DIGEST_TG_CHAT_ID are required when the digest is enabled"))
		}
	}
	return errors.Join(errs...)
}
