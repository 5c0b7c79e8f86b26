package cache

import (
	"log/slog"
	"time"
)

// Config holds configuration for backend creation.
type Config struct {
	// RedisURL selects the Redis backend. Empty means in-memory.
	// Example: redis://localhost:6379/0
	RedisURL string

	// Prefix is the key prefix for Redis.
	Prefix string

	// NodeID scopes keys to one collector.
	NodeID string

	// CleanupInterval is the interval for expired bucket cleanup (memory only).
	CleanupInterval time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Prefix:          "audit:",
		NodeID:          "node-1",
		CleanupInterval: time.Minute,
	}
}

// New creates the aggregate backend. A Redis backend that cannot be reached
// at startup falls back to memory.
func New(cfg Config, logger *slog.Logger) Aggregates {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RedisURL != "" {
		opts := DefaultRedisOptions()
		opts.URL = cfg.RedisURL
		if cfg.Prefix != "" {
			opts.Prefix = cfg.Prefix
		}
		if cfg.NodeID != "" {
			opts.NodeID = cfg.NodeID
		}
		rc, err := NewRedisAggregates(opts)
		if err == nil {
			logger.Info("aggregate cache using redis", "prefix", opts.Prefix, "node_id", opts.NodeID)
			return rc
		}
		logger.Warn("redis unavailable, aggregates kept in memory", "error", err)
	}

	return NewMemoryAggregates(MemoryOptions{CleanupInterval: cfg.CleanupInterval})
}
