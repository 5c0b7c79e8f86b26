// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package janitor deletes rows that have aged past their retention horizon.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Deleter removes aged rows in bounded chunks.
type Deleter interface {
	DeleteBefore(ctx context.Context, table string, cutoff time.Time, limit int) (int64, error)
}

// Family is one group of rows sharing a retention horizon.
type Family struct {
	Name  string
	Table string
	// Horizon is the age past which rows are deleted. Zero keeps rows forever.
	Horizon time.Duration
}

// Config holds horizons and chunking limits.
type Config struct {
	Raw           time.Duration
	Access        time.Duration
	DNS           time.Duration
	Error         time.Duration
	Auth          time.Duration
	RuntimeConfig time.Duration

	// BatchSize caps rows removed by one DELETE.
	BatchSize int
	// MaxChunks caps DELETE statements per family in one pass, so a large
	// backlog is worked off over several passes.
	MaxChunks int
	// Pause is slept between chunks to let writers in.
	Pause time.Duration
}

// DefaultConfig keeps everything for 30 days.
func DefaultConfig() Config {
	const month = 30 * 24 * time.Hour
	return Config{
		Raw:           month,
		Access:        month,
		DNS:           month,
		Error:         month,
		Auth:          month,
		RuntimeConfig: month,
		BatchSize:     5000,
		MaxChunks:     200,
	}
}

// Families returns the families in deletion order. Derived rows go before
// the raw rows that own them.
func (c Config) Families() []Family {
	return []Family{
		{Name: "access", Table: "audit_access_events", Horizon: c.Access},
		{Name: "dns", Table: "audit_dns_events", Horizon: c.DNS},
		{Name: "raw", Table: "audit_raw_events", Horizon: c.Raw},
		{Name: "error", Table: "audit_error_events", Horizon: c.Error},
		{Name: "auth", Table: "audit_auth_events", Horizon: c.Auth},
		{Name: "runtime_config", Table: "audit_runtime_config_history", Horizon: c.RuntimeConfig},
	}
}

// Result reports rows deleted per family in one pass.
type Result struct {
	Deleted map[string]int64
	// Backlog lists families that hit MaxChunks and still have old rows.
	Backlog []string
}

// Total sums deleted rows.
func (r Result) Total() int64 {
	var n int64
	for _, v := range r.Deleted {
		n += v
	}
	return n
}

// Janitor applies retention. It is the only component that deletes rows.
type Janitor struct {
	d         Deleter
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	onDeleted func(int64)
}

// New creates a janitor. onDeleted, if set, receives the rows removed by
// each pass.
func New(d Deleter, cfg Config, logger *slog.Logger, onDeleted func(int64)) *Janitor {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = def.MaxChunks
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{d: d, cfg: cfg, logger: logger, now: time.Now, onDeleted: onDeleted}
}

// RunOnce performs one retention pass. A failing family does not stop the
// others; all failures are joined into the returned error and the next
// pass retries them.
func (j *Janitor) RunOnce(ctx context.Context) (Result, error) {
	res := Result{Deleted: make(map[string]int64)}
	now := j.now().UTC()

	var errs []error
	for _, f := range j.cfg.Families() {
		if f.Horizon <= 0 {
			continue
		}
		n, more, err := j.purge(ctx, f, now.Add(-f.Horizon))
		res.Deleted[f.Name] = n
		if more {
			res.Backlog = append(res.Backlog, f.Name)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.Name, err))
			if ctx.Err() != nil {
				break
			}
		}
	}

	if total := res.Total(); total > 0 {
		j.logger.Info("retention pass finished", "deleted", total, "backlog", res.Backlog)
		if j.onDeleted != nil {
			j.onDeleted(total)
		}
	}
	return res, errors.Join(errs...)
}

// purge deletes chunks until fewer than BatchSize rows come back or
// MaxChunks is reached.
func (j *Janitor) purge(ctx context.Context, f Family, cutoff time.Time) (int64, bool, error) {
	var total int64
	for range j.cfg.MaxChunks {
		n, err := j.d.DeleteBefore(ctx, f.Table, cutoff, j.cfg.BatchSize)
		total += n
		if err != nil {
			return total, false, err
		}
		if n < int64(j.cfg.BatchSize) {
			return total, false, nil
		}
		if j.cfg.Pause > 0 {
			select {
			case <-ctx.Done():
				return total, true, ctx.Err()
			case <-time.After(j.cfg.Pause):
			}
		}
	}
	return total, true, nil
}

// Job adapts RunOnce to the scheduler.
func (j *Janitor) Job(ctx context.Context) error {
	_, err := j.RunOnce(ctx)
	return err
}
