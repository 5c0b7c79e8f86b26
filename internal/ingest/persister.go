// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package ingest runs the per-source pipeline: tail, parse, classify,
// filter, persist, then advance the checkpoint.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/olegiv/xray-audit/internal/cache"
	"github.com/olegiv/xray-audit/internal/checkpoint"
	"github.com/olegiv/xray-audit/internal/health"
	"github.com/olegiv/xray-audit/internal/model"
	"github.com/olegiv/xray-audit/internal/store"
)

// ErrNoReceipt is returned when advancing a checkpoint without a commit.
var ErrNoReceipt = errors.New("checkpoint advance without a committed batch")

// Writer commits a batch of events in one transaction.
type Writer interface {
	WriteEvents(ctx context.Context, events []model.Event) (store.WriteResult, error)
}

// Batch is a run of consecutive lines from one file identity.
type Batch struct {
	Path     string
	Identity checkpoint.FileIdentity
	// Offset is the file position just past the last line in the batch.
	Offset int64
	Events []model.Event
	// Lines counts every line the batch covers, stored or not.
	Lines         int
	LastEventTime time.Time
	// CarryTime is the time an untimed line after the batch inherits.
	CarryTime time.Time
	Rotated   bool
	started   time.Time
}

// Empty reports whether the batch covers no input and no rotation.
func (b *Batch) Empty() bool {
	return b.Lines == 0 && !b.Rotated
}

// Receipt proves that a batch was durably committed. Only Commit creates
// one, which keeps checkpoint advance behind the data it certifies.
type Receipt struct {
	path        string
	identity    checkpoint.FileIdentity
	offset      int64
	carryTime   time.Time
	result      store.WriteResult
	committedAt time.Time
	valid       bool
}

// Result returns what the batch inserted.
func (r Receipt) Result() store.WriteResult { return r.result }

// Checkpoint returns the position this receipt certifies.
func (r Receipt) Checkpoint() checkpoint.Checkpoint {
	return checkpoint.Checkpoint{
		FilePath:      r.path,
		Identity:      r.identity,
		Offset:        r.offset,
		UpdatedAt:     r.committedAt,
		LastEventTime: r.carryTime,
	}
}

// Advance saves the certified position.
func (r Receipt) Advance(ctx context.Context, cps checkpoint.Store) error {
	if !r.valid {
		return ErrNoReceipt
	}
	if err := cps.Save(ctx, r.Checkpoint()); err != nil {
		return fmt.Errorf("saving checkpoint for %s: %w", r.path, err)
	}
	return nil
}

// PersisterConfig tunes retries and cache updates.
type PersisterConfig struct {
	RetryBase    time.Duration
	RetryCap     time.Duration
	CacheTimeout time.Duration
}

// DefaultPersisterConfig returns the production retry schedule.
func DefaultPersisterConfig() PersisterConfig {
	return PersisterConfig{
		RetryBase:    500 * time.Millisecond,
		RetryCap:     30 * time.Second,
		CacheTimeout: 2 * time.Second,
	}
}

// Persister commits batches and then updates the aggregate cache.
type Persister struct {
	w      Writer
	agg    cache.Aggregates
	stats  *health.SourceStats
	logger *slog.Logger
	cfg    PersisterConfig
	now    func() time.Time

	writeWarn rate.Sometimes
	cacheWarn rate.Sometimes
}

// NewPersister creates a persister. agg and stats may be nil.
func NewPersister(w Writer, agg cache.Aggregates, stats *health.SourceStats, logger *slog.Logger, cfg PersisterConfig) *Persister {
	def := DefaultPersisterConfig()
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = def.RetryCap
	}
	if cfg.CacheTimeout <= 0 {
		cfg.CacheTimeout = def.CacheTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		w:         w,
		agg:       agg,
		stats:     stats,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		writeWarn: rate.Sometimes{First: 3, Interval: 30 * time.Second},
		cacheWarn: rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

func (p *Persister) backoff() retry.Backoff {
	b := retry.NewExponential(p.cfg.RetryBase)
	b = retry.WithJitterPercent(20, b)
	return retry.WithCappedDuration(p.cfg.RetryCap, b)
}

// Commit writes the batch, retrying with capped exponential backoff until
// it succeeds or ctx is done. On success the cache is updated best-effort
// and a Receipt for the batch position is returned.
func (p *Persister) Commit(ctx context.Context, b *Batch) (Receipt, error) {
	var res store.WriteResult
	attempt := 0
	err := retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		r, err := p.w.WriteEvents(ctx, b.Events)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if p.stats != nil {
				p.stats.AddWriteFailure()
				p.stats.SetError(err.Error())
			}
			p.writeWarn.Do(func() {
				p.logger.Warn("batch commit failed, retrying",
					"path", b.Path, "events", len(b.Events), "attempt", attempt, "error", err)
			})
			return retry.RetryableError(err)
		}
		res = r
		return nil
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("committing batch for %s: %w", b.Path, err)
	}

	rc := Receipt{
		path:        b.Path,
		identity:    b.Identity,
		offset:      b.Offset,
		carryTime:   b.CarryTime,
		result:      res,
		committedAt: p.now().UTC(),
		valid:       true,
	}
	if p.stats != nil {
		p.stats.RecordCommit(health.Written{
			Raw:        res.Raw,
			Access:     res.Access,
			DNS:        res.DNS,
			Errors:     res.Errors,
			Duplicates: res.Duplicates,
		}, b.LastEventTime, b.Identity.String(), b.Offset, rc.committedAt)
	}

	p.record(ctx, b.Events)
	return rc, nil
}

// record updates the cache. Failures only make dashboards staler.
func (p *Persister) record(ctx context.Context, events []model.Event) {
	if p.agg == nil || len(events) == 0 {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CacheTimeout)
	defer cancel()
	if err := p.agg.Record(cctx, events); err != nil {
		if p.stats != nil {
			p.stats.AddCacheFailure()
		}
		p.cacheWarn.Do(func() {
			p.logger.Warn("aggregate cache update failed", "error", err)
		})
	}
}
