// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package digest periodically summarizes recent error events with a chat
// model and delivers the summary to an operator chat.
package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/olegiv/xray-audit/internal/store"
)

// StateKey is the audit_job_state key holding the end of the last window.
const StateKey = "ai_error_summary_last_ts"

// ErrNotConfigured is returned when the digest lacks an endpoint or a chat.
var ErrNotConfigured = errors.New("digest is not configured")

// Source reads error aggregates and persists the job position.
type Source interface {
	ErrorSummary(ctx context.Context, from, to time.Time, maxItems int) (store.ErrorSummary, error)
	JobState(ctx context.Context, key string) (string, bool, error)
	SetJobState(ctx context.Context, key, value string) error
}

// Summarizer turns an error summary into operator-facing text.
type Summarizer interface {
	Summarize(ctx context.Context, sum store.ErrorSummary) (string, error)
}

// Notifier delivers a finished digest.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Config bounds what one run looks at.
type Config struct {
	// Window is used when no previous run is recorded.
	Window   time.Duration
	MaxItems int
}

// DefaultConfig returns the defaults: a 60 minute first window and 200 items.
func DefaultConfig() Config {
	return Config{Window: 60 * time.Minute, MaxItems: 200}
}

// Worker runs one digest per call.
type Worker struct {
	src        Source
	summarizer Summarizer
	notifier   Notifier
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewWorker creates a Worker. Non-positive config values take defaults.
func NewWorker(src Source, s Summarizer, n Notifier, cfg Config, logger *slog.Logger) *Worker {
	def := DefaultConfig()
	if cfg.Window < time.Minute {
		cfg.Window = def.Window
	}
	switch {
	case cfg.MaxItems <= 0:
		cfg.MaxItems = def.MaxItems
	case cfg.MaxItems < 20:
		cfg.MaxItems = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		src:        src,
		summarizer: s,
		notifier:   n,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// RunOnce summarizes errors since the last delivered window. It reports
// whether a digest was sent. An empty window advances the position
// without calling the model; a failed summary or delivery leaves it so
// the next run covers the same events.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	if w.summarizer == nil || w.notifier == nil {
		return false, ErrNotConfigured
	}
	to := w.now().UTC().Truncate(time.Second)
	from, err := w.lastRun(ctx)
	if err != nil {
		return false, err
	}
	if from.IsZero() || !from.Before(to) {
		from = to.Add(-w.cfg.Window)
	}

	sum, err := w.src.ErrorSummary(ctx, from, to, w.cfg.MaxItems)
	if err != nil {
		return false, fmt.Errorf("summarizing errors: %w", err)
	}
	if sum.Total == 0 {
		return false, w.save(ctx, to)
	}

	text, err := w.summarizer.Summarize(ctx, sum)
	if err != nil {
		return false, fmt.Errorf("calling model: %w", err)
	}
	if err := w.notifier.Notify(ctx, FormatMessage(sum, text)); err != nil {
		return false, fmt.Errorf("delivering digest: %w", err)
	}
	if err := w.save(ctx, to); err != nil {
		return true, err
	}
	w.logger.Info("error digest delivered", "from", from, "to", to, "total", sum.Total)
	return true, nil
}

// Job adapts RunOnce to the scheduler.
func (w *Worker) Job(ctx context.Context) error {
	_, err := w.RunOnce(ctx)
	return err
}

func (w *Worker) lastRun(ctx context.Context) (time.Time, error) {
	v, ok, err := w.src.JobState(ctx, StateKey)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		w.logger.Warn("ignoring unreadable digest position", "value", v, "error", err)
		return time.Time{}, nil
	}
	return t.UTC(), nil
}

func (w *Worker) save(ctx context.Context, to time.Time) error {
	return w.src.SetJobState(ctx, StateKey, to.Format(time.RFC3339))
}

// maxMessage keeps digests under the chat message limit.
const maxMessage = 3800

// FormatMessage prefixes the model text with the window and the total,
// then truncates to the chat limit.
func FormatMessage(sum store.ErrorSummary, text string) string {
	msg := fmt.Sprintf("Xray Error Summary\nWindow: %s ~ %s\nTotal: %d\n\n%s",
		sum.From.Format(time.DateTime), sum.To.Format(time.DateTime), sum.Total, text)
	if r := []rune(msg); len(r) > maxMessage {
		msg = string(r[:maxMessage]) + "\n...(truncated)"
	}
	return msg
}
