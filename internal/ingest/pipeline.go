// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/olegiv/xray-audit/internal/checkpoint"
	"github.com/olegiv/xray-audit/internal/classify"
	"github.com/olegiv/xray-audit/internal/filter"
	"github.com/olegiv/xray-audit/internal/health"
	"github.com/olegiv/xray-audit/internal/model"
	"github.com/olegiv/xray-audit/internal/parser"
	"github.com/olegiv/xray-audit/internal/tailer"
)

// Kind selects the grammar applied to a source.
type Kind string

// Source kinds.
const (
	KindAccess Kind = "access"
	KindError  Kind = "error"
)

// Config describes one source and its batching policy.
type Config struct {
	Name   string
	Path   string
	Kind   Kind
	NodeID string

	StartAtEnd    bool
	BatchSize     int
	FlushInterval time.Duration
	PollInterval  time.Duration
	// QueueSize bounds batches waiting for the committer.
	QueueSize int
	// DrainTimeout bounds how long queued batches may keep committing
	// after shutdown starts.
	DrainTimeout time.Duration
	// MissingRetryCap caps the wait between opens of a missing file.
	MissingRetryCap time.Duration
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = string(c.Kind)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 300
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.MissingRetryCap <= 0 {
		c.MissingRetryCap = 30 * time.Second
	}
}

// Pipeline ingests one file. Each source runs its own pipeline so a stall
// in one never blocks another.
type Pipeline struct {
	cfg         Config
	tailer      *tailer.Tailer
	parser      *parser.Parser
	classifier  *classify.Classifier
	filter      *filter.Filter
	persister   *Persister
	checkpoints checkpoint.Store
	stats       *health.SourceStats
	logger      *slog.Logger
	now         func() time.Time

	lastEventTime time.Time
	missingWarn   rate.Sometimes
	errorWarn     rate.Sometimes
	cutWarn       rate.Sometimes
}

// scanBackLimit bounds the bytes read before the resume offset when
// recovering the time inherited by untimed lines.
const scanBackLimit = 1 << 20

// Deps are the collaborators shared by all pipelines.
type Deps struct {
	Parser      *parser.Parser
	Classifier  *classify.Classifier
	Filter      *filter.Filter
	Persister   *Persister
	Checkpoints checkpoint.Store
	Stats       *health.SourceStats
	Logger      *slog.Logger
}

// New creates a pipeline. Parser and Classifier default to UTC and the
// built-in rules; Filter may be nil to keep everything.
func New(cfg Config, deps Deps) *Pipeline {
	cfg.applyDefaults()
	if deps.Parser == nil {
		deps.Parser = parser.New(time.UTC)
	}
	if deps.Classifier == nil {
		deps.Classifier = classify.Default()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Stats == nil {
		deps.Stats = health.NewReporter(cfg.NodeID, "").Source(cfg.Name, cfg.Path)
	}
	return &Pipeline{
		cfg: cfg,
		tailer: tailer.New(cfg.Path, deps.Checkpoints, tailer.Options{
			StartAtEnd: cfg.StartAtEnd,
			MaxLines:   max(cfg.BatchSize*4, 1024),
		}),
		parser:      deps.Parser,
		classifier:  deps.Classifier,
		filter:      deps.Filter,
		persister:   deps.Persister,
		checkpoints: deps.Checkpoints,
		stats:       deps.Stats,
		logger:      deps.Logger.With("source", cfg.Name, "path", cfg.Path),
		now:         time.Now,
		missingWarn: rate.Sometimes{First: 1, Interval: time.Minute},
		errorWarn:   rate.Sometimes{First: 3, Interval: time.Minute},
		cutWarn:     rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

// Run tails the source until ctx is done. It returns an error only when
// the source is unusable (tailer.ErrSourceFatal); callers keep other
// sources running in that case. On shutdown queued batches are committed
// within DrainTimeout; anything left is uncommitted and its checkpoint
// stays behind.
func (p *Pipeline) Run(ctx context.Context) error {
	defer func() { _ = p.tailer.Close() }()

	if err := p.open(ctx); err != nil {
		if ctx.Err() != nil {
			p.stats.SetState(health.StateStopped)
			return nil
		}
		p.stats.SetState(health.StateFailed)
		p.stats.SetError(err.Error())
		p.logger.Error("log source unusable", "error", err)
		return err
	}
	p.restoreEventTime(ctx)
	p.stats.SetState(health.StateRunning)
	p.logger.Info("tailing log source")

	queue := make(chan *Batch, p.cfg.QueueSize)
	commitCtx, cancelCommit := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelCommit()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.commitLoop(commitCtx, queue)
	}()

	pending := p.produce(ctx, queue)

	// Shutdown: hand over the last partial batch and let the committer
	// drain within the grace period.
	timer := time.AfterFunc(p.cfg.DrainTimeout, cancelCommit)
	defer timer.Stop()
	if pending != nil && !pending.Empty() {
		select {
		case queue <- pending:
		case <-commitCtx.Done():
		}
	}
	close(queue)
	wg.Wait()

	p.stats.SetState(health.StateStopped)
	p.logger.Info("log source stopped")
	return nil
}

// open retries until the file can be opened. Only tailer.ErrSourceFatal
// stops it.
func (p *Pipeline) open(ctx context.Context) error {
	b := retry.WithCappedDuration(p.cfg.MissingRetryCap, retry.NewExponential(p.cfg.PollInterval))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := p.tailer.Open(ctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, tailer.ErrSourceFatal):
			return err
		case errors.Is(err, tailer.ErrSourceMissing):
			p.stats.SetState(health.StateWaiting)
			p.missingWarn.Do(func() {
				p.logger.Warn("log source missing, waiting", "error", err)
			})
		default:
			p.stats.SetError(err.Error())
			p.errorWarn.Do(func() {
				p.logger.Warn("opening log source failed, retrying", "error", err)
			})
		}
		return retry.RetryableError(err)
	})
}

// restoreEventTime recovers the time untimed lines at the resume offset
// inherit: the nearest earlier timestamped line in the file, else the time
// saved with the checkpoint.
func (p *Pipeline) restoreEventTime(ctx context.Context) {
	err := p.tailer.ScanBack(scanBackLimit, func(text string) bool {
		if strings.TrimSpace(text) == "" {
			return false
		}
		if ev := p.parse(text); !ev.TimeMissing {
			p.lastEventTime = ev.EventTime
			return true
		}
		return false
	})
	if err != nil {
		p.logger.Warn("scanning back for the last event time failed", "error", err)
	}
	if !p.lastEventTime.IsZero() {
		return
	}
	cp, ok, err := p.checkpoints.Load(ctx, p.cfg.Path)
	if err != nil {
		p.logger.Warn("loading checkpoint event time failed", "error", err)
		return
	}
	if ok {
		p.lastEventTime = cp.LastEventTime
	}
}

// commitLoop commits batches in order, then advances the checkpoint.
func (p *Pipeline) commitLoop(ctx context.Context, queue <-chan *Batch) {
	for b := range queue {
		if ctx.Err() != nil {
			continue
		}
		rc, err := p.persister.Commit(ctx, b)
		if err != nil {
			p.logger.Warn("batch left uncommitted", "events", len(b.Events), "offset", b.Offset, "error", err)
			continue
		}
		if err := rc.Advance(ctx, p.checkpoints); err != nil {
			p.stats.SetError(err.Error())
			p.logger.Warn("checkpoint not advanced", "error", err)
			continue
		}
		res := rc.Result()
		p.logger.Debug("batch committed", "offset", b.Offset,
			"raw", res.Raw, "access", res.Access, "dns", res.DNS, "errors", res.Errors, "duplicates", res.Duplicates)
	}
}

// produce polls the tailer and hands full batches to the committer until
// ctx is done. It returns the batch still being filled.
func (p *Pipeline) produce(ctx context.Context, queue chan<- *Batch) *Batch {
	batch := p.newBatch()

	send := func() bool {
		if batch.Empty() {
			return true
		}
		select {
		case queue <- batch:
			batch = p.newBatch()
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		chunk, err := p.tailer.Poll(ctx)
		switch {
		case ctx.Err() != nil:
			return batch
		case err != nil:
			p.stats.SetError(err.Error())
			p.errorWarn.Do(func() {
				p.logger.Warn("poll failed", "error", err)
			})
			if !p.sleep(ctx) {
				return batch
			}
			continue
		}
		p.stats.SetReadPosition(chunk.Offset, chunk.Size)

		if chunk.Rotated || chunk.Truncated {
			p.logger.Info("log source reset",
				"rotated", chunk.Rotated, "truncated", chunk.Truncated, "identity", chunk.Identity.String())
			if !send() {
				return batch
			}
			batch.Rotated = true
			batch.Identity = chunk.Identity
			batch.Offset = 0
		}

		degraded, filtered := 0, 0
		for _, line := range chunk.Lines {
			if batch.Lines == 0 {
				batch.started = p.now()
			}
			batch.Lines++
			batch.Identity = chunk.Identity
			batch.Offset = line.End

			ev, keep := p.process(line.Text)
			batch.CarryTime = p.lastEventTime
			if line.Cut {
				p.cutWarn.Do(func() {
					p.logger.Warn("overlong line cut", "offset", line.End)
				})
			}
			if ev.Degraded || line.Cut {
				degraded++
			}
			if !keep {
				filtered++
			} else {
				batch.Events = append(batch.Events, ev)
				if ev.EventTime.After(batch.LastEventTime) {
					batch.LastEventTime = ev.EventTime
				}
			}
			if len(batch.Events) >= p.cfg.BatchSize {
				if !send() {
					return batch
				}
			}
		}
		p.stats.AddRead(len(chunk.Lines), degraded, filtered)

		if batch.Rotated || (batch.Lines > 0 && p.now().Sub(batch.started) >= p.cfg.FlushInterval) {
			if !send() {
				return batch
			}
		}

		if len(chunk.Lines) == 0 {
			if !p.sleep(ctx) {
				return batch
			}
		}
	}
}

func (p *Pipeline) newBatch() *Batch {
	id, off := p.tailer.Position()
	return &Batch{Path: p.cfg.Path, Identity: id, Offset: off, CarryTime: p.lastEventTime}
}

// process parses one line. keep is false for blank or filtered lines.
func (p *Pipeline) process(text string) (ev model.Event, keep bool) {
	if strings.TrimSpace(text) == "" {
		return ev, false
	}
	ev = p.parse(text)
	if ev.Error != nil {
		p.classifier.Classify(ev.Error)
	}
	ev.OriginNode = p.cfg.NodeID

	if ev.TimeMissing {
		// Lines without a timestamp inherit the previous event's time.
		ev.EventTime = p.lastEventTime
		if ev.EventTime.IsZero() {
			ev.EventTime = p.now().UTC().Truncate(time.Second)
		}
	} else {
		p.lastEventTime = ev.EventTime
	}

	if drop, _ := p.filter.Drop(&ev); drop {
		return ev, false
	}
	return ev, true
}

func (p *Pipeline) parse(text string) model.Event {
	if p.cfg.Kind == KindError {
		return p.parser.ParseErrorLog(text)
	}
	return p.parser.ParseAccessLog(text)
}

func (p *Pipeline) sleep(ctx context.Context) bool {
	t := time.NewTimer(p.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// String identifies the pipeline in logs.
func (p *Pipeline) String() string {
	return fmt.Sprintf("%s(%s)", p.cfg.Name, p.cfg.Path)
}
