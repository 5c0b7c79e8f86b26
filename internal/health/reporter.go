// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package health collects collector counters and publishes them for the
// external API layer.
package health

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/olegiv/xray-audit/internal/cache"
)

// SourceStats holds the counters of one monitored file. All methods are
// safe for concurrent use.
type SourceStats struct {
	name string
	path string

	linesRead     atomic.Int64
	degraded      atomic.Int64
	filtered      atomic.Int64
	rawWritten    atomic.Int64
	accessWritten atomic.Int64
	dnsWritten    atomic.Int64
	errorWritten  atomic.Int64
	duplicates    atomic.Int64
	batches       atomic.Int64
	writeFailures atomic.Int64
	cacheFailures atomic.Int64

	mu              sync.Mutex
	state           string
	lastEventTime   time.Time
	lastCommitAt    time.Time
	identity        string
	committedOffset int64
	readOffset      int64
	size            int64
	lastError       string
}

// Written counts rows inserted by one committed batch.
type Written struct {
	Raw, Access, DNS, Errors, Duplicates int
}

// Source states.
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateWaiting  = "waiting_for_file"
	StateFailed   = "failed"
	StateStopped  = "stopped"
)

// AddRead counts lines taken from the file.
func (s *SourceStats) AddRead(lines, degraded, filtered int) {
	s.linesRead.Add(int64(lines))
	s.degraded.Add(int64(degraded))
	s.filtered.Add(int64(filtered))
}

// RecordCommit records a committed batch and the position it certifies.
func (s *SourceStats) RecordCommit(w Written, lastEvent time.Time, identity string, offset int64, at time.Time) {
	s.rawWritten.Add(int64(w.Raw))
	s.accessWritten.Add(int64(w.Access))
	s.dnsWritten.Add(int64(w.DNS))
	s.errorWritten.Add(int64(w.Errors))
	s.duplicates.Add(int64(w.Duplicates))
	s.batches.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if lastEvent.After(s.lastEventTime) {
		s.lastEventTime = lastEvent
	}
	s.lastCommitAt = at
	s.identity = identity
	s.committedOffset = offset
}

// SetReadPosition records how far the tailer has read and the file size.
func (s *SourceStats) SetReadPosition(offset, size int64) {
	s.mu.Lock()
	s.readOffset, s.size = offset, size
	s.mu.Unlock()
}

// AddWriteFailure counts a failed store attempt.
func (s *SourceStats) AddWriteFailure() { s.writeFailures.Add(1) }

// AddCacheFailure counts a failed aggregate update.
func (s *SourceStats) AddCacheFailure() { s.cacheFailures.Add(1) }

// SetState records the lifecycle state.
func (s *SourceStats) SetState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// SetError records the latest error for this source.
func (s *SourceStats) SetError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
}

// SourceSnapshot is a point-in-time copy of SourceStats.
type SourceSnapshot struct {
	Name              string    `json:"name"`
	Path              string    `json:"path"`
	State             string    `json:"state"`
	LinesRead         int64     `json:"lines_read"`
	ParseDegraded     int64     `json:"parse_degraded"`
	Filtered          int64     `json:"filtered"`
	RawWritten        int64     `json:"raw_written"`
	AccessWritten     int64     `json:"access_written"`
	DNSWritten        int64     `json:"dns_written"`
	ErrorWritten      int64     `json:"error_written"`
	DuplicatesSkipped int64     `json:"duplicates_skipped"`
	BatchesCommitted  int64     `json:"batches_committed"`
	WriteFailures     int64     `json:"write_failures"`
	CacheFailures     int64     `json:"cache_failures"`
	FileIdentity      string    `json:"file_identity,omitempty"`
	LastOffset        int64     `json:"last_offset"`
	PendingBytes      int64     `json:"pending_bytes"`
	LastEventTime     time.Time `json:"last_event_time,omitzero"`
	LastCommitAt      time.Time `json:"updated_at,omitzero"`
	LagSeconds        float64   `json:"lag_seconds"`
	LastError         string    `json:"last_error,omitempty"`
}

func (s *SourceStats) snapshot(now time.Time) SourceSnapshot {
	snap := SourceSnapshot{
		Name:              s.name,
		Path:              s.path,
		LinesRead:         s.linesRead.Load(),
		ParseDegraded:     s.degraded.Load(),
		Filtered:          s.filtered.Load(),
		RawWritten:        s.rawWritten.Load(),
		AccessWritten:     s.accessWritten.Load(),
		DNSWritten:        s.dnsWritten.Load(),
		ErrorWritten:      s.errorWritten.Load(),
		DuplicatesSkipped: s.duplicates.Load(),
		BatchesCommitted:  s.batches.Load(),
		WriteFailures:     s.writeFailures.Load(),
		CacheFailures:     s.cacheFailures.Load(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snap.State = s.state
	snap.FileIdentity = s.identity
	snap.LastOffset = s.committedOffset
	snap.LastEventTime = s.lastEventTime
	snap.LastCommitAt = s.lastCommitAt
	snap.LastError = s.lastError
	if s.size > s.committedOffset {
		snap.PendingBytes = s.size - s.committedOffset
	}
	if !s.lastEventTime.IsZero() {
		snap.LagSeconds = max(0, now.Sub(s.lastEventTime).Seconds())
	}
	return snap
}

// Status is the payload served at /status.
type Status struct {
	NodeID           string           `json:"node_id"`
	RunID            string           `json:"run_id"`
	Version          string           `json:"version"`
	StartedAt        time.Time        `json:"started_at"`
	UptimeSeconds    int64            `json:"uptime_seconds"`
	RetentionDeleted int64            `json:"retention_deleted"`
	LastError        string           `json:"last_error,omitempty"`
	LastErrorAt      time.Time        `json:"last_error_at,omitzero"`
	Cache            *cache.Stats     `json:"cache,omitempty"`
	Sources          []SourceSnapshot `json:"sources"`
}

// Reporter aggregates the status of every source.
type Reporter struct {
	nodeID    string
	runID     string
	version   string
	startedAt time.Time
	now       func() time.Time

	retentionDeleted atomic.Int64

	mu          sync.Mutex
	cacheStats  cache.StatsProvider
	sources     map[string]*SourceStats
	lastError   string
	lastErrorAt time.Time
}

// NewReporter creates a reporter with a fresh run id.
func NewReporter(nodeID, version string) *Reporter {
	return &Reporter{
		nodeID:    nodeID,
		runID:     uuid.NewString(),
		version:   version,
		startedAt: time.Now().UTC(),
		now:       time.Now,
		sources:   make(map[string]*SourceStats),
	}
}

// RunID identifies this process instance.
func (r *Reporter) RunID() string { return r.runID }

// Source returns the stats for name, creating them on first use.
func (r *Reporter) Source(name, path string) *SourceStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sources[name]; ok {
		return s
	}
	s := &SourceStats{name: name, path: path, state: StateStarting}
	r.sources[name] = s
	return s
}

// WatchCache includes the write counters of agg in the status when the
// backend keeps them.
func (r *Reporter) WatchCache(agg cache.Aggregates) {
	sp, ok := agg.(cache.StatsProvider)
	if !ok {
		return
	}
	r.mu.Lock()
	r.cacheStats = sp
	r.mu.Unlock()
}

// AddRetentionDeleted counts rows removed by the janitor.
func (r *Reporter) AddRetentionDeleted(n int64) { r.retentionDeleted.Add(n) }

// SetLastError records the most recent warning or error logged anywhere.
func (r *Reporter) SetLastError(msg string) {
	r.mu.Lock()
	r.lastError = msg
	r.lastErrorAt = r.now().UTC()
	r.mu.Unlock()
}

// Snapshot returns the current status.
func (r *Reporter) Snapshot() Status {
	now := r.now().UTC()
	st := Status{
		NodeID:           r.nodeID,
		RunID:            r.runID,
		Version:          r.version,
		StartedAt:        r.startedAt,
		UptimeSeconds:    int64(now.Sub(r.startedAt).Seconds()),
		RetentionDeleted: r.retentionDeleted.Load(),
	}

	r.mu.Lock()
	st.LastError = r.lastError
	st.LastErrorAt = r.lastErrorAt
	if r.cacheStats != nil {
		cs := r.cacheStats.Stats()
		st.Cache = &cs
	}
	sources := make([]*SourceStats, 0, len(r.sources))
	for _, s := range r.sources {
		sources = append(sources, s)
	}
	r.mu.Unlock()

	sort.Slice(sources, func(i, j int) bool { return sources[i].name < sources[j].name })
	for _, s := range sources {
		st.Sources = append(st.Sources, s.snapshot(now))
	}
	return st
}

// Fields flattens a status into the health hash layout, with per-source
// keys prefixed by the source name.
func (st Status) Fields() map[string]string {
	f := map[string]string{
		"node_id":           st.NodeID,
		"run_id":            st.RunID,
		"version":           st.Version,
		"started_at":        st.StartedAt.Format(time.RFC3339),
		"uptime_seconds":    strconv.FormatInt(st.UptimeSeconds, 10),
		"retention_deleted": strconv.FormatInt(st.RetentionDeleted, 10),
		"last_error":        st.LastError,
	}
	if st.Cache != nil {
		f["cache_records"] = strconv.FormatInt(st.Cache.Records, 10)
		f["cache_events"] = strconv.FormatInt(st.Cache.Events, 10)
		f["cache_failures"] = strconv.FormatInt(st.Cache.Failures, 10)
	}
	for _, s := range st.Sources {
		p := s.Name + "_"
		f[p+"path"] = s.Path
		f[p+"state"] = s.State
		f[p+"lines_read"] = strconv.FormatInt(s.LinesRead, 10)
		f[p+"parse_degraded"] = strconv.FormatInt(s.ParseDegraded, 10)
		f[p+"filtered_total"] = strconv.FormatInt(s.Filtered, 10)
		f[p+"raw_written"] = strconv.FormatInt(s.RawWritten, 10)
		f[p+"access_written"] = strconv.FormatInt(s.AccessWritten, 10)
		f[p+"dns_written"] = strconv.FormatInt(s.DNSWritten, 10)
		f[p+"error_written"] = strconv.FormatInt(s.ErrorWritten, 10)
		f[p+"duplicates_skipped"] = strconv.FormatInt(s.DuplicatesSkipped, 10)
		f[p+"batches_committed"] = strconv.FormatInt(s.BatchesCommitted, 10)
		f[p+"write_failures"] = strconv.FormatInt(s.WriteFailures, 10)
		f[p+"cache_failures"] = strconv.FormatInt(s.CacheFailures, 10)
		f[p+"file_identity"] = s.FileIdentity
		f[p+"last_offset"] = strconv.FormatInt(s.LastOffset, 10)
		f[p+"pending_bytes"] = strconv.FormatInt(s.PendingBytes, 10)
		f[p+"lag_seconds"] = strconv.FormatFloat(s.LagSeconds, 'f', 1, 64)
		f[p+"last_error"] = s.LastError
		if !s.LastEventTime.IsZero() {
			f[p+"last_event_time"] = s.LastEventTime.Format(time.RFC3339Nano)
		}
		if !s.LastCommitAt.IsZero() {
			f[p+"updated_at"] = s.LastCommitAt.Format(time.RFC3339Nano)
		}
	}
	return f
}

// Run publishes the status to agg every interval until ctx is done.
// Publish failures are logged and retried on the next tick.
func (r *Reporter) Run(ctx context.Context, agg cache.Aggregates, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	publish := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		if err := agg.PublishHealth(pctx, r.Snapshot().Fields()); err != nil {
			logger.Debug("health publish failed", "error", err)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	publish()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}
