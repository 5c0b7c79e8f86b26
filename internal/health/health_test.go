// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olegiv/xray-audit/internal/cache"
	"github.com/olegiv/xray-audit/internal/checkpoint"
	"github.com/olegiv/xray-audit/internal/model"
)

func TestSnapshotCounters(t *testing.T) {
	r := NewReporter("node-1", "v1")
	now := time.Date(2026, 2, 18, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	s := r.Source("access", "/var/log/xray/access.log")
	assert.Same(t, s, r.Source("access", "ignored"))

	s.SetState(StateRunning)
	s.AddRead(10, 1, 2)
	s.RecordCommit(Written{Raw: 7, Access: 6, DNS: 1, Duplicates: 1}, now.Add(-30*time.Second), "1:2", 900, now)
	s.SetReadPosition(1000, 1200)
	s.AddWriteFailure()
	s.AddCacheFailure()
	r.AddRetentionDeleted(5)

	st := r.Snapshot()
	require.Len(t, st.Sources, 1)
	src := st.Sources[0]
	assert.Equal(t, "node-1", st.NodeID)
	assert.NotEmpty(t, st.RunID)
	assert.Equal(t, int64(5), st.RetentionDeleted)
	assert.Equal(t, StateRunning, src.State)
	assert.Equal(t, int64(10), src.LinesRead)
	assert.Equal(t, int64(1), src.ParseDegraded)
	assert.Equal(t, int64(2), src.Filtered)
	assert.Equal(t, int64(7), src.RawWritten)
	assert.Equal(t, int64(1), src.DuplicatesSkipped)
	assert.Equal(t, int64(1), src.BatchesCommitted)
	assert.Equal(t, int64(1), src.WriteFailures)
	assert.Equal(t, int64(900), src.LastOffset)
	assert.Equal(t, int64(300), src.PendingBytes)
	assert.Equal(t, "1:2", src.FileIdentity)
	assert.InDelta(t, 30.0, src.LagSeconds, 0.001)

	f := st.Fields()
	assert.Equal(t, "900", f["access_last_offset"])
	assert.Equal(t, "30.0", f["access_lag_seconds"])
	assert.Equal(t, "2", f["access_filtered_total"])
}

func TestSetLastError(t *testing.T) {
	r := NewReporter("n", "v")
	r.SetLastError("boom")
	st := r.Snapshot()
	assert.Equal(t, "boom", st.LastError)
	assert.False(t, st.LastErrorAt.IsZero())
}

func TestRunPublishes(t *testing.T) {
	r := NewReporter("node-9", "v")
	agg := cache.NewMemoryAggregates(cache.MemoryOptions{})
	defer func() { _ = agg.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, agg, 10*time.Millisecond, nil)
		close(done)
	}()

	require.Eventually(t, func() bool {
		h, _ := agg.Health(context.Background())
		return h["node_id"] == "node-9"
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestStatusEndpoint(t *testing.T) {
	r := NewReporter("node-1", "v")
	r.Source("access", "/a.log").SetState(StateRunning)

	cps := checkpoint.NewMemoryStore()
	require.NoError(t, cps.Save(context.Background(), checkpoint.Checkpoint{
		FilePath: "/a.log", Identity: checkpoint.FileIdentity{Device: 1, Inode: 2}, Offset: 42,
	}))

	srv := httptest.NewServer(NewHandler(r, fakePinger{}, cps).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	var body StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Checkpoints, 1)
	assert.Equal(t, "1:2", body.Checkpoints[0].FileIdentity)
	assert.Equal(t, int64(42), body.Checkpoints[0].LastOffset)
	assert.Equal(t, "node-1", body.NodeID)
}

func TestHealthzEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		pingErr  error
		state    string
		wantCode int
	}{
		{"healthy", nil, StateRunning, http.StatusOK},
		{"store down", errors.New("db gone"), StateRunning, http.StatusServiceUnavailable},
		{"source failed", nil, StateFailed, http.StatusServiceUnavailable},
		{"waiting is healthy", nil, StateWaiting, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReporter("n", "v")
			r.Source("error", "/e.log").SetState(tt.state)

			rec := httptest.NewRecorder()
			NewHandler(r, fakePinger{err: tt.pingErr}, nil).Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestWatchCacheAddsStats(t *testing.T) {
	r := NewReporter("n", "v")
	agg := cache.NewMemoryAggregates(cache.MemoryOptions{})
	defer func() { _ = agg.Close() }()

	assert.Nil(t, r.Snapshot().Cache)
	_, ok := r.Snapshot().Fields()["cache_events"]
	assert.False(t, ok)

	r.WatchCache(agg)
	require.NoError(t, agg.Record(context.Background(), []model.Event{
		{Envelope: model.Envelope{EventTime: time.Now().UTC()}, Type: model.EventAccess, Access: &model.AccessEvent{DestHost: "a.example", Status: "accepted"}},
		{Envelope: model.Envelope{EventTime: time.Now().UTC()}, Type: model.EventAccess, Access: &model.AccessEvent{DestHost: "b.example", Status: "accepted"}},
	}))

	st := r.Snapshot()
	require.NotNil(t, st.Cache)
	assert.Equal(t, int64(1), st.Cache.Records)
	assert.Equal(t, int64(2), st.Cache.Events)
	f := st.Fields()
	assert.Equal(t, "1", f["cache_records"])
	assert.Equal(t, "2", f["cache_events"])
	assert.Equal(t, "0", f["cache_failures"])
}

type statlessCache struct{ cache.Aggregates }

func TestWatchCacheIgnoresBackendWithoutStats(t *testing.T) {
	r := NewReporter("n", "v")
	r.WatchCache(statlessCache{})
	assert.Nil(t, r.Snapshot().Cache)
}

func TestHealthzCacheCheck(t *testing.T) {
	tests := []struct {
		name      string
		cacheErr  error
		wantCheck string
	}{
		{"reachable", nil, "healthy"},
		{"unreachable", errors.New("connection refused"), "unavailable: connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReporter("n", "v")
			h := NewHandler(r, fakePinger{}, nil).WithCache(fakePinger{err: tt.cacheErr})

			rec := httptest.NewRecorder()
			h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			assert.Equal(t, http.StatusOK, rec.Code)

			var body struct {
				Status string            `json:"status"`
				Checks map[string]string `json:"checks"`
			}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, "healthy", body.Status)
			assert.Equal(t, tt.wantCheck, body.Checks["cache"])
		})
	}
}
