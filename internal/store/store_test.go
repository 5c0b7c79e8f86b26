// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olegiv/xray-audit/internal/checkpoint"
	"github.com/olegiv/xray-audit/internal/model"
)

// testStore creates a migrated store in a temporary file.
func testStore(t *testing.T, driver string) *Store {
	t.Helper()

	db, err := NewDB(driver, filepath.Join(t.TempDir(), "audit.db"), DefaultDBConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Migrate(db, driver))

	s, err := New(db, driver)
	require.NoError(t, err)
	return s
}

func accessEvent(node, raw string, ts time.Time) model.Event {
	return model.Event{
		Envelope: model.Envelope{EventTime: ts, OriginNode: node, RawText: raw, ContentHash: model.ContentHash(raw)},
		Type:     model.EventAccess,
		Access: &model.AccessEvent{
			Src: "10.0.0.5:51000", DestRaw: "example.com:443", DestHost: "example.com", DestPort: 443,
			Status: "accepted", UserEmail: "u@example.com", IsDomain: true, Confidence: model.ConfidenceMedium,
		},
	}
}

func dnsEvent(node, raw string, ts time.Time) model.Event {
	ms := int64(12)
	return model.Event{
		Envelope: model.Envelope{EventTime: ts, OriginNode: node, RawText: raw, ContentHash: model.ContentHash(raw)},
		Type:     model.EventDNS,
		DNS:      &model.DNSEvent{Server: "8.8.8.8", Domain: "example.com.", IPs: []string{"1.1.1.1"}, Status: "got answer:", ElapsedMS: &ms},
	}
}

func errorEvent(node, raw string, ts time.Time, category string) model.Event {
	return model.Event{
		Envelope: model.Envelope{EventTime: ts, OriginNode: node, RawText: raw, ContentHash: model.ContentHash(raw)},
		Type:     model.EventError,
		Error: &model.ErrorEvent{
			Level: model.LevelError, Component: "proxy", Message: raw,
			Category: category, SignatureHash: "sig-" + category,
		},
	}
}

func count(t *testing.T, s *Store, table string) int64 {
	t.Helper()
	n, err := s.Count(context.Background(), table)
	require.NoError(t, err)
	return n
}

func TestWriteEventsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, DriverSQLite)
	ts := time.Date(2026, 2, 18, 10, 0, 0, 123456000, time.UTC)

	batch := []model.Event{
		accessEvent("node-1", "line a", ts),
		dnsEvent("node-1", "line b", ts),
		{Envelope: model.Envelope{EventTime: ts, OriginNode: "node-1", RawText: "line c", ContentHash: model.ContentHash("line c"), Degraded: true}, Type: model.EventUnknown},
		errorEvent("node-1", "line d", ts, "runtime_error"),
	}

	res, err := s.WriteEvents(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, WriteResult{Raw: 3, Access: 1, DNS: 1, Errors: 1}, res)

	res, err = s.WriteEvents(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, WriteResult{Duplicates: 4}, res)

	assert.EqualValues(t, 3, count(t, s, "audit_raw_events"))
	assert.EqualValues(t, 1, count(t, s, "audit_access_events"))
	assert.EqualValues(t, 1, count(t, s, "audit_dns_events"))
	assert.EqualValues(t, 1, count(t, s, "audit_error_events"))

	// Same text on another node is a distinct record.
	res, err = s.WriteEvents(ctx, []model.Event{accessEvent("node-2", "line a", ts)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Raw)
}

func TestWriteEventsStoresFields(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, DriverSQLite)
	ts := time.Date(2026, 2, 18, 10, 0, 0, 5000, time.UTC)

	_, err := s.WriteEvents(ctx, []model.Event{accessEvent("node-1", "x", ts), dnsEvent("node-1", "y", ts)})
	require.NoError(t, err)

	var (
		email, host string
		port        int
		isDomain    int
		stored      dbTime
	)
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT user_email, dest_host, dest_port, is_domain, event_time FROM audit_access_events`,
	).Scan(&email, &host, &port, &isDomain, &stored))
	assert.Equal(t, "u@example.com", email)
	assert.Equal(t, "example.com", host)
	assert.Equal(t, 443, port)
	assert.Equal(t, 1, isDomain)
	assert.True(t, ts.Truncate(time.Microsecond).Equal(stored.Time))

	var ips string
	var elapsed int64
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT ips_json, elapsed_ms FROM audit_dns_events`).Scan(&ips, &elapsed))
	assert.Equal(t, `["1.1.1.1"]`, ips)
	assert.EqualValues(t, 12, elapsed)
}

func TestWriteEventsRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, DriverSQLite)
	ts := time.Now().UTC()

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err := s.WriteEvents(cctx, []model.Event{accessEvent("n", "a", ts)})
	require.Error(t, err)
	assert.EqualValues(t, 0, count(t, s, "audit_raw_events"))
}

func TestCheckpointStore(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, DriverSQLite)
	cps := s.Checkpoints()

	_, ok, err := cps.Load(ctx, "/var/log/xray/access.log")
	require.NoError(t, err)
	assert.False(t, ok)

	id := checkpoint.FileIdentity{Device: 2049, Inode: 1<<63 + 5}
	require.NoError(t, cps.Save(ctx, checkpoint.Checkpoint{FilePath: "/var/log/xray/access.log", Identity: id, Offset: 10}))
	lastEvent := time.Date(2026, 2, 18, 10, 0, 0, 123456000, time.UTC)
	require.NoError(t, cps.Save(ctx, checkpoint.Checkpoint{FilePath: "/var/log/xray/access.log", Identity: id, Offset: 20, LastEventTime: lastEvent}))
	require.NoError(t, cps.Save(ctx, checkpoint.Checkpoint{FilePath: "/var/log/xray/error.log", Offset: 3}))

	cp, ok, err := cps.Load(ctx, "/var/log/xray/access.log")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, cp.Identity)
	assert.EqualValues(t, 20, cp.Offset)
	assert.False(t, cp.UpdatedAt.IsZero())
	assert.True(t, lastEvent.Equal(cp.LastEventTime), "LastEventTime = %s", cp.LastEventTime)

	list, err := cps.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, lastEvent.Equal(list[0].LastEventTime))
	assert.Equal(t, "/var/log/xray/error.log", list[1].FilePath)
	assert.True(t, list[1].LastEventTime.IsZero())
}

func TestDeleteBeforeChunksAndCascades(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, DriverSQLite)
	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)

	var batch []model.Event
	for i := 0; i < 5; i++ {
		batch = append(batch, accessEvent("n", "old "+string(rune('a'+i)), old))
	}
	batch = append(batch, accessEvent("n", "fresh", now))
	_, err := s.WriteEvents(ctx, batch)
	require.NoError(t, err)

	cutoff := now.Add(-24 * time.Hour)
	n, err := s.DeleteBefore(ctx, "audit_raw_events", cutoff, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.EqualValues(t, 4, count(t, s, "audit_raw_events"))
	assert.EqualValues(t, 4, count(t, s, "audit_access_events"), "access rows follow their raw rows")

	for {
		n, err = s.DeleteBefore(ctx, "audit_raw_events", cutoff, 2)
		require.NoError(t, err)
		if n == 0 {
			break
		}
	}
	assert.EqualValues(t, 1, count(t, s, "audit_raw_events"))
	assert.EqualValues(t, 1, count(t, s, "audit_access_events"))

	_, err = s.DeleteBefore(ctx, "collector_state", cutoff, 10)
	assert.Error(t, err)
}

func TestDeleteBeforeExternalTables(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, DriverSQLite)
	old := fmtTime(time.Now().Add(-100 * 24 * time.Hour))
	fresh := fmtTime(time.Now())

	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_auth_events(event_type, username, event_time) VALUES ('login', 'a', ?), ('login', 'b', ?)`, old, fresh)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `INSERT INTO audit_runtime_config_history(config_key, new_value_json, changed_by, changed_at) VALUES ('k', '1', 'admin', ?)`, old)
	require.NoError(t, err)

	cutoff := time.Now().Add(-30 * 24 * time.Hour)
	n, err := s.DeleteBefore(ctx, "audit_auth_events", cutoff, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = s.DeleteBefore(ctx, "audit_runtime_config_history", cutoff, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestErrorSummaryAndJobState(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, DriverSQLite)
	base := time.Date(2026, 2, 18, 10, 0, 0, 0, time.UTC)

	_, err := s.WriteEvents(ctx, []model.Event{
		errorEvent("n", "e1", base.Add(time.Minute), "network_timeout"),
		errorEvent("n", "e2", base.Add(2*time.Minute), "network_timeout"),
		errorEvent("n", "e3", base.Add(3*time.Minute), "auth_error"),
		errorEvent("n", "outside", base.Add(-time.Minute), "auth_error"),
	})
	require.NoError(t, err)

	sum, err := s.ErrorSummary(ctx, base, base.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.EqualValues(t, 3, sum.Total)
	require.NotEmpty(t, sum.TopSignatures)
	assert.Equal(t, "sig-network_timeout", sum.TopSignatures[0].SignatureHash)
	assert.EqualValues(t, 2, sum.TopSignatures[0].Hits)
	assert.True(t, base.Add(2*time.Minute).Equal(sum.TopSignatures[0].LatestTime))
	require.Len(t, sum.RecentExamples, 3)
	assert.Equal(t, "e3", sum.RecentExamples[0].Message)

	empty, err := s.ErrorSummary(ctx, base.Add(time.Hour), base.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, empty.Total)

	_, ok, err := s.JobState(ctx, "digest:last_ts")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.SetJobState(ctx, "digest:last_ts", "a"))
	require.NoError(t, s.SetJobState(ctx, "digest:last_ts", "b"))
	v, ok, err := s.JobState(ctx, "digest:last_ts")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestCgoDriver(t *testing.T) {
	ctx := context.Background()
	s := testStore(t, DriverSQLite3)
	ts := time.Now().UTC()

	res, err := s.WriteEvents(ctx, []model.Event{accessEvent("n", "a", ts), accessEvent("n", "a", ts)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Raw)
	assert.Equal(t, 1, res.Duplicates)

	require.NoError(t, s.Checkpoints().Save(ctx, checkpoint.Checkpoint{FilePath: "p", Offset: 1}))
	cp, ok, err := s.Checkpoints().Load(ctx, "p")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 1, cp.Offset)
}

func TestBuildDSN(t *testing.T) {
	dsn, err := buildDSN(DriverSQLite, "/data/audit.db")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dsn, "/data/audit.db?_pragma=foreign_keys(1)"))

	dsn, err = buildDSN(DriverSQLite3, "file:audit.db?cache=shared")
	require.NoError(t, err)
	assert.Contains(t, dsn, "cache=shared&_foreign_keys=on")

	dsn, err = buildDSN(DriverMySQL, "audit:secret@tcp(db:3306)/audit")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")

	_, err = buildDSN("postgres", "x")
	assert.Error(t, err)
}

func TestDBTimeScan(t *testing.T) {
	want := time.Date(2026, 2, 18, 10, 0, 0, 123456000, time.UTC)
	for _, v := range []any{want, "2026-02-18 10:00:00.123456", []byte("2026-02-18T10:00:00.123456Z")} {
		var got dbTime
		require.NoError(t, got.Scan(v))
		assert.True(t, want.Equal(got.Time), "%v", v)
	}
	var bad dbTime
	assert.Error(t, bad.Scan("yesterday"))
}
