// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// timeLayout is fixed width so stored times sort lexically on SQLite and
// are accepted as DATETIME(6) literals by MySQL.
const timeLayout = "2006-01-02 15:04:05.000000"

// Store wraps a database handle with the collector's queries.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// New creates a Store for a database opened with the given driver.
func New(db *sql.DB, driver string) (*Store, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, dialect: dialect, now: time.Now}, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Count returns the number of rows in a known table.
func (s *Store) Count(ctx context.Context, table string) (int64, error) {
	if _, ok := retentionTables[table]; !ok && table != "collector_state" && table != "audit_job_state" {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return n, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// dbTime scans a timestamp stored as TEXT (SQLite) or DATETIME (MySQL).
type dbTime struct {
	time.Time
}

func (t *dbTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = x.UTC()
		return nil
	case []byte:
		return t.parse(string(x))
	case string:
		return t.parse(x)
	default:
		return fmt.Errorf("unsupported time value %T", v)
	}
}

func (t *dbTime) parse(s string) error {
	for _, layout := range []string{timeLayout, time.DateTime, time.RFC3339Nano} {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unparseable time %q", s)
}

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v != 0}
}

func nullInt64Ptr(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
