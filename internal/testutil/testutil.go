// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package testutil provides shared test helpers for the collector.
package testutil

import (
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/olegiv/xray-audit/internal/store"
)

// TestLogger creates a silent test logger that only outputs warnings and errors.
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

// TestLoggerSilent creates a completely silent test logger (error level only).
func TestLoggerSilent() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// TestDB creates a temporary SQLite database on the cgo driver with
// migrations applied. It is closed when the test ends.
func TestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "audit-test.db")
	db, err := store.NewDB(store.DriverSQLite3, dbPath, store.DefaultDBConfig())
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := store.Migrate(db, store.DriverSQLite3); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

// TestStore wraps TestDB in a Store.
func TestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.New(TestDB(t), store.DriverSQLite3)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return s
}
