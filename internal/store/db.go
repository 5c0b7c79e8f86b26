// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package store is the durable home of ingested events, checkpoints and
// job state. SQLite (pure Go or cgo) and MySQL are supported.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pressly/goose/v3"

	_ "github.com/mattn/go-sqlite3" // cgo SQLite driver, registered as "sqlite3"
	_ "modernc.org/sqlite"          // pure Go SQLite driver, registered as "sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/mysql/*.sql
var migrations embed.FS

// Supported database/sql driver names.
const (
	DriverSQLite  = "sqlite"
	DriverSQLite3 = "sqlite3"
	DriverMySQL   = "mysql"
)

// Dialect selects the SQL flavour for statements that differ.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectMySQL
)

// DialectFor maps a driver name onto its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case DriverSQLite, DriverSQLite3:
		return DialectSQLite, nil
	case DriverMySQL:
		return DialectMySQL, nil
	default:
		return 0, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// DBConfig holds connection pool settings.
type DBConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultDBConfig returns pool defaults suitable for a single collector.
func DefaultDBConfig() DBConfig {
	return DBConfig{
		MaxOpenConns:    8,
		MaxIdleConns:    4,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// NewDB opens and pings a database. Per-connection settings such as
// foreign key enforcement are encoded into the DSN so every pooled
// connection gets them.
func NewDB(driver, dsn string, cfg DBConfig) (*sql.DB, error) {
	full, err := buildDSN(driver, dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, full)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return db, nil
}

func buildDSN(driver, dsn string) (string, error) {
	switch driver {
	case DriverSQLite:
		return withQuery(dsn, "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"), nil
	case DriverSQLite3:
		return withQuery(dsn, "_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL&_txlock=immediate"), nil
	case DriverMySQL:
		mc, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("parsing mysql dsn: %w", err)
		}
		mc.ParseTime = true
		mc.Loc = time.UTC
		return mc.FormatDSN(), nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

func withQuery(dsn, params string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}

// goose keeps its base FS and dialect in package state.
var migrateMu sync.Mutex

// Migrate runs all pending migrations for the driver's dialect.
func Migrate(db *sql.DB, driver string) error {
	dialect, err := DialectFor(driver)
	if err != nil {
		return err
	}

	dir, gooseDialect := "migrations/sqlite", "sqlite3"
	if dialect == DialectMySQL {
		dir, gooseDialect = "migrations/mysql", "mysql"
	}
	sub, err := fs.Sub(migrations, dir)
	if err != nil {
		return fmt.Errorf("opening migrations: %w", err)
	}

	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(sub)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("setting dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}
