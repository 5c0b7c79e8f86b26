// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LevelCategoryCount is one row of the level/category breakdown.
type LevelCategoryCount struct {
	Level    string `json:"level"`
	Category string `json:"category"`
	Hits     int64  `json:"hits"`
}

// SignatureCount groups recurring errors by signature.
type SignatureCount struct {
	Category      string    `json:"category"`
	SignatureHash string    `json:"signature_hash"`
	Hits          int64     `json:"hits"`
	LatestTime    time.Time `json:"latest_time"`
	Component     string    `json:"component"`
	SampleMessage string    `json:"sample_message"`
}

// ErrorExample is a recent error row.
type ErrorExample struct {
	EventTime time.Time `json:"event_time"`
	Level     string    `json:"level"`
	Category  string    `json:"category"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Src       string    `json:"src,omitempty"`
	DestRaw   string    `json:"dest_raw,omitempty"`
}

// ErrorSummary describes the error events in (From, To].
type ErrorSummary struct {
	From           time.Time            `json:"from"`
	To             time.Time            `json:"to"`
	Total          int64                `json:"total"`
	LevelCategory  []LevelCategoryCount `json:"level_category"`
	TopSignatures  []SignatureCount     `json:"top_signatures"`
	RecentExamples []ErrorExample       `json:"recent_examples"`
}

// ErrorSummary aggregates error events in the window (from, to]. Each list
// is capped at maxItems.
func (s *Store) ErrorSummary(ctx context.Context, from, to time.Time, maxItems int) (ErrorSummary, error) {
	sum := ErrorSummary{From: from.UTC(), To: to.UTC()}
	lo, hi := fmtTime(from), fmtTime(to)

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_error_events WHERE event_time > ? AND event_time <= ?`, lo, hi,
	).Scan(&sum.Total); err != nil {
		return sum, fmt.Errorf("counting errors: %w", err)
	}
	if sum.Total == 0 {
		return sum, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT level, category, COUNT(*) AS hits
		FROM audit_error_events
		WHERE event_time > ? AND event_time <= ?
		GROUP BY level, category
		ORDER BY hits DESC, level, category
		LIMIT ?`, lo, hi, maxItems)
	if err != nil {
		return sum, fmt.Errorf("querying level breakdown: %w", err)
	}
	for rows.Next() {
		var r LevelCategoryCount
		if err := rows.Scan(&r.Level, &r.Category, &r.Hits); err != nil {
			_ = rows.Close()
			return sum, fmt.Errorf("scanning level breakdown: %w", err)
		}
		sum.LevelCategory = append(sum.LevelCategory, r)
	}
	_ = rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT category, signature_hash, COUNT(*) AS hits, MAX(event_time),
			MIN(component), MIN(message)
		FROM audit_error_events
		WHERE event_time > ? AND event_time <= ?
		GROUP BY category, signature_hash
		ORDER BY hits DESC, signature_hash
		LIMIT ?`, lo, hi, maxItems)
	if err != nil {
		return sum, fmt.Errorf("querying signatures: %w", err)
	}
	for rows.Next() {
		var (
			r      SignatureCount
			latest dbTime
		)
		if err := rows.Scan(&r.Category, &r.SignatureHash, &r.Hits, &latest, &r.Component, &r.SampleMessage); err != nil {
			_ = rows.Close()
			return sum, fmt.Errorf("scanning signatures: %w", err)
		}
		r.LatestTime = latest.Time
		sum.TopSignatures = append(sum.TopSignatures, r)
	}
	_ = rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT event_time, level, category, component, message, src, dest_raw
		FROM audit_error_events
		WHERE event_time > ? AND event_time <= ?
		ORDER BY event_time DESC, id DESC
		LIMIT ?`, lo, hi, maxItems)
	if err != nil {
		return sum, fmt.Errorf("querying recent errors: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			r  ErrorExample
			ts dbTime
		)
		if err := rows.Scan(&ts, &r.Level, &r.Category, &r.Component, &r.Message, &r.Src, &r.DestRaw); err != nil {
			return sum, fmt.Errorf("scanning recent errors: %w", err)
		}
		r.EventTime = ts.Time
		sum.RecentExamples = append(sum.RecentExamples, r)
	}
	return sum, rows.Err()
}

// JobState returns the stored value for key.
func (s *Store) JobState(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value_text FROM audit_job_state WHERE state_key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("loading job state: %w", err)
	}
	return v, true, nil
}

// SetJobState upserts the value for key.
func (s *Store) SetJobState(ctx context.Context, key, value string) error {
	q := `INSERT INTO audit_job_state(state_key, value_text, updated_at) VALUES (?, ?, ?)`
	if s.dialect == DialectMySQL {
		q += ` ON DUPLICATE KEY UPDATE value_text = VALUES(value_text), updated_at = VALUES(updated_at)`
	} else {
		q += ` ON CONFLICT(state_key) DO UPDATE SET value_text = excluded.value_text, updated_at = excluded.updated_at`
	}
	if _, err := s.db.ExecContext(ctx, q, key, value, fmtTime(s.now())); err != nil {
		return fmt.Errorf("saving job state: %w", err)
	}
	return nil
}
