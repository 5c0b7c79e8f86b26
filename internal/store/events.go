// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/olegiv/xray-audit/internal/model"
)

// WriteResult counts what a batch actually inserted.
type WriteResult struct {
	Raw        int
	Access     int
	DNS        int
	Errors     int
	Duplicates int
}

// WriteEvents inserts a batch in one transaction, in slice order. A line
// whose (content hash, event time, origin node) key already exists is
// counted as a duplicate and skipped together with its typed row.
// Either the whole batch commits or none of it does.
func (s *Store) WriteEvents(ctx context.Context, events []model.Event) (WriteResult, error) {
	var res WriteResult
	if len(events) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ingestedAt := fmtTime(s.now())
	for i := range events {
		ev := &events[i]
		if ev.Type == model.EventError {
			inserted, err := s.insertError(ctx, tx, ev, ingestedAt)
			if err != nil {
				return WriteResult{}, err
			}
			if inserted {
				res.Errors++
			} else {
				res.Duplicates++
			}
			continue
		}

		rawID, inserted, err := s.insertRaw(ctx, tx, ev, ingestedAt)
		if err != nil {
			return WriteResult{}, err
		}
		if !inserted {
			res.Duplicates++
			continue
		}
		res.Raw++

		switch {
		case ev.Type == model.EventAccess && ev.Access != nil:
			if err := s.insertAccess(ctx, tx, rawID, ev); err != nil {
				return WriteResult{}, err
			}
			res.Access++
		case ev.Type == model.EventDNS && ev.DNS != nil:
			if err := s.insertDNS(ctx, tx, rawID, ev); err != nil {
				return WriteResult{}, err
			}
			res.DNS++
		}
	}

	if err := tx.Commit(); err != nil {
		return WriteResult{}, fmt.Errorf("committing batch: %w", err)
	}
	return res, nil
}

func (s *Store) insertRaw(ctx context.Context, tx *sql.Tx, ev *model.Event, ingestedAt string) (int64, bool, error) {
	q := `INSERT INTO audit_raw_events(event_time, event_type, raw_line, raw_hash, node_id, degraded, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)` + s.ignoreConflict("raw_hash, event_time, node_id")

	r, err := tx.ExecContext(ctx, q,
		fmtTime(ev.EventTime), string(ev.Type), ev.RawText, ev.ContentHash,
		ev.OriginNode, boolInt(ev.Degraded), ingestedAt)
	if err != nil {
		return 0, false, fmt.Errorf("inserting raw event: %w", err)
	}
	return insertOutcome(r)
}

func (s *Store) insertAccess(ctx context.Context, tx *sql.Tx, rawID int64, ev *model.Event) error {
	a := ev.Access
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_access_events(
			raw_event_id, event_time, node_id, user_email, src, dest_raw, dest_host, dest_port,
			status, detour, reason, is_domain, confidence
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rawID, fmtTime(ev.EventTime), ev.OriginNode, a.UserEmail, a.Src, a.DestRaw, a.DestHost,
		nullInt(a.DestPort), a.Status, a.Detour, a.Reason, boolInt(a.IsDomain), a.Confidence)
	if err != nil {
		return fmt.Errorf("inserting access event: %w", err)
	}
	return nil
}

func (s *Store) insertDNS(ctx context.Context, tx *sql.Tx, rawID int64, ev *model.Event) error {
	d := ev.DNS
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_dns_events(
			raw_event_id, event_time, node_id, dns_server, domain, ips_json, dns_status, elapsed_ms, error_text
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rawID, fmtTime(ev.EventTime), ev.OriginNode, d.Server, d.Domain, d.IPListJSON(),
		d.Status, nullInt64Ptr(d.ElapsedMS), d.ErrorText)
	if err != nil {
		return fmt.Errorf("inserting dns event: %w", err)
	}
	return nil
}

func (s *Store) insertError(ctx context.Context, tx *sql.Tx, ev *model.Event, ingestedAt string) (bool, error) {
	e := ev.Error
	if e == nil {
		e = &model.ErrorEvent{Level: model.LevelUnknown, Message: ev.RawText}
	}
	q := `INSERT INTO audit_error_events(
			event_time, level, session_id, component, message, src, dest_raw, dest_host, dest_port,
			category, signature_hash, is_noise, degraded, raw_line, raw_hash, node_id, ingested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)` + s.ignoreConflict("raw_hash, event_time, node_id")

	r, err := tx.ExecContext(ctx, q,
		fmtTime(ev.EventTime), e.Level, nullInt64Ptr(e.SessionID), e.Component, e.Message,
		e.Src, e.DestRaw, e.DestHost, nullInt(e.DestPort), e.Category, e.SignatureHash,
		boolInt(e.IsNoise), boolInt(ev.Degraded), ev.RawText, ev.ContentHash, ev.OriginNode, ingestedAt)
	if err != nil {
		return false, fmt.Errorf("inserting error event: %w", err)
	}
	_, inserted, err := insertOutcome(r)
	return inserted, err
}

// ignoreConflict returns the clause that turns a unique-key collision into
// a no-op reporting zero affected rows.
func (s *Store) ignoreConflict(key string) string {
	if s.dialect == DialectMySQL {
		return " ON DUPLICATE KEY UPDATE id = id"
	}
	return " ON CONFLICT(" + key + ") DO NOTHING"
}

func insertOutcome(r sql.Result) (int64, bool, error) {
	n, err := r.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return 0, false, nil
	}
	id, err := r.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("reading insert id: %w", err)
	}
	return id, true, nil
}
