// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/olegiv/xray-audit/internal/checkpoint"
)

// CheckpointStore persists tail positions in collector_state.
type CheckpointStore struct {
	s *Store
}

var _ checkpoint.Store = (*CheckpointStore)(nil)

// Checkpoints returns the checkpoint.Store backed by this database.
func (s *Store) Checkpoints() *CheckpointStore {
	return &CheckpointStore{s: s}
}

// Load returns the checkpoint for path.
func (c *CheckpointStore) Load(ctx context.Context, path string) (checkpoint.Checkpoint, bool, error) {
	var (
		device, inode, offset int64
		updated, lastEvent    dbTime
	)
	err := c.s.db.QueryRowContext(ctx,
		`SELECT device, inode, last_offset, updated_at, last_event_time FROM collector_state WHERE file_path = ?`, path,
	).Scan(&device, &inode, &offset, &updated, &lastEvent)
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.Checkpoint{}, false, nil
	}
	if err != nil {
		return checkpoint.Checkpoint{}, false, fmt.Errorf("loading checkpoint: %w", err)
	}
	return checkpoint.Checkpoint{
		FilePath: path,
		// Stored as signed columns; the conversion keeps every bit.
		Identity:  checkpoint.FileIdentity{Device: uint64(device), Inode: uint64(inode)},
		Offset:        offset,
		UpdatedAt:     updated.Time,
		LastEventTime: lastEvent.Time,
	}, true, nil
}

// Save upserts the checkpoint for cp.FilePath.
func (c *CheckpointStore) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	updated := cp.UpdatedAt
	if updated.IsZero() {
		updated = c.s.now()
	}

	var lastEvent sql.NullString
	if !cp.LastEventTime.IsZero() {
		lastEvent = sql.NullString{String: fmtTime(cp.LastEventTime), Valid: true}
	}

	q := `INSERT INTO collector_state(file_path, device, inode, last_offset, updated_at, last_event_time) VALUES (?, ?, ?, ?, ?, ?)`
	if c.s.dialect == DialectMySQL {
		q += ` ON DUPLICATE KEY UPDATE device = VALUES(device), inode = VALUES(inode),
			last_offset = VALUES(last_offset), updated_at = VALUES(updated_at), last_event_time = VALUES(last_event_time)`
	} else {
		q += ` ON CONFLICT(file_path) DO UPDATE SET device = excluded.device, inode = excluded.inode,
			last_offset = excluded.last_offset, updated_at = excluded.updated_at, last_event_time = excluded.last_event_time`
	}

	_, err := c.s.db.ExecContext(ctx, q,
		cp.FilePath, int64(cp.Identity.Device), int64(cp.Identity.Inode), cp.Offset, fmtTime(updated), lastEvent)
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// List returns every checkpoint ordered by path.
func (c *CheckpointStore) List(ctx context.Context) ([]checkpoint.Checkpoint, error) {
	rows, err := c.s.db.QueryContext(ctx,
		`SELECT file_path, device, inode, last_offset, updated_at, last_event_time FROM collector_state ORDER BY file_path`)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []checkpoint.Checkpoint
	for rows.Next() {
		var (
			cp            checkpoint.Checkpoint
			device, inode      int64
			updated, lastEvent dbTime
		)
		if err := rows.Scan(&cp.FilePath, &device, &inode, &cp.Offset, &updated, &lastEvent); err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		cp.Identity = checkpoint.FileIdentity{Device: uint64(device), Inode: uint64(inode)}
		cp.UpdatedAt = updated.Time
		cp.LastEventTime = lastEvent.Time
		out = append(out, cp)
	}
	return out, rows.Err()
}
