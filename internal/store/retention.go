// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"context"
	"fmt"
	"time"
)

// retentionTables maps each purgeable table to its age column.
var retentionTables = map[string]string{
	"audit_raw_events":             "event_time",
	"audit_access_events":          "event_time",
	"audit_dns_events":             "event_time",
	"audit_error_events":           "event_time",
	"audit_auth_events":            "event_time",
	"audit_runtime_config_history": "changed_at",
}

// DeleteBefore removes up to limit of the oldest-id rows in table whose
// age column is strictly before cutoff. It returns the number deleted.
// Deleting raw rows cascades to their access and DNS rows.
func (s *Store) DeleteBefore(ctx context.Context, table string, cutoff time.Time, limit int) (int64, error) {
	col, ok := retentionTables[table]
	if !ok {
		return 0, fmt.Errorf("table %q is not subject to retention", table)
	}
	if limit <= 0 {
		return 0, nil
	}

	var q string
	if s.dialect == DialectMySQL {
		q = fmt.Sprintf(`DELETE FROM %s WHERE %s < ? ORDER BY id LIMIT ?`, table, col)
	} else {
		q = fmt.Sprintf(`DELETE FROM %[1]s WHERE id IN (
			SELECT id FROM %[1]s WHERE %[2]s < ? ORDER BY id LIMIT ?)`, table, col)
	}

	r, err := s.db.ExecContext(ctx, q, fmtTime(cutoff), limit)
	if err != nil {
		return 0, fmt.Errorf("deleting from %s: %w", table, err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return n, nil
}
