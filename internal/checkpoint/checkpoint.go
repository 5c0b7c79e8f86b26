// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package checkpoint defines the durable per-file read position used to
// resume tailing after a restart.
package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// FileIdentity identifies a file independently of its path, so a rotated
// file can be told apart from its replacement.
type FileIdentity struct {
	Device uint64
	Inode  uint64
}

// IsZero reports whether the identity is unset.
func (id FileIdentity) IsZero() bool {
	return id.Device == 0 && id.Inode == 0
}

// String formats the identity as "device:inode".
func (id FileIdentity) String() string {
	return fmt.Sprintf("%d:%d", id.Device, id.Inode)
}

// Checkpoint is the committed read position for one monitored path.
type Checkpoint struct {
	FilePath  string
	Identity  FileIdentity
	Offset    int64
	UpdatedAt time.Time

	// LastEventTime is the time an untimed line at Offset inherits.
	LastEventTime time.Time
}

// Store persists checkpoints. Save is last-write-wins per path.
type Store interface {
	Load(ctx context.Context, path string) (Checkpoint, bool, error)
	Save(ctx context.Context, cp Checkpoint) error
	List(ctx context.Context) ([]Checkpoint, error)
}

// MemoryStore is an in-process Store for tests and dry runs.
type MemoryStore struct {
	mu  sync.RWMutex
	cps map[string]Checkpoint
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cps: make(map[string]Checkpoint)}
}

// Load returns the checkpoint for path, if any.
func (s *MemoryStore) Load(_ context.Context, path string) (Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.cps[path]
	return cp, ok, nil
}

// Save stores cp, replacing any previous checkpoint for the same path.
func (s *MemoryStore) Save(_ context.Context, cp Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cps[cp.FilePath] = cp
	return nil
}

// List returns all checkpoints ordered by path.
func (s *MemoryStore) List(_ context.Context) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Checkpoint, 0, len(s.cps))
	for _, cp := range s.cps {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out, nil
}
