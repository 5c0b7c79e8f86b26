// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build unix

package tailer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olegiv/xray-audit/internal/checkpoint"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func texts(ch Chunk) []string {
	out := make([]string, 0, len(ch.Lines))
	for _, l := range ch.Lines {
		out = append(out, l.Text)
	}
	return out
}

func TestPollHoldsBackPartialLine(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "access.log")
	writeFile(t, path, "a\nb")

	tl := New(path, checkpoint.NewMemoryStore(), Options{})
	defer func() { _ = tl.Close() }()

	ch, err := tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, texts(ch))
	assert.EqualValues(t, 2, ch.Offset)
	assert.EqualValues(t, 3, ch.Size)

	appendFile(t, path, "c\r\nd\n")
	ch, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bc", "d"}, texts(ch))
	assert.EqualValues(t, 6, ch.Lines[0].End)
	assert.EqualValues(t, 8, ch.Lines[1].End)
}

func TestOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "access.log")
	writeFile(t, path, "a\n")

	tl := New(path, checkpoint.NewMemoryStore(), Options{})
	defer func() { _ = tl.Close() }()
	require.NoError(t, tl.Open(ctx))
	_, err := tl.Poll(ctx)
	require.NoError(t, err)
	require.NoError(t, tl.Open(ctx))

	_, off := tl.Position()
	assert.EqualValues(t, 2, off)
}

func TestStartAtEnd(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "access.log")
	writeFile(t, path, "old\n")

	tl := New(path, checkpoint.NewMemoryStore(), Options{StartAtEnd: true})
	defer func() { _ = tl.Close() }()

	ch, err := tl.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, ch.Lines)

	appendFile(t, path, "new\n")
	ch, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, texts(ch))
}

func TestStartAtEndSkipsPartialLine(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "access.log")
	writeFile(t, path, "old\nhalf of a li")

	tl := New(path, checkpoint.NewMemoryStore(), Options{StartAtEnd: true})
	defer func() { _ = tl.Close() }()

	ch, err := tl.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, ch.Lines)
	_, off := tl.Position()
	assert.EqualValues(t, 4, off)

	appendFile(t, path, "ne\nnext\n")
	ch, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"half of a line", "next"}, texts(ch))
}

func TestLineStartWithoutNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	writeFile(t, path, strings.Repeat("x", readBufferSize+10))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	off, err := lineStart(f, readBufferSize+10)
	require.NoError(t, err)
	assert.Zero(t, off)
}

func TestScanBack(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "access.log")
	content := "one\ntwo\n\nthree\nfour\n"
	writeFile(t, path, content)

	cps := checkpoint.NewMemoryStore()
	tl := New(path, cps, Options{})
	defer func() { _ = tl.Close() }()
	require.NoError(t, tl.Open(ctx))

	// Nothing lies before offset 0.
	called := false
	require.NoError(t, tl.ScanBack(1<<10, func(string) bool { called = true; return false }))
	assert.False(t, called)

	_, err := tl.Poll(ctx)
	require.NoError(t, err)

	var seen []string
	require.NoError(t, tl.ScanBack(1<<10, func(text string) bool {
		seen = append(seen, text)
		return text == "two"
	}))
	assert.Equal(t, []string{"four", "three", "", "two"}, seen)

	// A line cut by the limit is skipped.
	seen = nil
	require.NoError(t, tl.ScanBack(7, func(text string) bool {
		seen = append(seen, text)
		return false
	}))
	assert.Equal(t, []string{"four"}, seen)
}

func TestResumeFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "access.log")
	writeFile(t, path, "one\ntwo\n")
	store := checkpoint.NewMemoryStore()

	first := New(path, store, Options{})
	ch, err := first.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, ch.Lines, 2)
	require.NoError(t, store.Save(ctx, checkpoint.Checkpoint{FilePath: path, Identity: ch.Identity, Offset: ch.Lines[0].End}))
	require.NoError(t, first.Close())

	// A restart re-reads everything after the committed offset.
	second := New(path, store, Options{StartAtEnd: true})
	defer func() { _ = second.Close() }()
	ch, err = second.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"two"}, texts(ch))
	assert.False(t, ch.Rotated)
}

func TestRotation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")
	writeFile(t, path, "a\n")

	tl := New(path, checkpoint.NewMemoryStore(), Options{})
	defer func() { _ = tl.Close() }()

	ch, err := tl.Poll(ctx)
	require.NoError(t, err)
	oldID := ch.Identity
	assert.Equal(t, []string{"a"}, texts(ch))

	// The old file gets a last write after being renamed.
	require.NoError(t, os.Rename(path, filepath.Join(dir, "access.log.1")))
	appendFile(t, filepath.Join(dir, "access.log.1"), "b\nunterminated")
	writeFile(t, path, "c\n")

	ch, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, texts(ch))
	assert.False(t, ch.Rotated)

	ch, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"unterminated"}, texts(ch))
	assert.Equal(t, oldID, ch.Identity)
	assert.False(t, ch.Rotated)

	ch, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, ch.Rotated)
	assert.NotEqual(t, oldID, ch.Identity)
	assert.Equal(t, []string{"c"}, texts(ch))
	assert.EqualValues(t, 2, ch.Offset)
}

func TestRotationWhileStopped(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")
	writeFile(t, path, "a\nb\n")
	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.Save(ctx, checkpoint.Checkpoint{
		FilePath: path,
		Identity: checkpoint.FileIdentity{Device: 1, Inode: 1},
		Offset:   100,
	}))

	tl := New(path, store, Options{StartAtEnd: true})
	defer func() { _ = tl.Close() }()

	ch, err := tl.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, ch.Rotated)
	assert.Equal(t, []string{"a", "b"}, texts(ch))
}

func TestTruncateInPlace(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "access.log")
	writeFile(t, path, "aaaa\nbbbb\n")

	tl := New(path, checkpoint.NewMemoryStore(), Options{})
	defer func() { _ = tl.Close() }()

	ch, err := tl.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, ch.Lines, 2)
	id := ch.Identity

	require.NoError(t, os.Truncate(path, 0))
	ch, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, ch.Lines)
	assert.True(t, ch.Truncated)
	assert.EqualValues(t, 0, ch.Offset)

	appendFile(t, path, "c\n")
	ch, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, texts(ch))
	assert.False(t, ch.Rotated)
	assert.Equal(t, id, ch.Identity)
}

func TestMissingAndFatalSources(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tl := New(filepath.Join(dir, "absent.log"), checkpoint.NewMemoryStore(), Options{})
	_, err := tl.Poll(ctx)
	require.ErrorIs(t, err, ErrSourceMissing)

	// Appears later.
	writeFile(t, filepath.Join(dir, "absent.log"), "x\n")
	ch, err := tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, texts(ch))
	_ = tl.Close()

	dirTailer := New(dir, checkpoint.NewMemoryStore(), Options{})
	require.ErrorIs(t, dirTailer.Open(ctx), ErrSourceFatal)
}

func TestPermissionDeniedIsFatal(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores file permissions")
	}
	path := filepath.Join(t.TempDir(), "locked.log")
	writeFile(t, path, "x\n")
	require.NoError(t, os.Chmod(path, 0))

	tl := New(path, checkpoint.NewMemoryStore(), Options{})
	require.ErrorIs(t, tl.Open(context.Background()), ErrSourceFatal)
}

func TestLimits(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "access.log")
	long := strings.Repeat("x", 100)
	writeFile(t, path, long+"\nshort\nthird\n")

	tl := New(path, checkpoint.NewMemoryStore(), Options{MaxLines: 2, MaxLineBytes: 10})
	defer func() { _ = tl.Close() }()

	ch, err := tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{strings.Repeat("x", 10), "short"}, texts(ch))
	assert.EqualValues(t, 101, ch.Lines[0].End)
	assert.True(t, ch.Lines[0].Cut)
	assert.False(t, ch.Lines[1].Cut)

	ch, err = tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"third"}, texts(ch))
}

func TestInvalidUTF8IsReplaced(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "access.log")
	writeFile(t, path, "ok\xff\n")

	tl := New(path, checkpoint.NewMemoryStore(), Options{})
	defer func() { _ = tl.Close() }()

	ch, err := tl.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok�"}, texts(ch))
}

func TestPollHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New("unused", checkpoint.NewMemoryStore(), Options{}).Poll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
