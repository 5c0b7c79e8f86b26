// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package tailer follows an append-only log file that may be rotated or
// truncated by an external process.
package tailer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/olegiv/xray-audit/internal/checkpoint"
)

var (
	// ErrSourceMissing means the path does not exist right now. Callers
	// retry with backoff; the file is expected to reappear after rotation.
	ErrSourceMissing = errors.New("log source missing")

	// ErrSourceFatal means the path exists but can never be read as a log,
	// e.g. permission denied or a directory.
	ErrSourceFatal = errors.New("log source unreadable")
)

const (
	defaultMaxLines     = 4096
	defaultMaxLineBytes = 1 << 20
	readBufferSize      = 64 << 10
)

// Options controls where a fresh tailer starts and how much it reads.
type Options struct {
	// StartAtEnd skips existing content when no checkpoint exists. Reading
	// starts after the last complete line, so a line still being written
	// is read whole once terminated.
	StartAtEnd bool
	// MaxLines caps lines returned by one Poll. Zero means 4096.
	MaxLines int
	// MaxLineBytes caps the stored length of a single line. Longer lines
	// are cut and flagged; the remainder up to the newline is skipped.
	// Zero means 1 MiB.
	MaxLineBytes int
}

// Line is one complete line without its terminator.
type Line struct {
	Text string
	// End is the file offset just past this line's newline.
	End int64
	// Cut is set when the line was longer than MaxLineBytes.
	Cut bool
}

// Chunk is the result of one Poll.
type Chunk struct {
	Lines []Line
	// Rotated is set when the path now refers to a different file than the
	// previous chunk. Offsets in Lines belong to Identity.
	Rotated bool
	// Truncated is set when the file shrank in place and reading restarted
	// at offset 0.
	Truncated bool
	Identity  checkpoint.FileIdentity
	// Offset is the read position after this chunk.
	Offset int64
	// Size is the file size observed during this poll.
	Size int64
}

// Tailer reads complete lines from one path. It is not safe for concurrent
// use; each source owns its tailer.
type Tailer struct {
	path  string
	store checkpoint.Store
	opts  Options

	f        *os.File
	identity checkpoint.FileIdentity
	offset   int64

	pendingRotate   bool
	pendingTruncate bool
}

// New creates a tailer for path. Nothing is opened until Open or Poll.
func New(path string, store checkpoint.Store, opts Options) *Tailer {
	if opts.MaxLines <= 0 {
		opts.MaxLines = defaultMaxLines
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = defaultMaxLineBytes
	}
	return &Tailer{path: path, store: store, opts: opts}
}

// Path returns the monitored path.
func (t *Tailer) Path() string {
	return t.path
}

// Position returns the identity and offset of the next unread byte.
func (t *Tailer) Position() (checkpoint.FileIdentity, int64) {
	return t.identity, t.offset
}

// Open opens the file and positions the cursor. It is a no-op when the
// file is already open. A stored checkpoint for the same file identity is
// resumed; a checkpoint for a different identity means the file was
// rotated while the process was down, so reading starts at 0.
func (t *Tailer) Open(ctx context.Context) error {
	if t.f != nil {
		return nil
	}

	f, fi, err := openFile(t.path)
	if err != nil {
		return err
	}

	cp, ok, err := t.store.Load(ctx, t.path)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("loading checkpoint for %s: %w", t.path, err)
	}

	id := identityOf(fi)
	size := fi.Size()
	switch {
	case ok && cp.Identity == id:
		t.offset = cp.Offset
		if size < t.offset {
			t.offset = 0
			t.pendingTruncate = true
		}
	case ok:
		t.offset = 0
		t.pendingRotate = true
	case t.opts.StartAtEnd:
		if t.offset, err = lineStart(f, size); err != nil {
			_ = f.Close()
			return err
		}
	default:
		t.offset = 0
	}

	t.f = f
	t.identity = id
	return nil
}

// Poll returns the complete lines appended since the last call. A trailing
// line without a newline is held back until it is terminated.
func (t *Tailer) Poll(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if err := t.Open(ctx); err != nil {
		return Chunk{}, err
	}

	ch := Chunk{Rotated: t.pendingRotate, Truncated: t.pendingTruncate}
	t.pendingRotate, t.pendingTruncate = false, false

	fi, err := t.f.Stat()
	if err != nil {
		return Chunk{}, fmt.Errorf("stat %s: %w", t.path, err)
	}
	size := fi.Size()
	if size < t.offset {
		t.offset = 0
		ch.Truncated = true
	}

	if err := t.readLines(&ch, size, false); err != nil {
		return Chunk{}, err
	}

	if len(ch.Lines) == 0 {
		if size, err = t.followRotation(&ch, size); err != nil {
			return Chunk{}, err
		}
	}

	ch.Identity = t.identity
	ch.Offset = t.offset
	ch.Size = size
	return ch, nil
}

// followRotation switches to a new file once the old handle is drained.
// It returns the size of the file now being read.
func (t *Tailer) followRotation(ch *Chunk, size int64) (int64, error) {
	fi, err := os.Stat(t.path)
	if err != nil {
		// Path gone mid-rotation; keep the old handle until it reappears.
		return size, nil
	}
	if identityOf(fi) == t.identity {
		return size, nil
	}

	// The old file will not grow any more, so an unterminated tail is a
	// complete final line.
	if t.offset < size {
		return size, t.readLines(ch, size, true)
	}

	f, nfi, err := openFile(t.path)
	if err != nil {
		if errors.Is(err, ErrSourceMissing) {
			return size, nil
		}
		return size, err
	}
	_ = t.f.Close()
	t.f = f
	t.identity = identityOf(nfi)
	t.offset = 0
	ch.Rotated = true

	size = nfi.Size()
	return size, t.readLines(ch, size, false)
}

func (t *Tailer) readLines(ch *Chunk, size int64, final bool) error {
	if t.offset >= size {
		return nil
	}

	br := bufio.NewReaderSize(io.NewSectionReader(t.f, t.offset, size-t.offset), readBufferSize)
	pos := t.offset
	var (
		buf      []byte
		consumed int64
	)
	for len(ch.Lines) < t.opts.MaxLines {
		frag, err := br.ReadSlice('\n')
		consumed += int64(len(frag))
		if room := t.opts.MaxLineBytes - len(buf); room > 0 {
			buf = append(buf, frag[:min(room, len(frag))]...)
		}

		switch {
		case err == nil:
			pos += consumed
			ch.Lines = append(ch.Lines, Line{Text: cleanLine(buf), End: pos, Cut: consumed-1 > int64(t.opts.MaxLineBytes)})
			buf, consumed = buf[:0], 0
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if final && consumed > 0 {
				pos += consumed
				ch.Lines = append(ch.Lines, Line{Text: cleanLine(buf), End: pos, Cut: consumed > int64(t.opts.MaxLineBytes)})
			}
			t.offset = pos
			return nil
		default:
			return fmt.Errorf("reading %s: %w", t.path, err)
		}
	}
	t.offset = pos
	return nil
}

// ScanBack calls fn with the complete lines before the read position,
// newest first, until fn returns true. At most limit bytes are examined;
// a line cut by the limit is not passed to fn.
func (t *Tailer) ScanBack(limit int64, fn func(text string) bool) error {
	if t.f == nil || t.offset <= 0 || limit <= 0 {
		return nil
	}
	start := max(0, t.offset-limit)
	buf := make([]byte, t.offset-start)
	n, err := t.f.ReadAt(buf, start)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading %s: %w", t.path, err)
	}
	if n < len(buf) {
		// Shrunk since the last poll; the next poll resets the offset.
		return nil
	}

	buf = bytes.TrimSuffix(buf, []byte{'\n'})
	for {
		i := bytes.LastIndexByte(buf, '\n')
		if i < 0 && start > 0 {
			return nil
		}
		if fn(cleanLine(buf[i+1:])) || i < 0 {
			return nil
		}
		buf = buf[:i]
	}
}

// Close releases the file handle. The tailer may be reopened.
func (t *Tailer) Close() error {
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}

func openFile(path string) (*os.File, os.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, classifyOpenError(path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, classifyOpenError(path, err)
	}
	if fi.IsDir() {
		_ = f.Close()
		return nil, nil, fmt.Errorf("%w: %s is a directory", ErrSourceFatal, path)
	}
	return f, fi, nil
}

func classifyOpenError(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrSourceMissing, path)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", ErrSourceFatal, err)
	default:
		return fmt.Errorf("opening %s: %w", path, err)
	}
}

// lineStart returns the offset just past the last newline before size.
func lineStart(f *os.File, size int64) (int64, error) {
	buf := make([]byte, readBufferSize)
	for end := size; end > 0; {
		start := max(0, end-int64(len(buf)))
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("reading %s: %w", f.Name(), err)
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}

func cleanLine(b []byte) string {
	s := strings.TrimRight(string(b), "\r\n")
	return strings.ToValidUTF8(s, "�")
}
