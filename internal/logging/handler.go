// Package logging provides the collector's slog setup and a handler that
// surfaces warnings in the health status.
// Records at WARN level and above are forwarded to a Sink as the latest error.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Sink receives the text of forwarded records. health.Reporter implements it.
type Sink interface {
	SetLastError(msg string)
}

// HealthHandler is a slog.Handler that wraps another handler and also
// reports WARN and ERROR records to a Sink.
type HealthHandler struct {
	inner slog.Handler
	sink  Sink
	level slog.Level // Minimum level forwarded to the sink (default: WARN)
	attrs []slog.Attr
}

// NewHealthHandler wraps inner. Records at WARN and above reach sink.
func NewHealthHandler(inner slog.Handler, sink Sink) *HealthHandler {
	return newHealthHandler(inner, sink, slog.LevelWarn)
}

func newHealthHandler(inner slog.Handler, sink Sink, level slog.Level) *HealthHandler {
	return &HealthHandler{
		inner: inner,
		sink:  sink,
		level: level,
	}
}

// Enabled implements slog.Handler.
func (h *HealthHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *HealthHandler) Handle(ctx context.Context, r slog.Record) error {
	// Always forward to the inner handler first
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	if h.sink != nil && r.Level >= h.level {
		h.sink.SetLastError(h.format(r))
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *HealthHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &HealthHandler{
		inner: h.inner.WithAttrs(attrs),
		sink:  h.sink,
		level: h.level,
		attrs: merged,
	}
}

// WithGroup implements slog.Handler.
func (h *HealthHandler) WithGroup(name string) slog.Handler {
	return &HealthHandler{
		inner: h.inner.WithGroup(name),
		sink:  h.sink,
		level: h.level,
		attrs: h.attrs,
	}
}

// format renders "msg key=value ..." with preset attrs first.
func (h *HealthHandler) format(r slog.Record) string {
	var sb strings.Builder
	sb.WriteString(r.Message)
	write := func(a slog.Attr) bool {
		if a.Equal(slog.Attr{}) {
			return true
		}
		_, _ = fmt.Fprintf(&sb, " %s=%s", a.Key, a.Value.Resolve().String())
		return true
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(write)
	return sb.String()
}

// ParseLevel maps a config string to a slog level. Unknown values are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the base handler: JSON when format is "json", text otherwise.
func New(level slog.Level, format string, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
