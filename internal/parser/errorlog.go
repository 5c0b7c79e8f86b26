// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/olegiv/xray-audit/internal/model"
)

var (
	// [Level] [sid]? then either "[component]:" or "component:".
	errorBodyRe = regexp.MustCompile(`^\[([A-Za-z]+)\]\s*(?:\[(\d+)\]\s*)?(?:\[([A-Za-z0-9_./-]+)\]:\s*|([A-Za-z0-9_./-]+):\s+)?(.*)$`)

	errorSrcRe  = regexp.MustCompile(`\bfrom\s+(\S+)`)
	errorDestRe = regexp.MustCompile(`\bfor\s+((?:tcp|udp):[^\s\]]+)`)
)

// ParseErrorLog parses one line of the error log. The timestamp prefix is
// optional here; when absent the event is marked TimeMissing and the caller
// supplies the time. Classification fields are left empty.
func (p *Parser) ParseErrorLog(raw string) model.Event {
	raw = normalizeRaw(raw)
	ev := model.Event{
		Envelope: model.Envelope{
			RawText:     raw,
			ContentHash: model.ContentHash(raw),
		},
		Type: model.EventError,
	}

	body := strings.TrimSpace(raw)
	if ts, rest, ok := p.ParseTimestamp(body); ok {
		ev.EventTime = ts
		body = rest
	} else {
		ev.TimeMissing = true
	}

	m := errorBodyRe.FindStringSubmatch(body)
	if m == nil {
		ev.Degraded = true
		ev.Error = &model.ErrorEvent{
			Level:   model.LevelUnknown,
			Message: body,
		}
		return ev
	}

	e := &model.ErrorEvent{
		Level:     NormalizeLevel(m[1]),
		Component: m[3],
		Message:   strings.TrimSpace(m[5]),
	}
	if e.Component == "" {
		e.Component = m[4]
	}
	if m[2] != "" {
		if sid, err := strconv.ParseInt(m[2], 10, 64); err == nil {
			e.SessionID = &sid
		}
	}
	if sm := errorSrcRe.FindStringSubmatch(e.Message); sm != nil {
		e.Src = sm[1]
	}
	if dm := errorDestRe.FindStringSubmatch(e.Message); dm != nil {
		e.DestRaw = dm[1]
		e.DestHost, e.DestPort = SplitHostPort(e.DestRaw)
	}

	ev.Error = e
	return ev
}

// NormalizeLevel maps a raw level token onto the known levels. Anything
// unrecognized becomes unknown.
func NormalizeLevel(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return model.LevelDebug
	case "info":
		return model.LevelInfo
	case "warning", "warn":
		return model.LevelWarning
	case "error":
		return model.LevelError
	default:
		return model.LevelUnknown
	}
}
