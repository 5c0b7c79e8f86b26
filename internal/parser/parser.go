// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package parser turns raw proxy log lines into typed events.
//
// Every function here is pure: the same input always yields the same
// event. A line is never rejected. Lines that do not match a grammar come
// back as degraded events carrying the raw text, so the caller can still
// store them.
package parser

import (
	"regexp"
	"strings"
	"time"

	"github.com/olegiv/xray-audit/internal/model"
)

// TimestampLayout is the seconds-resolution log timestamp layout. The
// optional fractional part (1 to 6 digits) is accepted by time.Parse.
const TimestampLayout = "2006/01/02 15:04:05"

// timestampRe accepts exactly the two supported prefixes.
var timestampRe = regexp.MustCompile(`^(\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}(?:\.\d{1,6})?)(?:\s+|$)`)

// Parser holds the location used to interpret log timestamps, which carry
// no zone of their own.
type Parser struct {
	loc *time.Location
}

// New creates a parser. A nil location means UTC.
func New(loc *time.Location) *Parser {
	if loc == nil {
		loc = time.UTC
	}
	return &Parser{loc: loc}
}

// ParseTimestamp splits a line into its timestamp and the remaining body.
// ok is false when the line does not start with a supported timestamp.
func (p *Parser) ParseTimestamp(line string) (ts time.Time, body string, ok bool) {
	m := timestampRe.FindStringSubmatchIndex(line)
	if m == nil {
		return time.Time{}, "", false
	}
	ts, err := time.ParseInLocation(TimestampLayout, line[m[2]:m[3]], p.loc)
	if err != nil {
		// Shape matched but a field is out of range, e.g. month 13.
		return time.Time{}, "", false
	}
	return ts.UTC(), strings.TrimSpace(line[m[1]:]), true
}

// ParseAccessLog parses one line of the access log, which interleaves
// connection and DNS records.
func (p *Parser) ParseAccessLog(raw string) model.Event {
	raw = normalizeRaw(raw)
	ev := model.Event{Envelope: model.Envelope{
		RawText:     raw,
		ContentHash: model.ContentHash(raw),
	}}

	ts, body, ok := p.ParseTimestamp(raw)
	if !ok {
		ev.Type = model.EventMalformed
		ev.Degraded = true
		ev.TimeMissing = true
		return ev
	}
	ev.EventTime = ts

	if a := parseAccessBody(body); a != nil {
		ev.Type = model.EventAccess
		ev.Access = a
		return ev
	}
	if d := parseDNSBody(body); d != nil {
		ev.Type = model.EventDNS
		ev.DNS = d
		return ev
	}

	ev.Type = model.EventUnknown
	ev.Degraded = true
	return ev
}

func normalizeRaw(raw string) string {
	return strings.TrimRight(raw, "\r\n")
}
