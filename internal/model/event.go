// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package model defines the records produced by the ingestion pipeline.
package model

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/zeebo/blake3"
)

// EventType tags the payload carried by an Event.
type EventType string

// Event types. Access and DNS lines share the raw table; error lines have
// their own table.
const (
	EventAccess    EventType = "access"
	EventDNS       EventType = "dns"
	EventUnknown   EventType = "unknown"   // timestamp parsed, body matched no grammar
	EventMalformed EventType = "malformed" // no usable timestamp prefix
	EventError     EventType = "error"
)

// UnknownUser is stored when an access line carries no email token.
const UnknownUser = "unknown"

// Confidence tiers for access events.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Error log levels.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
	LevelUnknown = "unknown"
)

// LevelRank orders levels for minimum-level filtering. Unknown ranks 0.
func LevelRank(level string) int {
	switch level {
	case LevelDebug:
		return 10
	case LevelInfo:
		return 20
	case LevelWarning:
		return 30
	case LevelError:
		return 40
	default:
		return 0
	}
}

// Envelope holds the fields every event shares.
type Envelope struct {
	EventTime   time.Time
	OriginNode  string
	RawText     string
	ContentHash string

	// Degraded is set when the line did not fully match its grammar.
	Degraded bool
	// TimeMissing is set when the line had no timestamp and EventTime was
	// filled in by the pipeline.
	TimeMissing bool
}

// Event is a tagged variant: exactly one of Access, DNS or Error is set
// when Type is EventAccess, EventDNS or EventError respectively.
type Event struct {
	Envelope
	Type   EventType
	Access *AccessEvent
	DNS    *DNSEvent
	Error  *ErrorEvent
}

// AccessEvent is the typed payload of an access log line.
type AccessEvent struct {
	Src        string
	DestRaw    string
	DestHost   string
	DestPort   int // 0 when the destination carried no port
	Status     string
	Detour     string
	Reason     string
	UserEmail  string
	IsDomain   bool
	Confidence string
}

// DNSEvent is the typed payload of a DNS resolution line.
type DNSEvent struct {
	Server    string
	Domain    string
	IPs       []string
	Status    string
	ElapsedMS *int64
	ErrorText string
}

// IPListJSON returns the answer list encoded as a JSON array, preserving order.
func (d *DNSEvent) IPListJSON() string {
	ips := d.IPs
	if ips == nil {
		ips = []string{}
	}
	b, _ := json.Marshal(ips)
	return string(b)
}

// ErrorEvent is the typed payload of an error log line.
type ErrorEvent struct {
	Level         string
	SessionID     *int64
	Component     string
	Message       string
	Src           string
	DestRaw       string
	DestHost      string
	DestPort      int
	Category      string
	SignatureHash string
	IsNoise       bool
}

// ContentHash returns the hex-encoded BLAKE3-256 digest of a raw line.
func ContentHash(raw string) string {
	sum := blake3.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
