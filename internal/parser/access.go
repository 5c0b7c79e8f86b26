// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package parser

import (
	"regexp"
	"strings"
	"time"

	"github.com/olegiv/xray-audit/internal/model"
)

var (
	accessRe = regexp.MustCompile(`^from\s+(\S+)\s+(accepted|rejected)\s+(\S+)(?:\s+\[([^\]]+)\])?(.*)$`)
	emailRe  = regexp.MustCompile(`(?:^|\s)email:\s*(\S+)\s*$`)

	dnsRe      = regexp.MustCompile(`^(.+?)\s+(got answer:|cache HIT:|cache OPTIMISTE:)\s+(\S+)\s+->\s+\[([^\]]*)\](.*)$`)
	dnsErrorRe = regexp.MustCompile(`<([^>]*)>`)
)

// parseAccessBody returns nil when body is not an access record.
func parseAccessBody(body string) *model.AccessEvent {
	m := accessRe.FindStringSubmatch(body)
	if m == nil {
		return nil
	}

	a := &model.AccessEvent{
		Src:       m[1],
		Status:    m[2],
		DestRaw:   m[3],
		Detour:    strings.TrimSpace(m[4]),
		UserEmail: model.UnknownUser,
	}

	tail := strings.TrimSpace(m[5])
	hasEmail := false
	if em := emailRe.FindStringSubmatchIndex(tail); em != nil {
		a.Reason = strings.TrimSpace(tail[:em[0]])
		if email := strings.TrimSpace(tail[em[2]:em[3]]); email != "" {
			a.UserEmail = email
			hasEmail = true
		}
	} else {
		a.Reason = tail
	}

	a.DestHost, a.DestPort = SplitHostPort(a.DestRaw)
	a.IsDomain = a.DestHost != "" && !IsIP(a.DestHost)
	a.Confidence = confidence(a.Detour != "", hasEmail)
	return a
}

func confidence(hasDetour, hasEmail bool) string {
	switch {
	case hasDetour && hasEmail:
		return model.ConfidenceHigh
	case hasDetour || hasEmail:
		return model.ConfidenceMedium
	default:
		return model.ConfidenceLow
	}
}

// parseDNSBody returns nil when body is not a DNS record.
func parseDNSBody(body string) *model.DNSEvent {
	m := dnsRe.FindStringSubmatch(body)
	if m == nil {
		return nil
	}

	d := &model.DNSEvent{
		Server: strings.TrimSpace(m[1]),
		Status: m[2],
		Domain: m[3],
		IPs:    []string{},
	}
	for _, ip := range strings.Split(m[4], ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			d.IPs = append(d.IPs, ip)
		}
	}

	tail := strings.TrimSpace(m[5])
	if em := dnsErrorRe.FindStringSubmatch(tail); em != nil {
		d.ErrorText = strings.TrimSpace(em[1])
		tail = strings.TrimSpace(strings.Replace(tail, em[0], "", 1))
	}
	if ms, ok := parseElapsed(tail); ok {
		d.ElapsedMS = &ms
	}
	return d
}

// parseElapsed reads a single duration token such as "23ms" or "1.5s".
func parseElapsed(tok string) (int64, bool) {
	if tok == "" || strings.ContainsAny(tok, " \t") {
		return 0, false
	}
	d, err := time.ParseDuration(tok)
	if err != nil || d < 0 {
		return 0, false
	}
	return d.Milliseconds(), true
}

// FormatAccess renders an access event back into its log line form.
// Parsing the result yields the same destination, detour and email.
func FormatAccess(ts time.Time, a *model.AccessEvent) string {
	var b strings.Builder
	b.WriteString(ts.UTC().Format(TimestampLayout + ".000000"))
	b.WriteString(" from ")
	b.WriteString(a.Src)
	b.WriteByte(' ')
	b.WriteString(a.Status)
	b.WriteByte(' ')
	b.WriteString(a.DestRaw)
	if a.Detour != "" {
		b.WriteString(" [")
		b.WriteString(a.Detour)
		b.WriteByte(']')
	}
	if a.Reason != "" {
		b.WriteByte(' ')
		b.WriteString(a.Reason)
	}
	if a.UserEmail != "" && a.UserEmail != model.UnknownUser {
		b.WriteString(" email: ")
		b.WriteString(a.UserEmail)
	}
	return b.String()
}
