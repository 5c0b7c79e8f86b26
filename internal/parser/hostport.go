// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package parser

import (
	"net/netip"
	"regexp"
	"strconv"
	"strings"
)

var bracketHostRe = regexp.MustCompile(`^\[(.+)\](?::(\d+))?$`)

// SplitHostPort splits a destination such as "tcp:example.com:443" or
// "[::1]:443" into host and port. Port is 0 when absent. Unlike
// net.SplitHostPort it never fails: unsplittable input is returned as the
// host.
func SplitHostPort(dest string) (host string, port int) {
	raw := strings.TrimSpace(dest)
	for _, prefix := range []string{"tcp:", "udp:"} {
		if strings.HasPrefix(raw, prefix) {
			raw = raw[len(prefix):]
			break
		}
	}

	if strings.HasPrefix(raw, "[") {
		if m := bracketHostRe.FindStringSubmatch(raw); m != nil {
			port, _ := parsePort(m[2])
			return m[1], port
		}
	}

	if IsIP(raw) {
		return raw, 0
	}

	// A single colon is host:port. Several colons that do not form an IPv6
	// literal are an unbracketed IPv6 address with a trailing port.
	if i := strings.LastIndexByte(raw, ':'); i >= 0 {
		if p, ok := parsePort(raw[i+1:]); ok {
			return raw[:i], p
		}
	}
	return raw, 0
}

// IsIP reports whether s is a literal IPv4 or IPv6 address.
func IsIP(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}

func parsePort(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return p, true
}
