// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package classify

import (
	"encoding/hex"
	"net/netip"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
)

// Masks are applied in order to the normalized message.
var (
	tsRe       = regexp.MustCompile(`\d{4}[/-]\d{2}[/-]\d{2}[ t]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:z|[+-]\d{2}:?\d{2})?`)
	clockRe    = regexp.MustCompile(`\b\d{2}:\d{2}:\d{2}(?:\.\d+)?\b`)
	ipv6Re     = regexp.MustCompile(`\[[0-9a-f:.%]+\](?::\d+)?|[0-9a-f]*:[0-9a-f:.]*:[0-9a-f.]*`)
	ipv4Re     = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?::\d+)?\b`)
	hexRe      = regexp.MustCompile(`\b[0-9a-f]{16,}\b`)
	digitsRe   = regexp.MustCompile(`\b\d+\b`)
	collapseRe = regexp.MustCompile(`\s+`)
)

const (
	addrMask = "<addr>"
	numMask  = "<num>"
	tsMask   = "<ts>"
	hexMask  = "<hex>"
)

// Signature returns the normalized clustering key for an error. Volatile
// substrings (timestamps, addresses with ports, long hex ids and bare
// numbers) are masked so recurrences of one failure share a key.
func Signature(component, message string) string {
	msg := normalize(message)
	msg = tsRe.ReplaceAllString(msg, tsMask)
	msg = clockRe.ReplaceAllString(msg, tsMask)
	msg = ipv6Re.ReplaceAllStringFunc(msg, maskIPv6)
	msg = ipv4Re.ReplaceAllString(msg, addrMask)
	msg = hexRe.ReplaceAllString(msg, hexMask)
	msg = digitsRe.ReplaceAllString(msg, numMask)
	msg = collapseRe.ReplaceAllString(msg, " ")
	return normalize(component) + "|" + strings.TrimSpace(msg)
}

// SignatureHash returns the hex BLAKE3 digest of Signature.
func SignatureHash(component, message string) string {
	sum := blake3.Sum256([]byte(Signature(component, message)))
	return hex.EncodeToString(sum[:])
}

// maskIPv6 only replaces candidates that really are addresses.
func maskIPv6(s string) string {
	if strings.HasPrefix(s, "[") {
		if _, err := netip.ParseAddrPort(s); err == nil {
			return addrMask
		}
		if _, err := netip.ParseAddr(strings.Trim(s, "[]")); err == nil {
			return addrMask
		}
		return s
	}
	if _, err := netip.ParseAddr(s); err == nil {
		return addrMask
	}
	return s
}
