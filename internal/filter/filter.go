// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package filter decides which parsed events are not worth storing.
package filter

import (
	"strings"

	"github.com/olegiv/xray-audit/internal/model"
)

// Reasons reported by Drop.
const (
	ReasonAPIToAPI     = "api_to_api"
	ReasonDetour       = "excluded_detour"
	ReasonVLESSProbe   = "invalid_vless_probe"
	ReasonLoopback     = "loopback"
	ReasonBelowMinimum = "below_min_level"
	ReasonNoise        = "noise"
)

// Config selects the active rules.
type Config struct {
	DropAPIToAPI          bool
	ExcludeDetours        []string
	DropInvalidVLESSProbe bool
	DropLoopbackTraffic   bool
	// ErrorMinLevel drops error events ranked below it. Empty keeps all.
	ErrorMinLevel  string
	ErrorDropNoise bool
}

// Filter applies Config to events. The zero value keeps everything.
type Filter struct {
	cfg     Config
	detours map[string]struct{}
	minRank int
}

// New builds a Filter.
func New(cfg Config) *Filter {
	f := &Filter{cfg: cfg, detours: make(map[string]struct{}, len(cfg.ExcludeDetours))}
	for _, d := range cfg.ExcludeDetours {
		if d = strings.TrimSpace(d); d != "" {
			f.detours[d] = struct{}{}
		}
	}
	f.minRank = model.LevelRank(strings.ToLower(strings.TrimSpace(cfg.ErrorMinLevel)))
	return f
}

// Drop reports whether ev should be skipped and why. Degraded events are
// always kept so malformed input stays visible.
func (f *Filter) Drop(ev *model.Event) (bool, string) {
	if f == nil || ev.Degraded {
		return false, ""
	}
	switch {
	case ev.Access != nil:
		return f.dropAccess(ev.Access)
	case ev.Error != nil:
		return f.dropError(ev.Error)
	}
	return false, ""
}

func (f *Filter) dropAccess(a *model.AccessEvent) (bool, string) {
	if f.cfg.DropAPIToAPI && a.Detour == "api -> api" {
		return true, ReasonAPIToAPI
	}
	if _, ok := f.detours[a.Detour]; ok && a.Detour != "" {
		return true, ReasonDetour
	}
	if f.cfg.DropInvalidVLESSProbe && a.Status == "rejected" &&
		a.DestRaw == "proxy/vless/encoding:" &&
		strings.Contains(strings.ToLower(a.Reason), "invalid request version") {
		return true, ReasonVLESSProbe
	}
	if f.cfg.DropLoopbackTraffic && isLoopback(a) {
		return true, ReasonLoopback
	}
	return false, ""
}

func isLoopback(a *model.AccessEvent) bool {
	src := strings.ToLower(a.Src)
	for _, p := range []string{"127.0.0.1", "[::1]", "::1"} {
		if strings.HasPrefix(src, p) {
			return true
		}
	}
	switch strings.ToLower(a.DestHost) {
	case "127.0.0.1", "localhost", "::1", "[::1]":
		return true
	}
	return false
}

func (f *Filter) dropError(e *model.ErrorEvent) (bool, string) {
	if rank := model.LevelRank(e.Level); rank > 0 && rank < f.minRank {
		return true, ReasonBelowMinimum
	}
	if f.cfg.ErrorDropNoise && e.IsNoise {
		return true, ReasonNoise
	}
	return false, ""
}
