// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build unix

package tailer

import (
	"os"
	"syscall"

	"github.com/olegiv/xray-audit/internal/checkpoint"
)

func identityOf(fi os.FileInfo) checkpoint.FileIdentity {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return checkpoint.FileIdentity{}
	}
	return checkpoint.FileIdentity{Device: uint64(st.Dev), Inode: uint64(st.Ino)}
}
