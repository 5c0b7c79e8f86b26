// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !unix

package tailer

import (
	"os"

	"github.com/olegiv/xray-audit/internal/checkpoint"
)

// Without inode numbers rotation is only seen as truncation.
func identityOf(os.FileInfo) checkpoint.FileIdentity {
	return checkpoint.FileIdentity{}
}
