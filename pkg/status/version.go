// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package status

// Version is set at build time via ldflags.
var Version = "dev"
