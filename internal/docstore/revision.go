// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package docstore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// nextRev produces the revision token that follows current, in the
// generation-prefixed form "N-<token>". An empty current yields generation 1.
func nextRev(current string) string {
	generation := 0
	if current != "" {
		if g, _, found := strings.Cut(current, "-"); found {
			if n, err := strconv.Atoi(g); err == nil {
				generation = n
			}
		}
	}

	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%d-%s", generation+1, token)
}
