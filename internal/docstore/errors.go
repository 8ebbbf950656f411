// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package docstore

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors for document store operations.
var (
	ErrNotFound         = errors.New("document not found")
	ErrKeyExists        = errors.New("document already exists")
	ErrRevisionConflict = errors.New("revision conflict")
)

const pgErrCodeUniqueViolation = "23505"

// isDuplicateKeyError checks if the error is a PostgreSQL unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrCodeUniqueViolation
	}
	return false
}
