// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

// Package docstore is the client for the revisioned document store backing
// the virtual collections. Every write carries the revision the caller last
// observed; a stale revision fails with ErrRevisionConflict. This is the only
// concurrency-control discipline in the system.
package docstore

import (
	"context"
	"encoding/json"
)

// Document is one stored record. Deleted documents are retained (soft
// delete) and keep their body; callers above the store decide visibility.
type Document struct {
	Key     string          `json:"key"`
	Rev     string          `json:"rev"`
	Body    json.RawMessage `json:"body"`
	Deleted bool            `json:"deleted"`
	Seq     uint64          `json:"seq"`
}

// Change is one entry of the store change feed. The feed is ordered by Seq
// and carries only the latest change per key.
type Change struct {
	Seq     uint64          `json:"seq"`
	Key     string          `json:"id"`
	Rev     string          `json:"rev"`
	Deleted bool            `json:"deleted,omitempty"`
	Body    json.RawMessage `json:"doc,omitempty"`
}

type ClientInterface interface {
	// Get returns the document at key, including soft-deleted ones.
	Get(ctx context.Context, key string) (*Document, error)

	// Put writes body at key. An empty expectedRev is a conditional create
	// and fails with ErrKeyExists if the key is already present; otherwise
	// expectedRev must match the stored revision or the write fails with
	// ErrRevisionConflict. Returns the document with its new revision.
	Put(ctx context.Context, key string, body json.RawMessage, expectedRev string) (*Document, error)

	// Delete soft-deletes the document at key, revision-checked like Put.
	Delete(ctx context.Context, key string, expectedRev string) (*Document, error)

	// ChangesSince returns up to limit changes with sequence numbers greater
	// than since, in ascending order, along with the number of changes still
	// pending after the returned page. A limit <= 0 means no limit.
	ChangesSince(ctx context.Context, since uint64, limit int) ([]Change, uint64, error)
}
