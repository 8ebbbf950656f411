// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/canonical/doc-gateway/internal/db"
	"github.com/canonical/doc-gateway/internal/logging"
	"github.com/canonical/doc-gateway/internal/monitoring"
	"github.com/canonical/doc-gateway/internal/tracing"
)

var _ ClientInterface = (*PostgresStore)(nil)

// PostgresStore keeps documents in a single table with a global sequence
// assigned on every write. The sequence doubles as the change feed cursor.
type PostgresStore struct {
	db db.DBClientInterface

	logger  logging.LoggerInterface
	tracer  tracing.TracingInterface
	monitor monitoring.MonitorInterface
}

func NewPostgresStore(c db.DBClientInterface, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface) *PostgresStore {
	s := new(PostgresStore)

	s.db = c

	s.logger = logger
	s.tracer = tracer
	s.monitor = monitor

	return s
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Document, error) {
	ctx, span := s.tracer.Start(ctx, "docstore.PostgresStore.Get")
	defer span.End()

	var doc Document
	err := s.db.Statement(ctx).
		Select("key", "body", "rev", "deleted", "seq").
		From("documents").
		Where(sq.Eq{"key": key}).
		QueryRowContext(ctx).
		Scan(&doc.Key, &doc.Body, &doc.Rev, &doc.Deleted, &doc.Seq)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	return &doc, nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, body json.RawMessage, expectedRev string) (*Document, error) {
	ctx, span := s.tracer.Start(ctx, "docstore.PostgresStore.Put")
	defer span.End()

	if expectedRev == "" {
		return s.create(ctx, key, body)
	}
	return s.update(ctx, key, body, false, expectedRev)
}

func (s *PostgresStore) Delete(ctx context.Context, key string, expectedRev string) (*Document, error) {
	ctx, span := s.tracer.Start(ctx, "docstore.PostgresStore.Delete")
	defer span.End()

	current, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	return s.update(ctx, key, current.Body, true, expectedRev)
}

func (s *PostgresStore) create(ctx context.Context, key string, body json.RawMessage) (*Document, error) {
	rev := nextRev("")

	var doc Document
	err := s.db.Statement(ctx).
		Insert("documents").
		Columns("key", "body", "rev", "deleted", "seq").
		Values(key, []byte(body), rev, false, sq.Expr("nextval('documents_seq')")).
		Suffix("RETURNING key, body, rev, deleted, seq").
		QueryRowContext(ctx).
		Scan(&doc.Key, &doc.Body, &doc.Rev, &doc.Deleted, &doc.Seq)

	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrKeyExists
		}
		return nil, fmt.Errorf("failed to insert document: %w", err)
	}

	return &doc, nil
}

func (s *PostgresStore) update(ctx context.Context, key string, body json.RawMessage, deleted bool, expectedRev string) (*Document, error) {
	rev := nextRev(expectedRev)

	var doc Document
	err := s.db.Statement(ctx).
		Update("documents").
		Set("body", []byte(body)).
		Set("rev", rev).
		Set("deleted", deleted).
		Set("seq", sq.Expr("nextval('documents_seq')")).
		Where(sq.Eq{"key": key, "rev": expectedRev}).
		Suffix("RETURNING key, body, rev, deleted, seq").
		QueryRowContext(ctx).
		Scan(&doc.Key, &doc.Body, &doc.Rev, &doc.Deleted, &doc.Seq)

	if err == nil {
		return &doc, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update document: %w", err)
	}

	// No row matched: either the key is missing or the revision is stale.
	if _, getErr := s.Get(ctx, key); getErr != nil {
		return nil, getErr
	}
	return nil, ErrRevisionConflict
}

func (s *PostgresStore) ChangesSince(ctx context.Context, since uint64, limit int) ([]Change, uint64, error) {
	ctx, span := s.tracer.Start(ctx, "docstore.PostgresStore.ChangesSince")
	defer span.End()

	query := s.db.Statement(ctx).
		Select("key", "body", "rev", "deleted", "seq").
		From("documents").
		Where(sq.Gt{"seq": since}).
		OrderBy("seq ASC")

	if limit > 0 {
		query = query.Limit(uint64(limit))
	}

	rows, err := query.QueryContext(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read changes: %w", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var c Change
		if err := rows.Scan(&c.Key, &c.Body, &c.Rev, &c.Deleted, &c.Seq); err != nil {
			return nil, 0, fmt.Errorf("failed to scan change: %w", err)
		}
		changes = append(changes, c)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows iteration error: %w", err)
	}

	lastSeq := since
	if len(changes) > 0 {
		lastSeq = changes[len(changes)-1].Seq
	}

	var pending uint64
	err = s.db.Statement(ctx).
		Select("COUNT(*)").
		From("documents").
		Where(sq.Gt{"seq": lastSeq}).
		QueryRowContext(ctx).
		Scan(&pending)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count pending changes: %w", err)
	}

	return changes, pending, nil
}
