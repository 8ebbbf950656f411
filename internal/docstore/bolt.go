// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package docstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/canonical/doc-gateway/internal/logging"
	"github.com/canonical/doc-gateway/internal/monitoring"
	"github.com/canonical/doc-gateway/internal/tracing"
)

var _ ClientInterface = (*BoltStore)(nil)

var (
	documentsBucket = []byte("documents")
	changesBucket   = []byte("changes")
)

// BoltStore is the embedded single-node backend. The changes bucket maps
// big-endian sequence numbers to keys and holds only the latest sequence per
// key, so the feed never replays superseded changes.
type BoltStore struct {
	db *bolt.DB

	logger  logging.LoggerInterface
	tracer  tracing.TracingInterface
	monitor monitoring.MonitorInterface
}

func NewBoltStore(path string, tracer tracing.TracingInterface, monitor monitoring.MonitorInterface, logger logging.LoggerInterface) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{documentsBucket, changesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	s := new(BoltStore)
	s.db = db
	s.logger = logger
	s.tracer = tracer
	s.monitor = monitor

	return s, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Get(ctx context.Context, key string) (*Document, error) {
	_, span := s.tracer.Start(ctx, "docstore.BoltStore.Get")
	defer span.End()

	var doc *Document
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		doc, err = getDocument(tx, key)
		return err
	})
	if err != nil {
		return nil, err
	}

	return doc, nil
}

func (s *BoltStore) Put(ctx context.Context, key string, body json.RawMessage, expectedRev string) (*Document, error) {
	_, span := s.tracer.Start(ctx, "docstore.BoltStore.Put")
	defer span.End()

	var doc *Document
	err := s.db.Update(func(tx *bolt.Tx) error {
		current, err := getDocument(tx, key)
		if expectedRev == "" {
			if err == nil {
				return ErrKeyExists
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			current = nil
		} else {
			if err != nil {
				return err
			}
			if current.Rev != expectedRev {
				return ErrRevisionConflict
			}
		}

		doc = &Document{
			Key:     key,
			Rev:     nextRev(expectedRev),
			Body:    body,
			Deleted: false,
		}
		return putDocument(tx, current, doc)
	})
	if err != nil {
		return nil, err
	}

	return doc, nil
}

func (s *BoltStore) Delete(ctx context.Context, key string, expectedRev string) (*Document, error) {
	_, span := s.tracer.Start(ctx, "docstore.BoltStore.Delete")
	defer span.End()

	var doc *Document
	err := s.db.Update(func(tx *bolt.Tx) error {
		current, err := getDocument(tx, key)
		if err != nil {
			return err
		}
		if current.Rev != expectedRev {
			return ErrRevisionConflict
		}

		doc = &Document{
			Key:     key,
			Rev:     nextRev(expectedRev),
			Body:    current.Body,
			Deleted: true,
		}
		return putDocument(tx, current, doc)
	})
	if err != nil {
		return nil, err
	}

	return doc, nil
}

func (s *BoltStore) ChangesSince(ctx context.Context, since uint64, limit int) ([]Change, uint64, error) {
	_, span := s.tracer.Start(ctx, "docstore.BoltStore.ChangesSince")
	defer span.End()

	var changes []Change
	var pending uint64

	err := s.db.View(func(tx *bolt.Tx) error {
		docs := tx.Bucket(documentsBucket)
		cursor := tx.Bucket(changesBucket).Cursor()

		for k, v := cursor.Seek(seqKey(since + 1)); k != nil; k, v = cursor.Next() {
			if limit > 0 && len(changes) >= limit {
				pending++
				continue
			}

			raw := docs.Get(v)
			if raw == nil {
				return fmt.Errorf("change entry %d references missing key %q", binary.BigEndian.Uint64(k), v)
			}

			var doc Document
			if err := json.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("failed to decode document: %w", err)
			}

			changes = append(changes, Change{
				Seq:     doc.Seq,
				Key:     doc.Key,
				Rev:     doc.Rev,
				Deleted: doc.Deleted,
				Body:    doc.Body,
			})
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	return changes, pending, nil
}

func getDocument(tx *bolt.Tx, key string) (*Document, error) {
	raw := tx.Bucket(documentsBucket).Get([]byte(key))
	if raw == nil {
		return nil, ErrNotFound
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return &doc, nil
}

func putDocument(tx *bolt.Tx, previous, doc *Document) error {
	changes := tx.Bucket(changesBucket)

	seq, err := changes.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}
	doc.Seq = seq

	if previous != nil {
		if err := changes.Delete(seqKey(previous.Seq)); err != nil {
			return fmt.Errorf("failed to drop superseded change: %w", err)
		}
	}
	if err := changes.Put(seqKey(seq), []byte(doc.Key)); err != nil {
		return fmt.Errorf("failed to index change: %w", err)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	return tx.Bucket(documentsBucket).Put([]byte(doc.Key), raw)
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
