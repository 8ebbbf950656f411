// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package docstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

var _ ClientInterface = (*InMemoryStore)(nil)

// InMemoryStore implements the store client on a plain map. It is used by
// tests and keeps the same revision and sequence semantics as the durable
// backends.
type InMemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*Document
	seq  uint64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		docs: make(map[string]*Document),
	}
}

func (s *InMemoryStore) Get(ctx context.Context, key string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDocument(doc), nil
}

func (s *InMemoryStore) Put(ctx context.Context, key string, body json.RawMessage, expectedRev string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.docs[key]
	if expectedRev == "" {
		if exists {
			return nil, ErrKeyExists
		}
	} else {
		if !exists {
			return nil, ErrNotFound
		}
		if current.Rev != expectedRev {
			return nil, ErrRevisionConflict
		}
	}

	s.seq++
	doc := &Document{
		Key:  key,
		Rev:  nextRev(expectedRev),
		Body: append(json.RawMessage(nil), body...),
		Seq:  s.seq,
	}
	s.docs[key] = doc

	return copyDocument(doc), nil
}

func (s *InMemoryStore) Delete(ctx context.Context, key string, expectedRev string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.docs[key]
	if !exists {
		return nil, ErrNotFound
	}
	if current.Rev != expectedRev {
		return nil, ErrRevisionConflict
	}

	s.seq++
	doc := &Document{
		Key:     key,
		Rev:     nextRev(expectedRev),
		Body:    current.Body,
		Deleted: true,
		Seq:     s.seq,
	}
	s.docs[key] = doc

	return copyDocument(doc), nil
}

func (s *InMemoryStore) ChangesSince(ctx context.Context, since uint64, limit int) ([]Change, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Document
	for _, doc := range s.docs {
		if doc.Seq > since {
			matched = append(matched, doc)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Seq < matched[j].Seq })

	var pending uint64
	if limit > 0 && len(matched) > limit {
		pending = uint64(len(matched) - limit)
		matched = matched[:limit]
	}

	changes := make([]Change, 0, len(matched))
	for _, doc := range matched {
		changes = append(changes, Change{
			Seq:     doc.Seq,
			Key:     doc.Key,
			Rev:     doc.Rev,
			Deleted: doc.Deleted,
			Body:    doc.Body,
		})
	}

	return changes, pending, nil
}

func copyDocument(doc *Document) *Document {
	c := *doc
	c.Body = append(json.RawMessage(nil), doc.Body...)
	return &c
}
