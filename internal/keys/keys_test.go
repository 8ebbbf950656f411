// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package keys

import (
	"errors"
	"testing"
)

func TestToStorageKey(t *testing.T) {
	testCases := []struct {
		name       string
		collection string
		publicID   string
		expected   string
		expectedEr error
	}{
		{
			name:       "user key",
			collection: CollectionUsers,
			publicID:   "abc-123",
			expected:   "user_abc-123",
		},
		{
			name:       "tenant key",
			collection: CollectionTenants,
			publicID:   "t-1",
			expected:   "tenant_t-1",
		},
		{
			name:       "empty id",
			collection: CollectionUsers,
			publicID:   "",
			expectedEr: ErrInvalidIdentifier,
		},
		{
			name:       "illegal character",
			collection: CollectionTenants,
			publicID:   "a/b",
			expectedEr: ErrInvalidIdentifier,
		},
		{
			name:       "whitespace",
			collection: CollectionUsers,
			publicID:   "a b",
			expectedEr: ErrInvalidIdentifier,
		},
		{
			name:       "unknown collection",
			collection: "__widgets",
			publicID:   "a",
			expectedEr: ErrInvalidIdentifier,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := ToStorageKey(tc.collection, tc.publicID)

			if tc.expectedEr != nil {
				if !errors.Is(err, tc.expectedEr) {
					t.Fatalf("expected error %v, got %v", tc.expectedEr, err)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if key != tc.expected {
				t.Errorf("expected key %q, got %q", tc.expected, key)
			}
		})
	}
}

func TestFromStorageKeyRoundTrip(t *testing.T) {
	for _, collection := range []string{CollectionUsers, CollectionTenants} {
		key, err := ToStorageKey(collection, "some-id")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		gotCollection, gotID, err := FromStorageKey(key)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if gotCollection != collection {
			t.Errorf("expected collection %q, got %q", collection, gotCollection)
		}
		if gotID != "some-id" {
			t.Errorf("expected id %q, got %q", "some-id", gotID)
		}
	}
}

func TestFromStorageKeyUnknownPrefix(t *testing.T) {
	if _, _, err := FromStorageKey("widget_1"); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("expected ErrInvalidIdentifier, got %v", err)
	}
}

func TestInviteKey(t *testing.T) {
	key, err := InviteKey("tok123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "invite_tok123" {
		t.Errorf("unexpected key %q", key)
	}

	if _, err := InviteKey(""); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("expected ErrInvalidIdentifier, got %v", err)
	}
}
