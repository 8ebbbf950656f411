// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

// Package keys translates the public identifiers of the virtual collections
// into document store keys and back. The mapping is a plain prefix
// convention, deterministic and reversible, with no I/O.
package keys

import (
	"fmt"
	"strings"
)

const (
	CollectionUsers   = "__users"
	CollectionTenants = "__tenants"
)

const (
	userPrefix   = "user_"
	tenantPrefix = "tenant_"
	invitePrefix = "invite_"
)

var ErrInvalidIdentifier = fmt.Errorf("invalid identifier")

// illegal characters in a storage key. The store treats keys as opaque
// strings, but path separators and whitespace would break the HTTP surface.
const illegalChars = "/\\ \t\n\r\x00"

func validate(publicID string) error {
	if publicID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if strings.ContainsAny(publicID, illegalChars) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, publicID)
	}
	return nil
}

// ToStorageKey maps a (collection, public ID) pair to the storage key.
func ToStorageKey(collection, publicID string) (string, error) {
	if err := validate(publicID); err != nil {
		return "", err
	}

	switch collection {
	case CollectionUsers:
		return userPrefix + publicID, nil
	case CollectionTenants:
		return tenantPrefix + publicID, nil
	default:
		return "", fmt.Errorf("%w: unknown collection %q", ErrInvalidIdentifier, collection)
	}
}

// FromStorageKey recovers the (collection, public ID) pair from a storage key.
func FromStorageKey(key string) (string, string, error) {
	switch {
	case strings.HasPrefix(key, userPrefix):
		id := strings.TrimPrefix(key, userPrefix)
		if err := validate(id); err != nil {
			return "", "", err
		}
		return CollectionUsers, id, nil
	case strings.HasPrefix(key, tenantPrefix):
		id := strings.TrimPrefix(key, tenantPrefix)
		if err := validate(id); err != nil {
			return "", "", err
		}
		return CollectionTenants, id, nil
	default:
		return "", "", fmt.Errorf("%w: unknown key prefix %q", ErrInvalidIdentifier, key)
	}
}

// UserKey maps a user identity to its storage key.
func UserKey(publicID string) (string, error) {
	return ToStorageKey(CollectionUsers, publicID)
}

// TenantKey maps a tenant ID to its storage key.
func TenantKey(publicID string) (string, error) {
	return ToStorageKey(CollectionTenants, publicID)
}

// InviteKey maps an invitation token to its storage key. Invitations are not
// exposed as a virtual collection, so there is no reverse mapping for them.
func InviteKey(token string) (string, error) {
	if err := validate(token); err != nil {
		return "", err
	}
	return invitePrefix + token, nil
}

// IsUserKey reports whether the storage key belongs to the __users collection.
func IsUserKey(key string) bool {
	return strings.HasPrefix(key, userPrefix)
}

// IsTenantKey reports whether the storage key belongs to the __tenants
// collection.
func IsTenantKey(key string) bool {
	return strings.HasPrefix(key, tenantPrefix)
}
