// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package collection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/canonical/doc-gateway/internal/docstore"
	"github.com/canonical/doc-gateway/internal/keys"
	"github.com/canonical/doc-gateway/internal/types"
)

// Bootstrap provisions a first-time identity: its user record, its personal
// tenant and the active tenant pointer, in that order. Every step is
// idempotent so concurrent or interrupted bootstraps converge on the same
// records; whichever attempt loses a conditional create simply observes the
// winner's document and carries on from there.
//
// Bootstrap never reports plain success. The terminal outcome is always the
// credential-refresh signal, because the caller's current credential does
// not carry the tenant scope that now exists.
func (s *Service) Bootstrap(ctx context.Context, callerID, email, name string) error {
	ctx, span := s.tracer.Start(ctx, "collection.Service.Bootstrap")
	defer span.End()

	user, err := s.ensureUser(ctx, callerID, email, name)
	if err != nil {
		return err
	}

	tenantKey := user.PersonalTenantID()
	if tenantKey == "" {
		tenantKey, err = s.ensurePersonalTenant(ctx, user)
		if err != nil {
			return err
		}
	}

	if user.ActiveTenantID == "" {
		if err := s.setActiveTenant(ctx, callerID, tenantKey); err != nil {
			return err
		}
	}

	s.logger.Infof("bootstrapped identity %s with personal tenant %s", callerID, tenantKey)
	return errCredentialRefresh(tenantKey, true)
}

// ensureUser creates the caller's user record if absent, keyed by identity.
// A lost conditional create means another flow won the race; its record is
// read back instead.
func (s *Service) ensureUser(ctx context.Context, callerID, email, name string) (*types.User, error) {
	key, err := keys.UserKey(callerID)
	if err != nil {
		return nil, errValidation(err.Error())
	}

	user, err := s.loadUser(ctx, key)
	if err == nil {
		return user, nil
	}
	var gwErr *Error
	if !errors.As(err, &gwErr) || gwErr.Code != codeNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	user = &types.User{
		ID:        key,
		Type:      types.TypeUser,
		Sub:       callerID,
		Email:     email,
		Name:      name,
		Tenants:   []types.Membership{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	doc, err := s.putDocument(ctx, key, user, "")
	if err != nil {
		if errors.Is(err, docstore.ErrKeyExists) {
			return s.loadUser(ctx, key)
		}
		return nil, err
	}
	user.Rev = doc.Rev
	return user, nil
}

// ensurePersonalTenant creates the user's personal tenant and links it into
// the user's membership list. The tenant key is derived deterministically
// from the identity so concurrent attempts collide on the same key and the
// conditional create arbitrates.
func (s *Service) ensurePersonalTenant(ctx context.Context, user *types.User) (string, error) {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(user.Sub))
	key, err := keys.TenantKey(id.String())
	if err != nil {
		return "", errValidation(err.Error())
	}

	now := time.Now().UTC()
	tenant := &types.Tenant{
		ID:        key,
		Type:      types.TypeTenant,
		Name:      fmt.Sprintf("%s (personal)", displayName(user)),
		OwnerID:   user.Sub,
		UserIDs:   []string{user.Sub},
		Personal:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := s.putDocument(ctx, key, tenant, ""); err != nil && !errors.Is(err, docstore.ErrKeyExists) {
		return "", err
	}

	membership := types.Membership{
		TenantID: key,
		Role:     types.RoleOwner,
		Personal: true,
		JoinedAt: now,
	}
	if err := s.appendMembership(ctx, user.Sub, membership); err != nil {
		return "", err
	}
	return key, nil
}

// setActiveTenant points the user's credential scope at the given tenant,
// retrying bounded revision races. An already-set pointer is left alone so
// re-entrant bootstraps do not clobber a later tenant switch.
func (s *Service) setActiveTenant(ctx context.Context, callerID, tenantKey string) error {
	key, err := keys.UserKey(callerID)
	if err != nil {
		return errValidation(err.Error())
	}

	for attempt := 0; attempt < maxWriteRetries; attempt++ {
		user, err := s.loadUser(ctx, key)
		if err != nil {
			return err
		}
		if user.ActiveTenantID != "" {
			return nil
		}

		user.ActiveTenantID = tenantKey
		rev := user.Rev
		user.Rev = ""
		user.UpdatedAt = time.Now().UTC()

		if _, err := s.putDocument(ctx, key, user, rev); err != nil {
			if errors.Is(err, docstore.ErrRevisionConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("active tenant assignment for %s lost %d revision races", callerID, maxWriteRetries)
}

func displayName(user *types.User) string {
	if user.Name != "" {
		return user.Name
	}
	if user.Email != "" {
		return user.Email
	}
	return user.Sub
}
