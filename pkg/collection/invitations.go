// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package collection

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/canonical/doc-gateway/internal/docstore"
	"github.com/canonical/doc-gateway/internal/keys"
	"github.com/canonical/doc-gateway/internal/types"
)

// CreateInvitation issues a single-use invitation for an email address to
// join a tenant. The tenant's invite policy decides who may issue: the
// owner always, admins when the policy allows them. The invited identity is
// provisioned in Kratos up front so a recovery link can be handed to the
// delivery channel.
func (s *Service) CreateInvitation(ctx context.Context, callerID, tenantID, email, role string) (*types.Invitation, error) {
	ctx, span := s.tracer.Start(ctx, "collection.Service.CreateInvitation")
	defer span.End()

	if role != types.RoleAdmin && role != types.RoleMember {
		return nil, errValidation("role must be admin or member")
	}

	tenantKey, err := keys.TenantKey(tenantID)
	if err != nil {
		return nil, errValidation(err.Error())
	}
	tenant, err := s.loadTenant(ctx, tenantKey)
	if err != nil {
		return nil, err
	}
	caller, err := s.callerUser(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if d := s.evaluator.EvaluateInviteCreate(caller, tenant); !d.Allowed {
		return nil, decisionErr(d)
	}

	identityID, err := s.kratos.GetIdentityIDByEmail(ctx, email)
	if err != nil {
		s.logger.Errorf("failed to look up identity for %s: %v", email, err)
		return nil, fmt.Errorf("failed to resolve invited identity")
	}
	if identityID == "" {
		identityID, err = s.kratos.CreateIdentity(ctx, email)
		if err != nil {
			s.logger.Errorf("failed to provision identity for %s: %v", email, err)
			return nil, fmt.Errorf("failed to provision invited identity")
		}
		s.logger.Infof("provisioned identity %s for invited email", identityID)
	}

	token, err := newInviteToken()
	if err != nil {
		return nil, err
	}
	key, err := keys.InviteKey(token)
	if err != nil {
		return nil, errValidation(err.Error())
	}

	now := time.Now().UTC()
	invitation := &types.Invitation{
		ID:        key,
		Type:      types.TypeInvite,
		Token:     token,
		TenantID:  tenantKey,
		Email:     strings.ToLower(email),
		Role:      role,
		Status:    types.InviteStatusPending,
		InvitedBy: callerID,
		ExpiresAt: now.Add(s.invitationLifetime),
		CreatedAt: now,
	}

	doc, err := s.putDocument(ctx, key, invitation, "")
	if err != nil {
		return nil, s.mapWriteErr(err, "")
	}
	invitation.Rev = doc.Rev

	if _, _, err := s.kratos.CreateRecoveryLink(ctx, identityID, s.invitationLifetime.String()); err != nil {
		// The invitation stands; the link can be re-issued out of band.
		s.logger.Errorf("failed to create recovery link for %s: %v", identityID, err)
	}

	return invitation, nil
}

// AcceptInvitation redeems a pending token for the calling identity. The
// membership is written tenant-side first, then user-side, and the token is
// consumed last so an interrupted accept can be retried.
func (s *Service) AcceptInvitation(ctx context.Context, callerID, callerEmail, token string) (*types.Tenant, error) {
	ctx, span := s.tracer.Start(ctx, "collection.Service.AcceptInvitation")
	defer span.End()

	invitation, err := s.loadInvitation(ctx, token)
	if err != nil {
		return nil, err
	}
	if invitation.Status != types.InviteStatusPending || invitation.Expired(time.Now().UTC()) {
		return nil, errNotFound("invitation not found")
	}
	if !strings.EqualFold(invitation.Email, callerEmail) {
		// A token leaked to another identity is indistinguishable from a
		// missing one.
		return nil, errNotFound("invitation not found")
	}

	tenant, err := s.addTenantMember(ctx, invitation.TenantID, callerID)
	if err != nil {
		return nil, err
	}

	membership := types.Membership{
		TenantID:  invitation.TenantID,
		Role:      invitation.Role,
		InvitedBy: invitation.InvitedBy,
		JoinedAt:  time.Now().UTC(),
	}
	if err := s.appendMembership(ctx, callerID, membership); err != nil {
		return nil, err
	}

	if err := s.consumeInvitation(ctx, invitation, types.InviteStatusAccepted); err != nil {
		return nil, err
	}
	return tenant, nil
}

// RevokeInvitation withdraws a pending token. Only a caller who could have
// issued the invitation may revoke it.
func (s *Service) RevokeInvitation(ctx context.Context, callerID, token string) error {
	ctx, span := s.tracer.Start(ctx, "collection.Service.RevokeInvitation")
	defer span.End()

	invitation, err := s.loadInvitation(ctx, token)
	if err != nil {
		return err
	}
	if invitation.Status != types.InviteStatusPending {
		return errNotFound("invitation not found")
	}

	tenant, err := s.loadTenant(ctx, invitation.TenantID)
	if err != nil {
		return err
	}
	caller, err := s.callerUser(ctx, callerID)
	if err != nil {
		return err
	}
	if d := s.evaluator.EvaluateInviteCreate(caller, tenant); !d.Allowed {
		return decisionErr(d)
	}

	return s.consumeInvitation(ctx, invitation, types.InviteStatusRevoked)
}

func (s *Service) loadInvitation(ctx context.Context, token string) (*types.Invitation, error) {
	key, err := keys.InviteKey(token)
	if err != nil {
		return nil, errNotFound("invitation not found")
	}

	doc, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, errNotFound("invitation not found")
		}
		return nil, err
	}
	if doc.Deleted {
		return nil, errNotFound("invitation not found")
	}

	invitation := &types.Invitation{}
	if err := json.Unmarshal(doc.Body, invitation); err != nil {
		return nil, fmt.Errorf("corrupt invitation document %s: %w", key, err)
	}
	invitation.Rev = doc.Rev
	return invitation, nil
}

// addTenantMember appends a user to a tenant's member set with bounded
// revision-race retries. Idempotent per user.
func (s *Service) addTenantMember(ctx context.Context, tenantKey, userID string) (*types.Tenant, error) {
	for attempt := 0; attempt < maxWriteRetries; attempt++ {
		tenant, err := s.loadTenant(ctx, tenantKey)
		if err != nil {
			return nil, err
		}
		if tenant.Deleted {
			return nil, errNotFound("document not found")
		}
		if tenant.HasMember(userID) {
			return tenant, nil
		}

		tenant.UserIDs = append(tenant.UserIDs, userID)
		rev := tenant.Rev
		tenant.Rev = ""
		tenant.UpdatedAt = time.Now().UTC()

		doc, err := s.putDocument(ctx, tenantKey, tenant, rev)
		if err != nil {
			if errors.Is(err, docstore.ErrRevisionConflict) {
				continue
			}
			return nil, err
		}
		tenant.Rev = doc.Rev
		return tenant, nil
	}
	return nil, fmt.Errorf("member append for %s lost %d revision races", tenantKey, maxWriteRetries)
}

func (s *Service) consumeInvitation(ctx context.Context, invitation *types.Invitation, status string) error {
	key, err := keys.InviteKey(invitation.Token)
	if err != nil {
		return errValidation(err.Error())
	}

	rev := invitation.Rev
	invitation.Rev = ""
	invitation.Status = status

	if _, err := s.putDocument(ctx, key, invitation, rev); err != nil {
		return s.mapWriteErr(err, rev)
	}
	return nil
}

func newInviteToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate invitation token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
