// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package collection

import (
	"context"
	"encoding/json"

	"github.com/canonical/doc-gateway/internal/access"
	"github.com/canonical/doc-gateway/internal/types"
)

type ServiceInterface interface {
	GetDocument(ctx context.Context, callerID, collection, publicID string) (json.RawMessage, error)
	GetOwnUser(ctx context.Context, callerID string) (*types.User, error)
	ListCallerTenants(ctx context.Context, callerID string) ([]*types.Tenant, error)
	CreateTenant(ctx context.Context, callerID string, req *CreateTenantRequest) (*types.Tenant, error)
	UpdateDocument(ctx context.Context, callerID, collection, publicID string, body json.RawMessage) (json.RawMessage, bool, error)
	DeleteDocument(ctx context.Context, callerID, collection, publicID, rev string) (string, string, error)

	Bootstrap(ctx context.Context, callerID, email, name string) error
	Changes(ctx context.Context, callerID, collection string, opts ChangesOptions) (*ChangesResult, error)
	ApplyBulk(ctx context.Context, callerID, collection string, items []json.RawMessage) ([]BulkResult, bool)

	CreateInvitation(ctx context.Context, callerID, tenantID, email, role string) (*types.Invitation, error)
	AcceptInvitation(ctx context.Context, callerID, callerEmail, token string) (*types.Tenant, error)
	RevokeInvitation(ctx context.Context, callerID, token string) error
}

// EvaluatorInterface is the access-control matrix consulted before every
// read and write. Decisions are computed from the documents passed in,
// never from cached state.
type EvaluatorInterface interface {
	EvaluateUserRead(callerID string, target *types.User) access.Decision
	EvaluateUserUpdate(callerID string, current, proposed *types.User) access.Decision
	EvaluateUserDelete(callerID string, target *types.User) access.Decision
	EvaluateTenantRead(callerID string, target *types.Tenant) access.Decision
	EvaluateTenantUpdate(callerID string, current, proposed *types.Tenant) access.Decision
	EvaluateTenantDelete(caller *types.User, target *types.Tenant) access.Decision
	EvaluateTenantCreate(callerID string) access.Decision
	EvaluateInviteCreate(caller *types.User, target *types.Tenant) access.Decision
}

type KratosClientInterface interface {
	GetIdentityIDByEmail(ctx context.Context, email string) (string, error)
	CreateIdentity(ctx context.Context, email string) (string, error)
	CreateRecoveryLink(ctx context.Context, identityID string, expiresIn string) (string, string, error)
}
