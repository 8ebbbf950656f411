// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package webhooks

import (
	"context"

	"github.com/ory/hydra/v2/oauth2"

	"github.com/canonical/doc-gateway/internal/types"
)

// ProvisionerInterface is the subset of the collection service the webhooks
// need: first-login provisioning and the caller's tenant view for token
// enrichment.
type ProvisionerInterface interface {
	Bootstrap(ctx context.Context, callerID, email, name string) error
	GetOwnUser(ctx context.Context, callerID string) (*types.User, error)
	ListCallerTenants(ctx context.Context, callerID string) ([]*types.Tenant, error)
}

// ServiceInterface defines the webhook service operations.
type ServiceInterface interface {
	HandleRegistration(ctx context.Context, identityID, email string) error
	HandleTokenHook(ctx context.Context, req *oauth2.TokenHookRequest) (*TokenHookResponse, error)
}
