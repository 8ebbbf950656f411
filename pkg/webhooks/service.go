// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package webhooks

import (
	"context"
	"fmt"

	"github.com/ory/hydra/v2/oauth2"

	"github.com/canonical/doc-gateway/internal/logging"
	"github.com/canonical/doc-gateway/internal/monitoring"
	"github.com/canonical/doc-gateway/internal/tracing"
	"github.com/canonical/doc-gateway/pkg/collection"
)

type Service struct {
	provisioner ProvisionerInterface

	tracer  tracing.TracingInterface
	monitor monitoring.MonitorInterface
	logger  logging.LoggerInterface
}

func NewService(
	provisioner ProvisionerInterface,
	tracer tracing.TracingInterface,
	monitor monitoring.MonitorInterface,
	logger logging.LoggerInterface,
) *Service {
	return &Service{
		provisioner: provisioner,
		tracer:      tracer,
		monitor:     monitor,
		logger:      logger,
	}
}

// HandleRegistration provisions a freshly registered identity ahead of its
// first request: the user record, its personal tenant and the active
// tenant pointer all exist by the time the first credential is issued.
func (s *Service) HandleRegistration(ctx context.Context, identityID, email string) error {
	ctx, span := s.tracer.Start(ctx, "webhooks.Service.HandleRegistration")
	defer span.End()

	s.logger.Debugf("Handling registration for identity %s with email %s", identityID, email)

	if identityID == "" || email == "" {
		return fmt.Errorf("identity ID or email is empty")
	}

	err := s.provisioner.Bootstrap(ctx, identityID, email, "")
	if err != nil && !collection.IsCredentialRefresh(err) {
		return fmt.Errorf("failed to provision identity: %w", err)
	}

	s.logger.Infof("Successfully provisioned identity %s", identityID)
	return nil
}

// HandleTokenHook enriches the session Hydra is about to mint a token for
// with the subject's tenant scope. This is how active_tenant_id ends up in
// the credential the gateway later verifies.
func (s *Service) HandleTokenHook(ctx context.Context, req *oauth2.TokenHookRequest) (*TokenHookResponse, error) {
	ctx, span := s.tracer.Start(ctx, "webhooks.Service.HandleTokenHook")
	defer span.End()

	if req.Session == nil || req.Session.Claims == nil || req.Session.Claims.Subject == "" {
		return nil, fmt.Errorf("token hook request carries no subject")
	}
	subject := req.Session.Claims.Subject

	user, err := s.provisioner.GetOwnUser(ctx, subject)
	if err != nil {
		// An unbootstrapped subject gets an unscoped token; its first
		// request triggers bootstrap and a refresh.
		s.logger.Debugf("no user record for %s yet: %v", subject, err)
		return &TokenHookResponse{}, nil
	}

	tenants, err := s.provisioner.ListCallerTenants(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants for %s: %w", subject, err)
	}

	tenantIDs := make([]string, 0, len(tenants))
	for _, tenant := range tenants {
		tenantIDs = append(tenantIDs, tenant.ID)
	}

	claims := map[string]interface{}{
		"active_tenant_id": user.ActiveTenantID,
		"tenants":          tenantIDs,
	}

	resp := &TokenHookResponse{}
	resp.Session.IDToken = claims
	resp.Session.AccessToken = claims
	return resp, nil
}
