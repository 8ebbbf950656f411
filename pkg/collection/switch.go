// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package collection

import (
	"context"

	"github.com/canonical/doc-gateway/internal/keys"
)

// validateSwitchTarget checks that the caller may point their active tenant
// at target: the tenant must exist, not be soft-deleted, and count the
// caller among its members. All failures collapse to the same not-found
// outcome so a non-member learns nothing about the tenant's existence.
//
// The switch itself is an ordinary user-document update; the new scope only
// takes effect once the caller re-authenticates, which the update path
// reports as a credential-refresh signal.
func (s *Service) validateSwitchTarget(ctx context.Context, callerID, target string) error {
	ctx, span := s.tracer.Start(ctx, "collection.Service.validateSwitchTarget")
	defer span.End()

	if !keys.IsTenantKey(target) {
		return errNotFound("document not found")
	}

	tenant, err := s.loadTenant(ctx, target)
	if err != nil {
		return err
	}
	if d := s.evaluator.EvaluateTenantRead(callerID, tenant); !d.Allowed {
		return decisionErr(d)
	}
	return nil
}
