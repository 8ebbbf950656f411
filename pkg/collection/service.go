// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

// Package collection exposes the __users and __tenants virtual collections
// over the revisioned document store. Every operation recomputes its access
// decision from freshly loaded documents; the only state shared between
// requests is the store itself.
package collection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/canonical/doc-gateway/internal/access"
	"github.com/canonical/doc-gateway/internal/docstore"
	"github.com/canonical/doc-gateway/internal/keys"
	"github.com/canonical/doc-gateway/internal/logging"
	"github.com/canonical/doc-gateway/internal/monitoring"
	"github.com/canonical/doc-gateway/internal/tracing"
	"github.com/canonical/doc-gateway/internal/types"
)

// maxWriteRetries bounds the re-read loop for writes that race other
// writers on the same document (membership appends, active tenant moves).
const maxWriteRetries = 3

type CreateTenantRequest struct {
	Name      string            `json:"name" validate:"required"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Namespace string            `json:"namespace,omitempty"`
}

type Service struct {
	store     docstore.ClientInterface
	evaluator EvaluatorInterface
	kratos    KratosClientInterface

	invitationLifetime time.Duration

	tracer  tracing.TracingInterface
	monitor monitoring.MonitorInterface
	logger  logging.LoggerInterface
}

func NewService(
	store docstore.ClientInterface,
	evaluator EvaluatorInterface,
	kratos KratosClientInterface,
	invitationLifetime time.Duration,
	tracer tracing.TracingInterface,
	monitor monitoring.MonitorInterface,
	logger logging.LoggerInterface,
) *Service {
	return &Service{
		store:              store,
		evaluator:          evaluator,
		kratos:             kratos,
		invitationLifetime: invitationLifetime,
		tracer:             tracer,
		monitor:            monitor,
		logger:             logger,
	}
}

// GetDocument fetches one document of a virtual collection, subject to the
// access matrix. Responses carry the storage key as _id.
func (s *Service) GetDocument(ctx context.Context, callerID, collection, publicID string) (json.RawMessage, error) {
	ctx, span := s.tracer.Start(ctx, "collection.Service.GetDocument")
	defer span.End()

	key, err := keys.ToStorageKey(collection, publicID)
	if err != nil {
		return nil, errValidation(err.Error())
	}

	switch collection {
	case keys.CollectionUsers:
		user, err := s.loadUser(ctx, key)
		if err != nil {
			return nil, err
		}
		if d := s.evaluator.EvaluateUserRead(callerID, user); !d.Allowed {
			return nil, decisionErr(d)
		}
		return json.Marshal(user)
	case keys.CollectionTenants:
		tenant, err := s.loadTenant(ctx, key)
		if err != nil {
			return nil, err
		}
		if d := s.evaluator.EvaluateTenantRead(callerID, tenant); !d.Allowed {
			return nil, decisionErr(d)
		}
		return json.Marshal(tenant)
	default:
		return nil, errNotFound("unknown collection")
	}
}

// GetOwnUser returns the caller's own user document.
func (s *Service) GetOwnUser(ctx context.Context, callerID string) (*types.User, error) {
	ctx, span := s.tracer.Start(ctx, "collection.Service.GetOwnUser")
	defer span.End()

	key, err := keys.UserKey(callerID)
	if err != nil {
		return nil, errValidation(err.Error())
	}
	return s.loadUser(ctx, key)
}

// ListCallerTenants returns the non-deleted tenants the caller is currently
// a member of, resolved from the caller's membership list.
func (s *Service) ListCallerTenants(ctx context.Context, callerID string) ([]*types.Tenant, error) {
	ctx, span := s.tracer.Start(ctx, "collection.Service.ListCallerTenants")
	defer span.End()

	user, err := s.GetOwnUser(ctx, callerID)
	if err != nil {
		return nil, err
	}

	tenants := make([]*types.Tenant, 0, len(user.Tenants))
	for _, m := range user.Tenants {
		// Membership entries reference tenants by storage key.
		if !keys.IsTenantKey(m.TenantID) {
			continue
		}
		tenant, err := s.loadTenant(ctx, m.TenantID)
		if err != nil {
			var gwErr *Error
			if errors.As(err, &gwErr) && gwErr.Code == codeNotFound {
				continue
			}
			return nil, err
		}
		// The member set is authoritative; a stale user-side entry is
		// skipped rather than surfaced.
		if tenant.Deleted || !tenant.HasMember(callerID) {
			continue
		}
		tenants = append(tenants, tenant)
	}
	return tenants, nil
}

// CreateTenant provisions a workspace tenant with the caller as owner and
// sole member, then appends the matching membership entry to the caller's
// user document. The tenant side is written first so a failure between the
// two writes leaves a detectable, recoverable gap rather than a tenant the
// owner cannot see.
func (s *Service) CreateTenant(ctx context.Context, callerID string, req *CreateTenantRequest) (*types.Tenant, error) {
	ctx, span := s.tracer.Start(ctx, "collection.Service.CreateTenant")
	defer span.End()

	if d := s.evaluator.EvaluateTenantCreate(callerID); !d.Allowed {
		return nil, decisionErr(d)
	}

	now := time.Now().UTC()
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate tenant ID: %w", err)
	}

	key, err := keys.TenantKey(id.String())
	if err != nil {
		return nil, errValidation(err.Error())
	}

	tenant := &types.Tenant{
		ID:        key,
		Type:      types.TypeTenant,
		Name:      req.Name,
		OwnerID:   callerID,
		UserIDs:   []string{callerID},
		Metadata:  req.Metadata,
		Namespace: req.Namespace,
		CreatedAt: now,
		UpdatedAt: now,
	}

	doc, err := s.putDocument(ctx, key, tenant, "")
	if err != nil {
		return nil, err
	}
	tenant.Rev = doc.Rev

	membership := types.Membership{
		TenantID: key,
		Role:     types.RoleOwner,
		JoinedAt: now,
	}
	if err := s.appendMembership(ctx, callerID, membership); err != nil {
		s.logger.Errorf("tenant %s created but membership append failed: %v", key, err)
		return nil, err
	}

	return tenant, nil
}

// UpdateDocument applies a full-document update to one entry of a virtual
// collection. The returned bool reports whether the write moved the
// caller's active tenant, which requires a credential refresh to take
// effect.
func (s *Service) UpdateDocument(ctx context.Context, callerID, collection, publicID string, body json.RawMessage) (json.RawMessage, bool, error) {
	ctx, span := s.tracer.Start(ctx, "collection.Service.UpdateDocument")
	defer span.End()

	key, err := keys.ToStorageKey(collection, publicID)
	if err != nil {
		return nil, false, errValidation(err.Error())
	}

	switch collection {
	case keys.CollectionUsers:
		return s.updateUser(ctx, callerID, key, body)
	case keys.CollectionTenants:
		doc, err := s.updateTenant(ctx, callerID, key, body)
		return doc, false, err
	default:
		return nil, false, errNotFound("unknown collection")
	}
}

func (s *Service) updateUser(ctx context.Context, callerID, key string, body json.RawMessage) (json.RawMessage, bool, error) {
	current, err := s.loadUser(ctx, key)
	if err != nil {
		return nil, false, err
	}

	proposed := &types.User{}
	if err := json.Unmarshal(body, proposed); err != nil {
		return nil, false, errValidation("malformed document body")
	}
	// _id and type may be omitted; the path already names the document.
	if proposed.ID == "" {
		proposed.ID = current.ID
	}
	if proposed.Type == "" {
		proposed.Type = current.Type
	}

	if d := s.evaluator.EvaluateUserUpdate(callerID, current, proposed); !d.Allowed {
		return nil, false, decisionErr(d)
	}

	switched := proposed.ActiveTenantID != current.ActiveTenantID
	if switched && proposed.ActiveTenantID != "" {
		if err := s.validateSwitchTarget(ctx, callerID, proposed.ActiveTenantID); err != nil {
			return nil, false, err
		}
	}

	expectedRev := proposed.Rev
	proposed.Rev = ""
	proposed.CreatedAt = current.CreatedAt
	proposed.UpdatedAt = time.Now().UTC()

	doc, err := s.putDocument(ctx, key, proposed, expectedRev)
	if err != nil {
		return nil, false, s.mapWriteErr(err, current.Rev)
	}
	proposed.Rev = doc.Rev

	out, err := json.Marshal(proposed)
	return out, switched, err
}

func (s *Service) updateTenant(ctx context.Context, callerID, key string, body json.RawMessage) (json.RawMessage, error) {
	current, err := s.loadTenant(ctx, key)
	if err != nil {
		return nil, err
	}

	proposed := &types.Tenant{}
	if err := json.Unmarshal(body, proposed); err != nil {
		return nil, errValidation("malformed document body")
	}
	if proposed.ID == "" {
		proposed.ID = current.ID
	}
	if proposed.Type == "" {
		proposed.Type = current.Type
	}

	if d := s.evaluator.EvaluateTenantUpdate(callerID, current, proposed); !d.Allowed {
		return nil, decisionErr(d)
	}

	expectedRev := proposed.Rev
	proposed.Rev = ""
	proposed.CreatedAt = current.CreatedAt
	proposed.UpdatedAt = time.Now().UTC()

	doc, err := s.putDocument(ctx, key, proposed, expectedRev)
	if err != nil {
		return nil, s.mapWriteErr(err, current.Rev)
	}
	proposed.Rev = doc.Rev

	return json.Marshal(proposed)
}

// DeleteDocument soft-deletes one document, revision-checked. Returns the
// storage key and the deletion revision.
func (s *Service) DeleteDocument(ctx context.Context, callerID, collection, publicID, rev string) (string, string, error) {
	ctx, span := s.tracer.Start(ctx, "collection.Service.DeleteDocument")
	defer span.End()

	key, err := keys.ToStorageKey(collection, publicID)
	if err != nil {
		return "", "", errValidation(err.Error())
	}

	switch collection {
	case keys.CollectionUsers:
		user, err := s.loadUser(ctx, key)
		if err != nil {
			return "", "", err
		}
		if d := s.evaluator.EvaluateUserDelete(callerID, user); !d.Allowed {
			return "", "", decisionErr(d)
		}
	case keys.CollectionTenants:
		tenant, err := s.loadTenant(ctx, key)
		if err != nil {
			return "", "", err
		}
		caller, err := s.callerUser(ctx, callerID)
		if err != nil {
			return "", "", err
		}
		if d := s.evaluator.EvaluateTenantDelete(caller, tenant); !d.Allowed {
			return "", "", decisionErr(d)
		}
		doc, err := s.store.Delete(ctx, key, rev)
		if err != nil {
			return "", "", s.mapWriteErr(err, tenant.Rev)
		}
		return key, doc.Rev, nil
	default:
		return "", "", errNotFound("unknown collection")
	}

	// User deletes never reach the store; the evaluator denies them all.
	return "", "", errForbidden("user records cannot be deleted")
}

// loadUser reads a user document and surfaces soft-deleted or missing ones
// as the same not-found outcome.
func (s *Service) loadUser(ctx context.Context, key string) (*types.User, error) {
	doc, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, errNotFound("document not found")
		}
		return nil, err
	}

	user := &types.User{}
	if err := json.Unmarshal(doc.Body, user); err != nil {
		return nil, fmt.Errorf("corrupt user document %s: %w", key, err)
	}
	user.Rev = doc.Rev
	user.Deleted = doc.Deleted
	return user, nil
}

func (s *Service) loadTenant(ctx context.Context, key string) (*types.Tenant, error) {
	doc, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, errNotFound("document not found")
		}
		return nil, err
	}

	tenant := &types.Tenant{}
	if err := json.Unmarshal(doc.Body, tenant); err != nil {
		return nil, fmt.Errorf("corrupt tenant document %s: %w", key, err)
	}
	tenant.Rev = doc.Rev
	tenant.Deleted = doc.Deleted
	return tenant, nil
}

// callerUser loads the caller's own user document for decisions that need
// the caller's state, such as the active-tenant delete guard. A caller
// without a user record yet is represented by an empty one.
func (s *Service) callerUser(ctx context.Context, callerID string) (*types.User, error) {
	key, err := keys.UserKey(callerID)
	if err != nil {
		return nil, errValidation(err.Error())
	}
	user, err := s.loadUser(ctx, key)
	if err != nil {
		var gwErr *Error
		if errors.As(err, &gwErr) && gwErr.Code == codeNotFound {
			return &types.User{Sub: callerID, Type: types.TypeUser}, nil
		}
		return nil, err
	}
	return user, nil
}

// putDocument marshals v and writes it at key with the given expected
// revision.
func (s *Service) putDocument(ctx context.Context, key string, v any, expectedRev string) (*docstore.Document, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document %s: %w", key, err)
	}
	return s.store.Put(ctx, key, body, expectedRev)
}

// appendMembership adds a membership entry to a user document, retrying a
// bounded number of times when another writer races the same document. The
// append is idempotent per tenant ID.
func (s *Service) appendMembership(ctx context.Context, userID string, m types.Membership) error {
	key, err := keys.UserKey(userID)
	if err != nil {
		return errValidation(err.Error())
	}

	for attempt := 0; attempt < maxWriteRetries; attempt++ {
		user, err := s.loadUser(ctx, key)
		if err != nil {
			return err
		}
		if _, ok := user.MembershipFor(m.TenantID); ok {
			return nil
		}

		user.Tenants = append(user.Tenants, m)
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
	return fmt.Errorf("membership append for %s lost %d revision races", userID, maxWriteRetries)
}

func (s *Service) mapWriteErr(err error, currentRev string) error {
	switch {
	case errors.Is(err, docstore.ErrRevisionConflict), errors.Is(err, docstore.ErrKeyExists):
		return errConflict(currentRev)
	case errors.Is(err, docstore.ErrNotFound):
		return errNotFound("document not found")
	default:
		return err
	}
}

func decisionErr(d access.Decision) *Error {
	switch d.Reason {
	case access.DenyNotFound:
		return errNotFound("document not found")
	case access.DenyImmutableField:
		return errImmutableField(d.Field)
	default:
		return errForbidden("operation not permitted")
	}
}
