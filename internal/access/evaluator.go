// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

// Package access decides, per request, whether a caller may read, write or
// delete a document of the virtual collections. The evaluator is stateless
// and consults only the documents involved; nothing is cached between calls.
package access

import (
	"slices"

	"github.com/canonical/doc-gateway/internal/logging"
	"github.com/canonical/doc-gateway/internal/types"
)

type Operation string

const (
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpCreate Operation = "create"
)

type DenyReason string

const (
	// DenyForbidden means the caller is known to lack the right.
	DenyForbidden DenyReason = "forbidden"
	// DenyNotFound masks both genuinely missing documents and documents
	// whose existence must not be disclosed to the caller.
	DenyNotFound DenyReason = "not_found"
	// DenyImmutableField means a write touched a protected attribute.
	DenyImmutableField DenyReason = "immutable_field"
)

// Decision is the outcome of an evaluation. Field is set only for immutable
// field denials and names the offending attribute.
type Decision struct {
	Allowed bool
	Reason  DenyReason
	Field   string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason DenyReason) Decision {
	return Decision{Reason: reason}
}

func denyField(field string) Decision {
	return Decision{Reason: DenyImmutableField, Field: field}
}

type Evaluator struct {
	logger logging.LoggerInterface
}

func NewEvaluator(logger logging.LoggerInterface) *Evaluator {
	return &Evaluator{
		logger: logger,
	}
}

// EvaluateUserRead allows a caller to read only their own record.
func (e *Evaluator) EvaluateUserRead(callerID string, target *types.User) Decision {
	if target.Deleted {
		return deny(DenyNotFound)
	}
	if callerID != target.Sub {
		return deny(DenyForbidden)
	}
	return allow()
}

// EvaluateUserUpdate allows a caller to change only the mutable fields of
// their own record: name, email and the active tenant pointer.
func (e *Evaluator) EvaluateUserUpdate(callerID string, current, proposed *types.User) Decision {
	if current.Deleted {
		return deny(DenyNotFound)
	}
	if callerID != current.Sub {
		return deny(DenyForbidden)
	}

	switch {
	case proposed.ID != current.ID:
		return denyField("_id")
	case proposed.Type != current.Type:
		return denyField("type")
	case proposed.Sub != current.Sub:
		return denyField("sub")
	case proposed.Deleted:
		return denyField("_deleted")
	case !membershipsEqual(proposed.Tenants, current.Tenants):
		return denyField("tenants")
	}

	return allow()
}

// EvaluateUserDelete always denies: a user cannot delete their own record,
// and nobody else may touch it either.
func (e *Evaluator) EvaluateUserDelete(callerID string, target *types.User) Decision {
	if target.Deleted {
		return deny(DenyNotFound)
	}
	if callerID == target.Sub {
		e.logger.Security().AuthzFailure(callerID, "user_self_delete")
	}
	return deny(DenyForbidden)
}

// EvaluateTenantRead allows members to read the tenant. Non-members get the
// same outcome as a genuinely missing ID so existence is never disclosed.
func (e *Evaluator) EvaluateTenantRead(callerID string, target *types.Tenant) Decision {
	if target.Deleted {
		return deny(DenyNotFound)
	}
	if !target.HasMember(callerID) {
		return deny(DenyNotFound)
	}
	return allow()
}

// EvaluateTenantUpdate allows the owner to change name and metadata, nothing
// else.
func (e *Evaluator) EvaluateTenantUpdate(callerID string, current, proposed *types.Tenant) Decision {
	if current.Deleted {
		return deny(DenyNotFound)
	}
	if !current.HasMember(callerID) {
		return deny(DenyNotFound)
	}
	if callerID != current.OwnerID {
		return deny(DenyForbidden)
	}

	switch {
	case proposed.ID != current.ID:
		return denyField("_id")
	case proposed.Type != current.Type:
		return denyField("type")
	case proposed.OwnerID != current.OwnerID:
		return denyField("owner_id")
	case !slices.Equal(proposed.UserIDs, current.UserIDs):
		return denyField("user_ids")
	case proposed.Namespace != current.Namespace:
		return denyField("namespace")
	case proposed.Personal != current.Personal:
		return denyField("personal")
	case proposed.Deleted:
		return denyField("_deleted")
	}

	return allow()
}

// EvaluateTenantDelete allows the owner to soft-delete the tenant, unless the
// tenant is the caller's current active tenant.
func (e *Evaluator) EvaluateTenantDelete(caller *types.User, target *types.Tenant) Decision {
	if target.Deleted {
		return deny(DenyNotFound)
	}
	if !target.HasMember(caller.Sub) {
		return deny(DenyNotFound)
	}
	if caller.Sub != target.OwnerID {
		return deny(DenyForbidden)
	}
	if caller.ActiveTenantID == target.ID {
		e.logger.Security().AuthzFailure(caller.Sub, "active_tenant_delete")
		return deny(DenyForbidden)
	}
	return allow()
}

// EvaluateTenantCreate is always allowed for an authenticated caller; the
// caller becomes owner and sole member.
func (e *Evaluator) EvaluateTenantCreate(callerID string) Decision {
	if callerID == "" {
		return deny(DenyForbidden)
	}
	return allow()
}

// EvaluateInviteCreate applies the tenant's invitation policy: the owner may
// always invite, admins only when the policy allows them.
func (e *Evaluator) EvaluateInviteCreate(caller *types.User, target *types.Tenant) Decision {
	if target.Deleted {
		return deny(DenyNotFound)
	}
	if !target.HasMember(caller.Sub) {
		return deny(DenyNotFound)
	}
	if caller.Sub == target.OwnerID {
		return allow()
	}

	if target.InvitePolicy() == types.InvitePolicyAdmins {
		if m, ok := caller.MembershipFor(target.ID); ok && m.Role == types.RoleAdmin {
			return allow()
		}
	}
	return deny(DenyForbidden)
}

func membershipsEqual(a, b []types.Membership) bool {
	return slices.EqualFunc(a, b, func(x, y types.Membership) bool {
		return x.TenantID == y.TenantID &&
			x.Role == y.Role &&
			x.Personal == y.Personal &&
			x.InvitedBy == y.InvitedBy &&
			x.JoinedAt.Equal(y.JoinedAt)
	})
}
