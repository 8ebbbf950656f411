// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package types

import (
	"slices"
	"time"
)

const (
	TypeUser   = "user"
	TypeTenant = "tenant"
	TypeInvite = "invite"
)

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

const (
	InviteStatusPending  = "pending"
	InviteStatusAccepted = "accepted"
	InviteStatusRevoked  = "revoked"
)

// MetadataInvitePolicy is the tenant metadata key controlling who may create
// invitations: "owner" or "admins".
const MetadataInvitePolicy = "invite_policy"

const (
	InvitePolicyOwner  = "owner"
	InvitePolicyAdmins = "admins"
)

// Membership is one entry in a user's tenant list. TenantID is the tenant's
// storage key. The user-side entry and the tenant's member set must stay
// consistent bidirectionally.
type Membership struct {
	TenantID  string    `json:"tenant_id"`
	Role      string    `json:"role"`
	Personal  bool      `json:"personal"`
	InvitedBy string    `json:"invited_by,omitempty"`
	JoinedAt  time.Time `json:"joined_at"`
}

// User is the document stored under a user_<id> key.
type User struct {
	ID             string       `json:"_id"`
	Rev            string       `json:"_rev,omitempty"`
	Type           string       `json:"type"`
	Sub            string       `json:"sub"`
	Name           string       `json:"name,omitempty"`
	Email          string       `json:"email,omitempty"`
	Tenants        []Membership `json:"tenants"`
	ActiveTenantID string       `json:"active_tenant_id,omitempty"`
	Deleted        bool         `json:"_deleted,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// MembershipFor returns the user's membership entry for the given tenant.
func (u *User) MembershipFor(tenantID string) (*Membership, bool) {
	for i := range u.Tenants {
		if u.Tenants[i].TenantID == tenantID {
			return &u.Tenants[i], true
		}
	}
	return nil, false
}

// PersonalTenantID returns the ID of the user's personal tenant, if any.
func (u *User) PersonalTenantID() string {
	for _, m := range u.Tenants {
		if m.Personal {
			return m.TenantID
		}
	}
	return ""
}

// Tenant is the document stored under a tenant_<id> key. OwnerID is immutable
// after creation and always present in UserIDs.
type Tenant struct {
	ID        string            `json:"_id"`
	Rev       string            `json:"_rev,omitempty"`
	Type      string            `json:"type"`
	Name      string            `json:"name"`
	OwnerID   string            `json:"owner_id"`
	UserIDs   []string          `json:"user_ids"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Namespace string            `json:"namespace,omitempty"`
	Personal  bool              `json:"personal,omitempty"`
	Deleted   bool              `json:"_deleted,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// HasMember reports whether the given user identity is in the member set.
func (t *Tenant) HasMember(userID string) bool {
	return slices.Contains(t.UserIDs, userID)
}

// InvitePolicy returns the effective invitation policy for the tenant.
func (t *Tenant) InvitePolicy() string {
	if p, ok := t.Metadata[MetadataInvitePolicy]; ok {
		return p
	}
	if t.Personal {
		return InvitePolicyOwner
	}
	return InvitePolicyAdmins
}

// Invitation is a single-use token bound to one tenant, one target email and
// one proposed role.
type Invitation struct {
	ID        string    `json:"_id"`
	Rev       string    `json:"_rev,omitempty"`
	Type      string    `json:"type"`
	Token     string    `json:"token"`
	TenantID  string    `json:"tenant_id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	InvitedBy string    `json:"invited_by"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the invitation is past its expiry at the given time.
func (i *Invitation) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}
