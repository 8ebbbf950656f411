// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package collection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/canonical/doc-gateway/internal/access"
	"github.com/canonical/doc-gateway/internal/docstore"
	"github.com/canonical/doc-gateway/internal/keys"
	"github.com/canonical/doc-gateway/internal/logging"
	"github.com/canonical/doc-gateway/internal/monitoring"
	"github.com/canonical/doc-gateway/internal/tracing"
	"github.com/canonical/doc-gateway/internal/types"
)

type fakeKratos struct {
	identities map[string]string
}

func (f *fakeKratos) GetIdentityIDByEmail(ctx context.Context, email string) (string, error) {
	return f.identities[email], nil
}

func (f *fakeKratos) CreateIdentity(ctx context.Context, email string) (string, error) {
	if f.identities == nil {
		f.identities = map[string]string{}
	}
	id := "identity-" + email
	f.identities[email] = id
	return id, nil
}

func (f *fakeKratos) CreateRecoveryLink(ctx context.Context, identityID string, expiresIn string) (string, string, error) {
	return "https://kratos.test/recovery", "123456", nil
}

func newTestService(t *testing.T) (*Service, *docstore.InMemoryStore) {
	t.Helper()

	store := docstore.NewInMemoryStore()
	logger := logging.NewNoopLogger()
	svc := NewService(
		store,
		access.NewEvaluator(logger),
		&fakeKratos{},
		24*time.Hour,
		tracing.NewNoopTracer(),
		monitoring.NewNoopMonitor(),
		logger,
	)
	return svc, store
}

// bootstrapUser runs the full bootstrap flow for an identity and returns
// the storage key of its personal tenant.
func bootstrapUser(t *testing.T, svc *Service, sub string) string {
	t.Helper()

	err := svc.Bootstrap(context.Background(), sub, sub+"@example.com", sub)
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		t.Fatalf("bootstrap for %s: expected terminal signal, got %v", sub, err)
	}
	if gwErr.Code != codeCredentialRefresh || !gwErr.Bootstrapped {
		t.Fatalf("bootstrap for %s: expected credential refresh signal, got %+v", sub, gwErr)
	}

	user, err := svc.GetOwnUser(context.Background(), sub)
	if err != nil {
		t.Fatalf("failed to load bootstrapped user %s: %v", sub, err)
	}
	if user.ActiveTenantID == "" {
		t.Fatalf("bootstrapped user %s has no active tenant", sub)
	}
	return user.ActiveTenantID
}

func gatewayErr(t *testing.T, err error) *Error {
	t.Helper()
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	return gwErr
}

func TestCreateTenantRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	bootstrapUser(t, svc, "alice")

	tenant, err := svc.CreateTenant(ctx, "alice", &CreateTenantRequest{Name: "Band"})
	if err != nil {
		t.Fatalf("failed to create tenant: %v", err)
	}
	if tenant.OwnerID != "alice" {
		t.Errorf("expected owner alice, got %s", tenant.OwnerID)
	}
	if len(tenant.UserIDs) != 1 || tenant.UserIDs[0] != "alice" {
		t.Errorf("expected sole member alice, got %v", tenant.UserIDs)
	}

	_, publicID, err := keys.FromStorageKey(tenant.ID)
	if err != nil {
		t.Fatalf("tenant ID %q is not a storage key: %v", tenant.ID, err)
	}

	raw, err := svc.GetDocument(ctx, "alice", keys.CollectionTenants, publicID)
	if err != nil {
		t.Fatalf("failed to fetch created tenant: %v", err)
	}
	fetched := types.Tenant{}
	if err := json.Unmarshal(raw, &fetched); err != nil {
		t.Fatalf("failed to decode tenant: %v", err)
	}
	if fetched.Name != "Band" {
		t.Errorf("expected name Band, got %s", fetched.Name)
	}
	if fetched.ID != tenant.ID {
		t.Errorf("expected storage key %s surfaced, got %s", tenant.ID, fetched.ID)
	}

	// The membership entry must mirror the member set.
	user, err := svc.GetOwnUser(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to load user: %v", err)
	}
	if _, ok := user.MembershipFor(tenant.ID); !ok {
		t.Errorf("expected membership entry for %s, got %v", tenant.ID, user.Tenants)
	}
}

func TestGetDocumentAccess(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	aliceTenant := bootstrapUser(t, svc, "alice")
	bootstrapUser(t, svc, "bob")

	tests := []struct {
		name           string
		caller         string
		collection     string
		id             string
		expectedStatus int
	}{
		{
			name:       "own user record",
			caller:     "alice",
			collection: keys.CollectionUsers,
			id:         "alice",
		},
		{
			name:           "another user's record is forbidden, not masked",
			caller:         "bob",
			collection:     keys.CollectionUsers,
			id:             "alice",
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "missing user record",
			caller:         "alice",
			collection:     keys.CollectionUsers,
			id:             "nobody",
			expectedStatus: http.StatusNotFound,
		},
		{
			name:       "member reads tenant",
			caller:     "alice",
			collection: keys.CollectionTenants,
			id:         mustPublicID(t, aliceTenant),
			expectedStatus: 0,
		},
		{
			name:           "non-member gets same outcome as missing tenant",
			caller:         "bob",
			collection:     keys.CollectionTenants,
			id:             mustPublicID(t, aliceTenant),
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "unknown collection",
			caller:         "alice",
			collection:     "__other",
			id:             "x",
			expectedStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.GetDocument(ctx, tt.caller, tt.collection, tt.id)
			if tt.expectedStatus == 0 {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				return
			}
			if gwErr := gatewayErr(t, err); gwErr.Status != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, gwErr.Status)
			}
		})
	}
}

func TestUpdateTenant(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	bootstrapUser(t, svc, "alice")

	tenant, err := svc.CreateTenant(ctx, "alice", &CreateTenantRequest{Name: "Band"})
	if err != nil {
		t.Fatalf("failed to create tenant: %v", err)
	}
	publicID := mustPublicID(t, tenant.ID)

	t.Run("owner renames tenant", func(t *testing.T) {
		updated := *tenant
		updated.Name = "Bigger Band"
		body, _ := json.Marshal(&updated)

		raw, _, err := svc.UpdateDocument(ctx, "alice", keys.CollectionTenants, publicID, body)
		if err != nil {
			t.Fatalf("expected update to succeed, got %v", err)
		}
		result := types.Tenant{}
		if err := json.Unmarshal(raw, &result); err != nil {
			t.Fatalf("failed to decode: %v", err)
		}
		if result.Name != "Bigger Band" {
			t.Errorf("expected renamed tenant, got %s", result.Name)
		}
		if result.Rev == tenant.Rev {
			t.Errorf("expected a new revision, still %s", result.Rev)
		}
		tenant = &result
	})

	t.Run("immutable member set names the field and leaves the doc alone", func(t *testing.T) {
		updated := *tenant
		updated.UserIDs = append([]string{}, tenant.UserIDs...)
		updated.UserIDs = append(updated.UserIDs, "mallory")
		body, _ := json.Marshal(&updated)

		_, _, err := svc.UpdateDocument(ctx, "alice", keys.CollectionTenants, publicID, body)
		gwErr := gatewayErr(t, err)
		if gwErr.Code != codeImmutableField || gwErr.Field != "user_ids" {
			t.Fatalf("expected immutable_field on user_ids, got %+v", gwErr)
		}

		raw, err := svc.GetDocument(ctx, "alice", keys.CollectionTenants, publicID)
		if err != nil {
			t.Fatalf("failed to re-read tenant: %v", err)
		}
		stored := types.Tenant{}
		if err := json.Unmarshal(raw, &stored); err != nil {
			t.Fatalf("failed to decode: %v", err)
		}
		if stored.Rev != tenant.Rev {
			t.Errorf("rejected write must not advance the revision: %s != %s", stored.Rev, tenant.Rev)
		}
	})

	t.Run("stale revision conflicts and reports the current one", func(t *testing.T) {
		updated := *tenant
		updated.Name = "Stale"
		updated.Rev = "1-deadbeef"
		body, _ := json.Marshal(&updated)

		_, _, err := svc.UpdateDocument(ctx, "alice", keys.CollectionTenants, publicID, body)
		gwErr := gatewayErr(t, err)
		if gwErr.Code != codeConflict {
			t.Fatalf("expected conflict, got %+v", gwErr)
		}
		if gwErr.CurrentRev != tenant.Rev {
			t.Errorf("expected current rev %s in conflict body, got %s", tenant.Rev, gwErr.CurrentRev)
		}
	})

	t.Run("non-owner member cannot update", func(t *testing.T) {
		bootstrapUser(t, svc, "carol")
		addMember(t, svc, tenant.ID, "carol")

		fresh := loadTenant(t, svc, "carol", publicID)
		fresh.Name = "Hijacked"
		body, _ := json.Marshal(fresh)

		_, _, err := svc.UpdateDocument(ctx, "carol", keys.CollectionTenants, publicID, body)
		if gwErr := gatewayErr(t, err); gwErr.Code != codeForbidden {
			t.Fatalf("expected forbidden, got %+v", gwErr)
		}
	})
}

func TestDeleteRules(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	personalKey := bootstrapUser(t, svc, "alice")

	t.Run("self-delete is always denied", func(t *testing.T) {
		user, err := svc.GetOwnUser(ctx, "alice")
		if err != nil {
			t.Fatalf("failed to load user: %v", err)
		}
		_, _, err = svc.DeleteDocument(ctx, "alice", keys.CollectionUsers, "alice", user.Rev)
		if gwErr := gatewayErr(t, err); gwErr.Code != codeForbidden {
			t.Fatalf("expected forbidden, got %+v", gwErr)
		}
	})

	t.Run("active tenant cannot be deleted, even by its owner", func(t *testing.T) {
		tenant := loadTenant(t, svc, "alice", mustPublicID(t, personalKey))
		_, _, err := svc.DeleteDocument(ctx, "alice", keys.CollectionTenants, mustPublicID(t, personalKey), tenant.Rev)
		if gwErr := gatewayErr(t, err); gwErr.Code != codeForbidden {
			t.Fatalf("expected forbidden, got %+v", gwErr)
		}
	})

	t.Run("after switching away the same delete succeeds", func(t *testing.T) {
		other, err := svc.CreateTenant(ctx, "alice", &CreateTenantRequest{Name: "Other"})
		if err != nil {
			t.Fatalf("failed to create tenant: %v", err)
		}
		switchActiveTenant(t, svc, "alice", other.ID)

		tenant := loadTenant(t, svc, "alice", mustPublicID(t, personalKey))
		key, rev, err := svc.DeleteDocument(ctx, "alice", keys.CollectionTenants, mustPublicID(t, personalKey), tenant.Rev)
		if err != nil {
			t.Fatalf("expected delete to succeed, got %v", err)
		}
		if key != personalKey || rev == "" {
			t.Errorf("unexpected delete result %s %s", key, rev)
		}

		// Soft-deleted documents are indistinguishable from missing ones.
		_, err = svc.GetDocument(ctx, "alice", keys.CollectionTenants, mustPublicID(t, personalKey))
		if gwErr := gatewayErr(t, err); gwErr.Code != codeNotFound {
			t.Fatalf("expected not_found after delete, got %+v", gwErr)
		}
	})

	t.Run("non-owner member cannot delete", func(t *testing.T) {
		tenant, err := svc.CreateTenant(ctx, "alice", &CreateTenantRequest{Name: "Shared"})
		if err != nil {
			t.Fatalf("failed to create tenant: %v", err)
		}
		bootstrapUser(t, svc, "dave")
		addMember(t, svc, tenant.ID, "dave")

		fresh := loadTenant(t, svc, "dave", mustPublicID(t, tenant.ID))
		_, _, err = svc.DeleteDocument(ctx, "dave", keys.CollectionTenants, mustPublicID(t, tenant.ID), fresh.Rev)
		if gwErr := gatewayErr(t, err); gwErr.Code != codeForbidden {
			t.Fatalf("expected forbidden, got %+v", gwErr)
		}
	})
}

func TestTenantSwitch(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	bootstrapUser(t, svc, "alice")
	bobTenant := bootstrapUser(t, svc, "bob")

	t.Run("switch to member tenant reports refresh required", func(t *testing.T) {
		tenant, err := svc.CreateTenant(ctx, "alice", &CreateTenantRequest{Name: "Second"})
		if err != nil {
			t.Fatalf("failed to create tenant: %v", err)
		}

		user, err := svc.GetOwnUser(ctx, "alice")
		if err != nil {
			t.Fatalf("failed to load user: %v", err)
		}
		user.ActiveTenantID = tenant.ID
		body, _ := json.Marshal(user)

		_, refresh, err := svc.UpdateDocument(ctx, "alice", keys.CollectionUsers, "alice", body)
		if err != nil {
			t.Fatalf("expected switch to succeed, got %v", err)
		}
		if !refresh {
			t.Errorf("expected credential refresh to be required")
		}
	})

	t.Run("switch to non-member tenant is masked as not found", func(t *testing.T) {
		user, err := svc.GetOwnUser(ctx, "alice")
		if err != nil {
			t.Fatalf("failed to load user: %v", err)
		}
		user.ActiveTenantID = bobTenant
		body, _ := json.Marshal(user)

		_, _, err = svc.UpdateDocument(ctx, "alice", keys.CollectionUsers, "alice", body)
		if gwErr := gatewayErr(t, err); gwErr.Code != codeNotFound {
			t.Fatalf("expected not_found, got %+v", gwErr)
		}
	})
}

func TestListCallerTenants(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	personalKey := bootstrapUser(t, svc, "alice")

	band, err := svc.CreateTenant(ctx, "alice", &CreateTenantRequest{Name: "Band"})
	if err != nil {
		t.Fatalf("failed to create tenant: %v", err)
	}

	tenants, err := svc.ListCallerTenants(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to list tenants: %v", err)
	}
	if len(tenants) != 2 {
		t.Fatalf("expected 2 tenants, got %d", len(tenants))
	}

	seen := map[string]bool{}
	for _, tenant := range tenants {
		seen[tenant.ID] = true
	}
	if !seen[personalKey] || !seen[band.ID] {
		t.Errorf("expected %s and %s, got %v", personalKey, band.ID, seen)
	}
}

// mustPublicID strips the collection prefix off a storage key.
func mustPublicID(t *testing.T, key string) string {
	t.Helper()
	_, publicID, err := keys.FromStorageKey(key)
	if err != nil {
		t.Fatalf("invalid storage key %q: %v", key, err)
	}
	return publicID
}

func loadTenant(t *testing.T, svc *Service, caller, publicID string) *types.Tenant {
	t.Helper()
	raw, err := svc.GetDocument(context.Background(), caller, keys.CollectionTenants, publicID)
	if err != nil {
		t.Fatalf("failed to load tenant %s: %v", publicID, err)
	}
	tenant := &types.Tenant{}
	if err := json.Unmarshal(raw, tenant); err != nil {
		t.Fatalf("failed to decode tenant: %v", err)
	}
	return tenant
}

// addMember joins a user to a tenant directly through the service internals,
// standing in for a completed invitation flow.
func addMember(t *testing.T, svc *Service, tenantKey, userID string) {
	t.Helper()
	if _, err := svc.addTenantMember(context.Background(), tenantKey, userID); err != nil {
		t.Fatalf("failed to add member %s to %s: %v", userID, tenantKey, err)
	}
	m := types.Membership{TenantID: tenantKey, Role: types.RoleMember, JoinedAt: time.Now().UTC()}
	if err := svc.appendMembership(context.Background(), userID, m); err != nil {
		t.Fatalf("failed to append membership for %s: %v", userID, err)
	}
}

func switchActiveTenant(t *testing.T, svc *Service, caller, tenantKey string) {
	t.Helper()
	user, err := svc.GetOwnUser(context.Background(), caller)
	if err != nil {
		t.Fatalf("failed to load user %s: %v", caller, err)
	}
	user.ActiveTenantID = tenantKey
	body, err := json.Marshal(user)
	if err != nil {
		t.Fatalf("failed to marshal user: %v", err)
	}
	if _, _, err := svc.UpdateDocument(context.Background(), caller, keys.CollectionUsers, caller, body); err != nil {
		t.Fatalf("failed to switch active tenant: %v", err)
	}
}
