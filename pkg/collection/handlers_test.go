// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package collection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	chi "github.com/go-chi/chi/v5"

	"github.com/canonical/doc-gateway/internal/keys"
	"github.com/canonical/doc-gateway/internal/logging"
	"github.com/canonical/doc-gateway/internal/monitoring"
	"github.com/canonical/doc-gateway/internal/tracing"
	"github.com/canonical/doc-gateway/internal/types"
	"github.com/canonical/doc-gateway/pkg/authentication"
)

func newTestAPI(t *testing.T) (*API, *Service, *chi.Mux) {
	t.Helper()

	svc, _ := newTestService(t)
	api := NewAPI(svc, tracing.NewNoopTracer(), monitoring.NewNoopMonitor(), logging.NewNoopLogger())

	mux := chi.NewMux()
	mux.Use(api.EnsureBootstrapped())
	api.RegisterEndpoints(mux)
	return api, svc, mux
}

// do issues a request as the given caller. An empty subject leaves the
// request unauthenticated.
func do(t *testing.T, mux *chi.Mux, subject, activeTenant, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	if subject != "" {
		principal := &authentication.Principal{
			Subject:        subject,
			Email:          subject + "@example.com",
			ActiveTenantID: activeTenant,
		}
		req = req.WithContext(authentication.WithPrincipal(req.Context(), principal))
	}

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestHandlersBootstrapInterception(t *testing.T) {
	_, svc, mux := newTestAPI(t)

	// A caller with no tenant scope gets bootstrapped instead of served.
	rr := do(t, mux, "alice", "", http.MethodGet, "/__users/alice", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if rr.Header().Get(CredentialRefreshHeader) == "" {
		t.Errorf("expected %s header", CredentialRefreshHeader)
	}

	errBody := Error{}
	if err := json.Unmarshal(rr.Body.Bytes(), &errBody); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if !errBody.Bootstrapped || errBody.Code != codeCredentialRefresh {
		t.Errorf("expected bootstrapped refresh signal, got %+v", errBody)
	}

	user, err := svc.GetOwnUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("bootstrap did not provision the user: %v", err)
	}

	// With a scoped credential the same request is served normally.
	rr = do(t, mux, "alice", user.ActiveTenantID, http.MethodGet, "/__users/alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHandlersDocumentLifecycle(t *testing.T) {
	_, svc, mux := newTestAPI(t)
	scope := bootstrapUser(t, svc, "alice")

	rr := do(t, mux, "alice", scope, http.MethodPost, "/__tenants", map[string]string{"name": "Band"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	tenant := types.Tenant{}
	if err := json.Unmarshal(rr.Body.Bytes(), &tenant); err != nil {
		t.Fatalf("failed to decode tenant: %v", err)
	}
	path := fmt.Sprintf("/__tenants/%s", mustPublicID(t, tenant.ID))

	rr = do(t, mux, "alice", scope, http.MethodGet, path, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	tenant.Name = "Renamed"
	rr = do(t, mux, "alice", scope, http.MethodPut, path, &tenant)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	updated := types.Tenant{}
	if err := json.Unmarshal(rr.Body.Bytes(), &updated); err != nil {
		t.Fatalf("failed to decode updated tenant: %v", err)
	}

	rr = do(t, mux, "alice", scope, http.MethodDelete, path+"?rev="+updated.Rev, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	deleted := map[string]any{}
	if err := json.Unmarshal(rr.Body.Bytes(), &deleted); err != nil {
		t.Fatalf("failed to decode delete response: %v", err)
	}
	if deleted["ok"] != true || deleted["id"] != tenant.ID {
		t.Errorf("unexpected delete response %v", deleted)
	}

	rr = do(t, mux, "alice", scope, http.MethodGet, path, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected deleted tenant to read as 404, got %d", rr.Code)
	}
}

func TestHandlersErrorBodies(t *testing.T) {
	_, svc, mux := newTestAPI(t)
	aliceScope := bootstrapUser(t, svc, "alice")
	bootstrapUser(t, svc, "bob")

	tests := []struct {
		name           string
		method         string
		path           string
		body           any
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "unauthenticated request",
			method:         http.MethodGet,
			path:           "/__users/alice",
			expectedStatus: http.StatusUnauthorized,
			expectedCode:   "unauthorized",
		},
		{
			name:           "foreign user doc is forbidden",
			method:         http.MethodGet,
			path:           "/__users/bob",
			expectedStatus: http.StatusForbidden,
			expectedCode:   codeForbidden,
		},
		{
			name:           "self-delete denied",
			method:         http.MethodDelete,
			path:           "/__users/alice",
			expectedStatus: http.StatusForbidden,
			expectedCode:   codeForbidden,
		},
		{
			name:           "tenant create without name",
			method:         http.MethodPost,
			path:           "/__tenants",
			body:           map[string]string{},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   codeValidation,
		},
		{
			name:           "user create via POST",
			method:         http.MethodPost,
			path:           "/__users",
			body:           map[string]string{"sub": "mallory"},
			expectedStatus: http.StatusForbidden,
			expectedCode:   codeForbidden,
		},
		{
			name:           "unknown collection",
			method:         http.MethodGet,
			path:           "/__widgets/one",
			expectedStatus: http.StatusNotFound,
			expectedCode:   codeNotFound,
		},
		{
			name:           "bad changes parameters",
			method:         http.MethodGet,
			path:           "/__tenants/_changes?since=abc",
			expectedStatus: http.StatusBadRequest,
			expectedCode:   codeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject := "alice"
			scope := aliceScope
			if tt.expectedCode == "unauthorized" {
				subject, scope = "", ""
			}

			rr := do(t, mux, subject, scope, tt.method, tt.path, tt.body)
			if rr.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.expectedStatus, rr.Code, rr.Body.String())
			}

			errBody := Error{}
			if err := json.Unmarshal(rr.Body.Bytes(), &errBody); err != nil {
				t.Fatalf("failed to decode error body: %v", err)
			}
			if errBody.Code != tt.expectedCode {
				t.Errorf("expected code %s, got %s", tt.expectedCode, errBody.Code)
			}
			if errBody.Status != tt.expectedStatus {
				t.Errorf("error body status %d does not match HTTP status %d", errBody.Status, tt.expectedStatus)
			}
		})
	}
}

func TestHandlersChangesAndBulk(t *testing.T) {
	_, svc, mux := newTestAPI(t)
	scope := bootstrapUser(t, svc, "alice")

	rr := do(t, mux, "alice", scope, http.MethodGet, "/__tenants/_changes?include_docs=true", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	feed := ChangesResult{}
	if err := json.Unmarshal(rr.Body.Bytes(), &feed); err != nil {
		t.Fatalf("failed to decode feed: %v", err)
	}
	if len(feed.Results) != 1 || feed.Results[0].Doc == nil {
		t.Fatalf("expected alice's personal tenant with body, got %+v", feed)
	}

	rr = do(t, mux, "alice", scope, http.MethodPost, "/__tenants/_bulk_docs", map[string]any{
		"docs": []map[string]any{
			{"_id": "one", "name": "One"},
			{"_id": "user_bob", "_rev": "1-abc", "name": "Nope"},
		},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	results := []BulkResult{}
	if err := json.Unmarshal(rr.Body.Bytes(), &results); err != nil {
		t.Fatalf("failed to decode results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !results[0].OK {
		t.Errorf("expected create to succeed, got %+v", results[0])
	}
	if results[0].OK && !keys.IsTenantKey(results[0].ID) {
		t.Errorf("expected a tenant storage key, got %s", results[0].ID)
	}
	if results[1].OK || results[1].Error != codeValidation {
		t.Errorf("expected cross-collection item to fail validation, got %+v", results[1])
	}
	if rr.Header().Get(CredentialRefreshHeader) != "" {
		t.Errorf("batch without a tenant switch must not set %s", CredentialRefreshHeader)
	}
}

func TestHandlersTenantSwitchSetsRefreshHeader(t *testing.T) {
	_, svc, mux := newTestAPI(t)
	scope := bootstrapUser(t, svc, "alice")

	tenant, err := svc.CreateTenant(context.Background(), "alice", &CreateTenantRequest{Name: "Second"})
	if err != nil {
		t.Fatalf("failed to create tenant: %v", err)
	}

	user, err := svc.GetOwnUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("failed to load user: %v", err)
	}
	user.ActiveTenantID = tenant.ID

	rr := do(t, mux, "alice", scope, http.MethodPut, "/__users/alice", user)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get(CredentialRefreshHeader) == "" {
		t.Errorf("expected %s header on tenant switch", CredentialRefreshHeader)
	}
}

func TestHandlersBulkTenantSwitchSetsRefreshHeader(t *testing.T) {
	_, svc, mux := newTestAPI(t)
	scope := bootstrapUser(t, svc, "alice")

	tenant, err := svc.CreateTenant(context.Background(), "alice", &CreateTenantRequest{Name: "Second"})
	if err != nil {
		t.Fatalf("failed to create tenant: %v", err)
	}

	user, err := svc.GetOwnUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("failed to load user: %v", err)
	}
	user.ActiveTenantID = tenant.ID

	rr := do(t, mux, "alice", scope, http.MethodPost, "/__users/_bulk_docs", map[string]any{
		"docs": []any{user},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	results := []BulkResult{}
	if err := json.Unmarshal(rr.Body.Bytes(), &results); err != nil {
		t.Fatalf("failed to decode results: %v", err)
	}
	if len(results) != 1 || !results[0].OK {
		t.Fatalf("expected the switch item to succeed, got %+v", results)
	}
	if rr.Header().Get(CredentialRefreshHeader) == "" {
		t.Errorf("expected %s header on tenant switch via batch", CredentialRefreshHeader)
	}
}
