// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/ory/hydra/v2/oauth2"
)

type stubService struct {
	registered   []string
	hookResponse *TokenHookResponse
	err          error
}

func (s *stubService) HandleRegistration(ctx context.Context, identityID, email string) error {
	if s.err != nil {
		return s.err
	}
	s.registered = append(s.registered, identityID)
	return nil
}

func (s *stubService) HandleTokenHook(ctx context.Context, req *oauth2.TokenHookRequest) (*TokenHookResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.hookResponse, nil
}

func TestRegistrationEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		serviceErr     error
		expectedStatus int
	}{
		{
			name:           "valid registration",
			body:           `{"id": "user-123", "traits": {"email": "user@example.com"}}`,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "malformed body",
			body:           `{"id":`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "provisioning failure",
			body:           `{"id": "user-123", "traits": {"email": "user@example.com"}}`,
			serviceErr:     fmt.Errorf("store unavailable"),
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubService{err: tt.serviceErr}
			mux := chi.NewMux()
			NewAPI(stub).RegisterEndpoints(mux)

			req := httptest.NewRequest(http.MethodPost, "/webhooks/registration", bytes.NewBufferString(tt.body))
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rr.Code)
			}
		})
	}
}

func TestTokenHookEndpoint(t *testing.T) {
	hookResponse := &TokenHookResponse{}
	hookResponse.Session.IDToken = map[string]interface{}{"active_tenant_id": "tenant_abc"}

	stub := &stubService{hookResponse: hookResponse}
	mux := chi.NewMux()
	NewAPI(stub).RegisterEndpoints(mux)

	body, err := json.Marshal(&oauth2.TokenHookRequest{Session: oauth2.NewSession("user-123")})
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/token", bytes.NewBuffer(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	result := TokenHookResponse{}
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result.Session.IDToken["active_tenant_id"] != "tenant_abc" {
		t.Errorf("expected active tenant claim, got %v", result.Session.IDToken)
	}
}
