// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package collection

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/canonical/doc-gateway/internal/logging"
)

// CredentialRefreshHeader signals that the caller must obtain a fresh
// credential before retrying, because the tenant scope it carries is stale.
const CredentialRefreshHeader = "X-Credential-Refresh"

const (
	codeForbidden         = "forbidden"
	codeNotFound          = "not_found"
	codeImmutableField    = "immutable_field"
	codeConflict          = "conflict"
	codeCredentialRefresh = "credential_refresh_required"
	codeValidation        = "validation_error"
	codeInternal          = "internal"
)

// Error is the uniform caller-visible error body. Context fields are set
// only when the code calls for them: Field for immutable-field violations,
// CurrentRev for conflicts, ActiveTenantID and Bootstrapped for
// credential-refresh signals.
type Error struct {
	Status         int    `json:"status"`
	Code           string `json:"error"`
	Message        string `json:"message"`
	Field          string `json:"field,omitempty"`
	CurrentRev     string `json:"current_rev,omitempty"`
	ActiveTenantID string `json:"active_tenant_id,omitempty"`
	Bootstrapped   bool   `json:"bootstrapped,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

func errForbidden(message string) *Error {
	return &Error{Status: http.StatusForbidden, Code: codeForbidden, Message: message}
}

func errNotFound(message string) *Error {
	return &Error{Status: http.StatusNotFound, Code: codeNotFound, Message: message}
}

func errImmutableField(field string) *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Code:    codeImmutableField,
		Message: "attempted write to immutable field",
		Field:   field,
	}
}

func errConflict(currentRev string) *Error {
	return &Error{
		Status:     http.StatusConflict,
		Code:       codeConflict,
		Message:    "document revision is stale",
		CurrentRev: currentRev,
	}
}

func errValidation(message string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: codeValidation, Message: message}
}

func errCredentialRefresh(activeTenantID string, bootstrapped bool) *Error {
	return &Error{
		Status:         http.StatusUnauthorized,
		Code:           codeCredentialRefresh,
		Message:        "credential refresh required",
		ActiveTenantID: activeTenantID,
		Bootstrapped:   bootstrapped,
	}
}

// IsCredentialRefresh reports whether err is the terminal signal of a
// completed bootstrap or tenant switch, as opposed to a real failure.
func IsCredentialRefresh(err error) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.Code == codeCredentialRefresh
}

// writeError renders any error as the uniform body shape. Errors that are
// not *Error are masked as a generic internal failure so store internals
// never leak to the caller.
func writeError(w http.ResponseWriter, logger logging.LoggerInterface, err error) {
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		logger.Errorf("internal error: %v", err)
		gwErr = &Error{
			Status:  http.StatusInternalServerError,
			Code:    codeInternal,
			Message: "internal server error",
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if gwErr.Code == codeCredentialRefresh {
		w.Header().Set(CredentialRefreshHeader, "required")
	}
	w.WriteHeader(gwErr.Status)
	if err := json.NewEncoder(w).Encode(gwErr); err != nil {
		logger.Errorf("failed to encode error response: %v", err)
	}
}
