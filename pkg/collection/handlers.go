// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package collection

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/canonical/doc-gateway/internal/keys"
	"github.com/canonical/doc-gateway/internal/logging"
	"github.com/canonical/doc-gateway/internal/monitoring"
	"github.com/canonical/doc-gateway/internal/tracing"
	"github.com/canonical/doc-gateway/pkg/authentication"
)

type API struct {
	service  ServiceInterface
	validate *validator.Validate

	tracer  tracing.TracingInterface
	monitor monitoring.MonitorInterface
	logger  logging.LoggerInterface
}

func NewAPI(
	service ServiceInterface,
	tracer tracing.TracingInterface,
	monitor monitoring.MonitorInterface,
	logger logging.LoggerInterface,
) *API {
	return &API{
		service:  service,
		validate: validator.New(),
		tracer:   tracer,
		monitor:  monitor,
		logger:   logger,
	}
}

func (a *API) RegisterEndpoints(mux chi.Router) {
	mux.Get("/{collection}", a.handleGetCollection)
	mux.Post("/{collection}", a.handleCreate)
	mux.Get("/{collection}/_changes", a.handleChanges)
	mux.Post("/{collection}/_bulk_docs", a.handleBulkDocs)
	mux.Get("/{collection}/{id}", a.handleGetDocument)
	mux.Put("/{collection}/{id}", a.handlePutDocument)
	mux.Delete("/{collection}/{id}", a.handleDeleteDocument)

	mux.Post("/{collection}/{id}/invitations", a.handleCreateInvitation)
	mux.Post("/invitations/{token}/accept", a.handleAcceptInvitation)
	mux.Delete("/invitations/{token}", a.handleRevokeInvitation)
}

// EnsureBootstrapped intercepts callers whose credential carries no tenant
// scope and runs the bootstrap flow instead of the requested operation. The
// response is always the credential-refresh signal, so a fresh credential
// is in hand before any collection operation executes.
func (a *API) EnsureBootstrapped() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := authentication.PrincipalFromContext(r.Context())
			if !ok || principal.ActiveTenantID != "" {
				next.ServeHTTP(w, r)
				return
			}

			err := a.service.Bootstrap(r.Context(), principal.Subject, principal.Email, principal.Name)
			if err == nil {
				// Bootstrap reports its terminal outcome as an error value.
				err = errCredentialRefresh("", true)
			}
			writeError(w, a.logger, err)
		})
	}
}

func (a *API) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "collection.API.handleGetCollection")
	defer span.End()

	principal, ok := authentication.PrincipalFromContext(ctx)
	if !ok {
		a.unauthorized(w)
		return
	}

	switch chi.URLParam(r, "collection") {
	case keys.CollectionUsers:
		user, err := a.service.GetOwnUser(ctx, principal.Subject)
		if err != nil {
			writeError(w, a.logger, err)
			return
		}
		a.writeJSON(w, http.StatusOK, user)
	case keys.CollectionTenants:
		tenants, err := a.service.ListCallerTenants(ctx, principal.Subject)
		if err != nil {
			writeError(w, a.logger, err)
			return
		}
		a.writeJSON(w, http.StatusOK, tenants)
	default:
		writeError(w, a.logger, errNotFound("unknown collection"))
	}
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "collection.API.handleCreate")
	defer span.End()

	principal, ok := authentication.PrincipalFromContext(ctx)
	if !ok {
		a.unauthorized(w)
		return
	}

	if chi.URLParam(r, "collection") != keys.CollectionTenants {
		writeError(w, a.logger, errForbidden("only tenants can be created through this interface"))
		return
	}

	req := &CreateTenantRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, a.logger, errValidation("malformed request body"))
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, a.logger, errValidation(err.Error()))
		return
	}

	tenant, err := a.service.CreateTenant(ctx, principal.Subject, req)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, tenant)
}

func (a *API) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "collection.API.handleGetDocument")
	defer span.End()

	principal, ok := authentication.PrincipalFromContext(ctx)
	if !ok {
		a.unauthorized(w)
		return
	}

	doc, err := a.service.GetDocument(ctx, principal.Subject, chi.URLParam(r, "collection"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	a.writeRaw(w, http.StatusOK, doc)
}

func (a *API) handlePutDocument(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "collection.API.handlePutDocument")
	defer span.End()

	principal, ok := authentication.PrincipalFromContext(ctx)
	if !ok {
		a.unauthorized(w)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, a.logger, errValidation("failed to read request body"))
		return
	}

	doc, refresh, err := a.service.UpdateDocument(ctx, principal.Subject, chi.URLParam(r, "collection"), chi.URLParam(r, "id"), body)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	if refresh {
		w.Header().Set(CredentialRefreshHeader, "required")
	}
	a.writeRaw(w, http.StatusOK, doc)
}

func (a *API) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "collection.API.handleDeleteDocument")
	defer span.End()

	principal, ok := authentication.PrincipalFromContext(ctx)
	if !ok {
		a.unauthorized(w)
		return
	}

	rev := r.URL.Query().Get("rev")
	if rev == "" {
		rev = r.Header.Get("If-Match")
	}

	key, newRev, err := a.service.DeleteDocument(ctx, principal.Subject, chi.URLParam(r, "collection"), chi.URLParam(r, "id"), rev)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": key, "rev": newRev})
}

func (a *API) handleChanges(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "collection.API.handleChanges")
	defer span.End()

	principal, ok := authentication.PrincipalFromContext(ctx)
	if !ok {
		a.unauthorized(w)
		return
	}

	opts := ChangesOptions{}
	q := r.URL.Query()
	if v := q.Get("since"); v != "" {
		since, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, a.logger, errValidation("since must be a sequence number"))
			return
		}
		opts.Since = since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, a.logger, errValidation("limit must be a non-negative integer"))
			return
		}
		opts.Limit = limit
	}
	opts.IncludeDocs = q.Get("include_docs") == "true"

	result, err := a.service.Changes(ctx, principal.Subject, chi.URLParam(r, "collection"), opts)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	a.writeJSON(w, http.StatusOK, result)
}

func (a *API) handleBulkDocs(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "collection.API.handleBulkDocs")
	defer span.End()

	principal, ok := authentication.PrincipalFromContext(ctx)
	if !ok {
		a.unauthorized(w)
		return
	}

	req := struct {
		Docs []json.RawMessage `json:"docs"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, a.logger, errValidation("malformed request body"))
		return
	}

	results, refresh := a.service.ApplyBulk(ctx, principal.Subject, chi.URLParam(r, "collection"), req.Docs)
	if refresh {
		w.Header().Set(CredentialRefreshHeader, "required")
	}
	a.writeJSON(w, http.StatusOK, results)
}

type createInvitationRequest struct {
	Email string `json:"email" validate:"required,email"`
	Role  string `json:"role" validate:"required,oneof=admin member"`
}

func (a *API) handleCreateInvitation(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "collection.API.handleCreateInvitation")
	defer span.End()

	principal, ok := authentication.PrincipalFromContext(ctx)
	if !ok {
		a.unauthorized(w)
		return
	}

	if chi.URLParam(r, "collection") != keys.CollectionTenants {
		writeError(w, a.logger, errNotFound("unknown collection"))
		return
	}

	req := &createInvitationRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, a.logger, errValidation("malformed request body"))
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, a.logger, errValidation(err.Error()))
		return
	}

	invitation, err := a.service.CreateInvitation(ctx, principal.Subject, chi.URLParam(r, "id"), req.Email, req.Role)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, invitation)
}

func (a *API) handleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "collection.API.handleAcceptInvitation")
	defer span.End()

	principal, ok := authentication.PrincipalFromContext(ctx)
	if !ok {
		a.unauthorized(w)
		return
	}

	tenant, err := a.service.AcceptInvitation(ctx, principal.Subject, principal.Email, chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	a.writeJSON(w, http.StatusOK, tenant)
}

func (a *API) handleRevokeInvitation(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "collection.API.handleRevokeInvitation")
	defer span.End()

	principal, ok := authentication.PrincipalFromContext(ctx)
	if !ok {
		a.unauthorized(w)
		return
	}

	if err := a.service.RevokeInvitation(ctx, principal.Subject, chi.URLParam(r, "token")); err != nil {
		writeError(w, a.logger, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) unauthorized(w http.ResponseWriter) {
	writeError(w, a.logger, &Error{
		Status:  http.StatusUnauthorized,
		Code:    "unauthorized",
		Message: "authentication required",
	})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Errorf("failed to encode response: %v", err)
	}
}

func (a *API) writeRaw(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		a.logger.Errorf("failed to write response: %v", err)
	}
}
