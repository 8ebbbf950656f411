// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package web

import (
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"
	middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/canonical/doc-gateway/internal/access"
	"github.com/canonical/doc-gateway/internal/docstore"
	"github.com/canonical/doc-gateway/internal/kratos"
	"github.com/canonical/doc-gateway/internal/logging"
	"github.com/canonical/doc-gateway/internal/monitoring"
	"github.com/canonical/doc-gateway/internal/tracing"
	"github.com/canonical/doc-gateway/pkg/authentication"
	"github.com/canonical/doc-gateway/pkg/collection"
	"github.com/canonical/doc-gateway/pkg/metrics"
	"github.com/canonical/doc-gateway/pkg/status"
	"github.com/canonical/doc-gateway/pkg/webhooks"
)

type RouterConfig struct {
	Store              docstore.ClientInterface
	Kratos             kratos.ClientInterface
	Verifier           authentication.TokenVerifierInterface
	InvitationLifetime time.Duration
}

func NewRouter(
	config RouterConfig,
	tracer tracing.TracingInterface,
	monitor monitoring.MonitorInterface,
	logger logging.LoggerInterface,
) http.Handler {
	router := chi.NewMux()

	middlewares := make(chi.Middlewares, 0)
	middlewares = append(
		middlewares,
		middleware.RequestID,
		monitoring.NewMiddleware(monitor, logger).ResponseTime(),
		middlewareCORS([]string{"*"}),
	)
	router.Use(middlewares...)

	metrics.NewAPI(logger).RegisterEndpoints(router)
	status.NewAPI(tracer, monitor, logger).RegisterEndpoints(router)

	service := collection.NewService(
		config.Store,
		access.NewEvaluator(logger),
		config.Kratos,
		config.InvitationLifetime,
		tracer,
		monitor,
		logger,
	)

	webhooks.NewAPI(
		webhooks.NewService(service, tracer, monitor, logger),
	).RegisterEndpoints(router)

	// The collection surface sits behind authentication; a credential with
	// no tenant scope is bootstrapped before it reaches any collection
	// operation.
	collectionAPI := collection.NewAPI(service, tracer, monitor, logger)
	router.Group(func(r chi.Router) {
		r.Use(authentication.NewMiddleware(config.Verifier, tracer, monitor, logger).Authenticate())
		r.Use(collectionAPI.EnsureBootstrapped())
		collectionAPI.RegisterEndpoints(r)
	})

	return tracing.NewMiddleware(monitor, logger).OpenTelemetry(router)
}

func middlewareCORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "If-Match"},
		ExposedHeaders: []string{collection.CredentialRefreshHeader},
		MaxAge:         300,
	})
}
