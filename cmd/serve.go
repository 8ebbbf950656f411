// Copyright 2026 Canonical Ltd.
// SPDX-License-Identifier: AGPL-3.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"github.com/canonical/doc-gateway/internal/config"
	"github.com/canonical/doc-gateway/internal/db"
	"github.com/canonical/doc-gateway/internal/docstore"
	"github.com/canonical/doc-gateway/internal/kratos"
	"github.com/canonical/doc-gateway/internal/logging"
	"github.com/canonical/doc-gateway/internal/monitoring/prometheus"
	"github.com/canonical/doc-gateway/internal/tracing"
	"github.com/canonical/doc-gateway/pkg/authentication"
	"github.com/canonical/doc-gateway/pkg/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve starts the web server",
	Long:  `Launch the web application, list of environment variables is available in the readme`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := serve(); err != nil {
			fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve() error {
	specs := new(config.EnvSpec)
	if err := envconfig.Process("", specs); err != nil {
		panic(fmt.Errorf("issues with environment sourcing: %s", err))
	}

	logger := logging.NewLogger(specs.LogLevel)
	logger.Debugf("env vars: %v", specs)
	defer logger.Sync()

	monitor := prometheus.NewMonitor("doc-gateway", logger)
	tracer := tracing.NewTracer(tracing.NewConfig(specs.TracingEnabled, specs.OtelGRPCEndpoint, specs.OtelHTTPEndpoint, logger))

	store, cleanup, err := newStore(specs, tracer, monitor, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	verifier, err := newVerifier(specs, tracer, monitor, logger)
	if err != nil {
		return err
	}

	kratosClient := kratos.NewClient(
		specs.KratosAdminURL,
		tracer,
		monitor,
		logger,
	)

	router := web.NewRouter(
		web.RouterConfig{
			Store:              store,
			Kratos:             kratosClient,
			Verifier:           verifier,
			InvitationLifetime: specs.InvitationLifetime,
		},
		tracer,
		monitor,
		logger,
	)
	logger.Infof("Starting HTTP server on port %v", specs.Port)

	srv := &http.Server{
		Addr:         fmt.Sprintf("0.0.0.0:%v", specs.Port),
		WriteTimeout: time.Second * 60,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
		Handler:      router,
	}

	var serverError error
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Security().SystemStartup()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverError = fmt.Errorf("server error: %w", err)
			c <- os.Interrupt
		}
	}()

	<-c

	// Create a deadline to wait for.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger.Security().SystemShutdown()
	if err := srv.Shutdown(ctx); err != nil {
		serverError = fmt.Errorf("server shutdown error: %w", err)
	}

	return serverError
}

// newStore picks the document store backend: Postgres when a DSN is set,
// otherwise the embedded single-node store.
func newStore(specs *config.EnvSpec, tracer tracing.TracingInterface, monitor *prometheus.Monitor, logger logging.LoggerInterface) (docstore.ClientInterface, func(), error) {
	if specs.DSN != "" {
		dbConfig := db.Config{
			DSN:             specs.DSN,
			MaxConns:        specs.DBMaxConns,
			MinConns:        specs.DBMinConns,
			MaxConnLifetime: specs.DBMaxConnLifetime,
			MaxConnIdleTime: specs.DBMaxConnIdleTime,
			TracingEnabled:  specs.TracingEnabled,
		}
		dbClient, err := db.NewDBClient(dbConfig, tracer, monitor, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create database client: %v", err)
		}
		return docstore.NewPostgresStore(dbClient, tracer, monitor, logger), func() { dbClient.Close() }, nil
	}

	if specs.BoltPath == "" {
		return nil, nil, fmt.Errorf("either DSN or BOLT_PATH must be set")
	}

	store, err := docstore.NewBoltStore(specs.BoltPath, tracer, monitor, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open document store at %s: %v", specs.BoltPath, err)
	}
	return store, func() { store.Close() }, nil
}

func newVerifier(specs *config.EnvSpec, tracer tracing.TracingInterface, monitor *prometheus.Monitor, logger logging.LoggerInterface) (authentication.TokenVerifierInterface, error) {
	if !specs.AuthenticationEnabled {
		logger.Warn("authentication is disabled, using noop verifier")
		return authentication.NewNoopVerifier(), nil
	}

	return authentication.NewJWTAuthenticator(
		context.Background(),
		specs.OIDCIssuer,
		specs.JWKSURL,
		specs.AllowedSubjects,
		specs.RequiredScope,
		tracer,
		monitor,
		logger,
	)
}
