package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"

	"moldflow/backend/internal/api"
	"moldflow/backend/internal/auth"
	"moldflow/backend/internal/config"
	"moldflow/backend/internal/logging"
	"moldflow/backend/internal/mcp"
	"moldflow/backend/internal/notify"
	"moldflow/backend/internal/services"
	"moldflow/backend/internal/tls"
	"moldflow/backend/internal/workflow"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, MCP endpoint and notification pipeline",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"okta_client_id", cfg.Auth.ClientID,
		"okta_domain", cfg.Auth.OktaDomain,
		"secret_len", len(cfg.Auth.ClientSecret),
		"swagger_client_id", cfg.Auth.SwaggerClientID,
		"db_driver", cfg.DB.Driver,
		"config_file", cfg.ConfigFile,
	)
	if cfg.Auth.SwaggerClientID != "" && cfg.Auth.SwaggerClientID == cfg.Auth.ClientID {
		logger.Warn("Swagger client ID matches the backend client ID. PKCE login from the docs page will fail if the backend is a web app with a secret.")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting Moldflow workflow service")

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("database initialization failed: %w", err)
	}
	defer store.Close()
	logger.Info("Database connected", "driver", cfg.DB.Driver)

	machine := workflow.Default()
	gate, err := auth.LoadGate(cfg.Policy.File)
	if err != nil {
		return err
	}
	if err := gate.Validate(machine); err != nil {
		return fmt.Errorf("role policy does not cover the workflows: %w", err)
	}

	svc := services.NewWorkflowService(store, machine, gate)
	hub := notify.NewHub(logger.With("component", "hub"))

	opts := []notify.DispatcherOption{notify.WithHub(hub)}
	if wh := services.NewHTTPWebhook(cfg.Notifications.WebhookURL, cfg.Notifications.WebhookTimeout); wh != nil {
		opts = append(opts, notify.WithWebhook(wh))
		logger.Info("Notification webhook enabled", "url", cfg.Notifications.WebhookURL)
	}
	dispatcher := notify.NewDispatcher(store, machine, logger.With("component", "dispatcher"), opts...)

	pubsub := notify.NewPubSub(logger)
	defer pubsub.Close()
	router, err := notify.NewRouter(pubsub, dispatcher, cfg.Notifications.MaxRetries, logger)
	if err != nil {
		return err
	}
	relay := notify.NewRelay(store, pubsub, cfg.Notifications.BatchSize, logger.With("component", "relay"))

	logger.Info("Service layer initialized")

	authz, err := auth.New(ctx, cfg, store, logger)
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}

	e := newEcho(cfg, logger, authz, svc, hub, api.NewHandler(store))

	addr := cfg.Server.Address
	if cfg.TLS.Enable {
		addr = cfg.Server.TLSAddress
		if err := prepareTLS(cfg, logger); err != nil {
			return err
		}
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return router.Run(gctx)
	})

	g.Go(func() error {
		// Events published before the handler subscribes would be lost.
		select {
		case <-router.Running():
		case <-gctx.Done():
			return nil
		}
		return relay.Run(gctx, cfg.Notifications.RelaySchedule)
	})

	g.Go(func() error {
		logger.Info("Server starting", "address", addr, "tls", cfg.TLS.Enable)
		var err error
		if cfg.TLS.Enable {
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("Server stopped gracefully")
	return nil
}

func newEcho(cfg *config.Config, logger *logging.Logger, authz *auth.Auth, svc *services.WorkflowService, hub *notify.Hub, health *api.Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler(logger)

	// Middleware
	e.Use(otelecho.Middleware("moldflow"))
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Register auth handlers
	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	// Mount REST API handlers
	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	api.RegisterHandlers(apiGroup, api.NewServer(svc, hub))
	logger.Info("REST API handlers mounted")

	// Mount MCP protocol handlers
	mcpServer := mcp.NewServer(svc)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	mcpHandler := echo.WrapHandler(authz.RequireAuth(mcpHandlers))
	e.Any("/mcp", mcpHandler)
	e.Any("/mcp/*", mcpHandler)
	logger.Info("MCP protocol handlers mounted")

	e.GET("/healthz", echo.WrapHandler(http.HandlerFunc(health.HandleHealth)))

	// expose OpenAPI spec (with runtime substitution) and Swagger UI
	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler(cfg.Auth.OktaDomain)))
	e.GET("/docs", echo.WrapHandler(api.SwaggerHandler(cfg.Auth.OktaDomain, cfg.Auth.SwaggerClientID)))
	e.GET("/docs/oauth2-redirect.html", echo.WrapHandler(api.OAuth2RedirectHandler()))

	return e
}

func prepareTLS(cfg *config.Config, logger *logging.Logger) error {
	if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
		return errors.New("TLS enabled but cert/key file not provided")
	}
	if len(cfg.TLS.Hostnames) == 0 {
		return nil
	}
	created, err := tls.EnsureCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
	if err != nil {
		return fmt.Errorf("failed to generate self-signed cert: %w", err)
	}
	if created {
		logger.Warn("Generated self-signed certificate", "cert", cfg.TLS.CertFile, "hosts", cfg.TLS.Hostnames)
	}
	return nil
}
