package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dentdesk/dentdesk/internal/config"
	"github.com/dentdesk/dentdesk/internal/domain/account"
	"github.com/dentdesk/dentdesk/internal/domain/clinic"
	"github.com/dentdesk/dentdesk/internal/platform/auth"
	"github.com/dentdesk/dentdesk/internal/platform/db"
	"github.com/dentdesk/dentdesk/internal/platform/metrics"
	"github.com/dentdesk/dentdesk/internal/platform/middleware"
	"github.com/dentdesk/dentdesk/internal/platform/websocket"
	"github.com/dentdesk/dentdesk/internal/workspace"
)

const (
	version         = "0.1.0"
	sessionEvents   = "/api/v1/session/events"
	sweepInterval   = time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dentdesk",
		Short: "Dental practice patients, appointments and staff accounts",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(profilesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env string, w io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// loadConfig loads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// authRateLimit is the limiter config of the sign-in, sign-up and password
// reset endpoints.
func authRateLimit(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	return rl
}

// streaming reports whether a request holds its connection open, so the
// request timeout must not apply.
func streaming(c echo.Context) bool {
	return c.Request().URL.Path == sessionEvents
}

// spaSkipper keeps API and operational paths away from the static file
// fallback.
func spaSkipper(c echo.Context) bool {
	p := c.Request().URL.Path
	return auth.IsAPIPath(p) || p == "/metrics" || strings.HasPrefix(p, "/health")
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"), os.Stdout)

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid timezone")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector("dentdesk", nil)

	be, err := openBackends(ctx, cfg, logger, collector)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open backends")
	}
	defer be.Close()

	pending := be.Pending()
	hub := websocket.NewHub(logger)

	registry := workspace.NewRegistry(workspace.Config{
		NewClient:    be.NewClient,
		Pending:      pending,
		SiteURL:      cfg.SiteURL,
		Location:     loc,
		IdleTimeout:  cfg.WorkspaceIdleTimeout,
		Observer:     collector,
		Events:       hub,
		Logger:       logger,
		SecureCookie: cfg.IsProduction(),
	})
	defer registry.Close()
	go registry.Run(ctx, sweepInterval)

	reconciler := account.NewProfileReconciler(be.ServiceTables(), pending, logger).
		OnRetry(func(res account.RetryResult) { collector.ObserveRetry(res.Created, res.Failed) })
	if cfg.PendingRetryInterval > 0 {
		go reconciler.Run(ctx, cfg.PendingRetryInterval)
	}

	collector.Gauge("workspaces", "open", "Open browser workspaces.", func() float64 { return float64(registry.Len()) })
	collector.Gauge("websocket", "clients", "Connected websocket clients.", func() float64 { return float64(hub.ClientCount()) })

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders:     []string{"Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}))
	e.Use(collector.Middleware())
	e.Use(middleware.RequestTimeout(cfg.RemoteTimeout*time.Duration(cfg.RemoteRetries+1)+time.Second, streaming))

	var signingKey []byte
	if cfg.SupabaseJWTSecret != "" {
		signingKey = []byte(cfg.SupabaseJWTSecret)
	}
	e.Use(auth.Guard(auth.GuardConfig{Resolve: registry.Session, SigningKey: signingKey}))

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if be.pool != nil {
		e.GET("/health/db", db.HealthHandler(be.pool))
	}
	e.GET("/metrics", collector.Handler())

	// API
	apiV1 := e.Group("/api/v1")

	accountHandler := account.NewHandler(registry.AuthStore, registry.SignedOut)
	accountHandler.RegisterRoutes(apiV1, middleware.RateLimit(authRateLimit(cfg)))

	clinicHandler := clinic.NewHandler(registry.Stores)
	clinicHandler.RegisterRoutes(apiV1)

	wsHandler := websocket.NewHandler(hub, registry.Topic, cfg.CORSOrigins)
	apiV1.GET("/session/events", wsHandler.Connect)

	// Browser app
	if cfg.WebRoot != "" {
		e.Use(echomw.StaticWithConfig(echomw.StaticConfig{
			Root:    cfg.WebRoot,
			HTML5:   true,
			Skipper: spaSkipper,
		}))
		logger.Info().Str("root", cfg.WebRoot).Msg("serving web app")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).
			Str("data_backend", cfg.DataBackend).
			Str("auth_backend", cfg.AuthBackend).
			Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
