package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/cdshooks/internal/config"
	"github.com/ehr/cdshooks/internal/domain/cds"
	"github.com/ehr/cdshooks/internal/platform/auth"
	"github.com/ehr/cdshooks/internal/platform/db"
	"github.com/ehr/cdshooks/internal/platform/middleware"
	"github.com/ehr/cdshooks/internal/platform/telemetry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "cds-server",
		Short:        "CDS Hooks service backed by ECA rule PlanDefinitions",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(discoveryCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(feedbackCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the CDS Hooks server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, os.Stdout)
	metrics := telemetry.NewMetrics(telemetry.Config{ServiceName: cfg.OTELServiceName})

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.Close()

	e, err := newServer(a)
	if err != nil {
		return err
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("rule_source", cfg.RuleSource).Int("services", len(a.rules.All())).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for s := range sig {
		if s != syscall.SIGHUP {
			break
		}
		if err := a.service.Reload(ctx); err != nil {
			logger.Error().Err(err).Msg("rule reload failed")
		}
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the HTTP surface: discovery is public, hook and feedback
// calls need a CDS client token, and rule administration needs the admin
// token.
func newServer(a *app) (*echo.Echo, error) {
	cfg := a.cfg
	protect, err := clientAuth(cfg, a.logger)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(a.metrics.MetricsMiddleware())
	e.Use(telemetry.TracingMiddleware(cfg.OTELServiceName))
	e.Use(middleware.BodyLimit(cfg.MaxBodySize))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.Audit(a.logger, nil))

	var pinger db.Pinger
	if a.pool != nil {
		pinger = a.pool
	}
	e.GET("/health", db.HealthHandler(pinger))
	e.GET("/metrics", a.metrics.PrometheusHandler())

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}

	h := cds.NewHandler(a.service)
	h.RegisterRoutes(e, protect, middleware.RateLimit(rl))

	if cfg.AdminToken != "" {
		h.RegisterAdminRoutes(e.Group("/admin", auth.AdminTokenMiddleware(cfg.AdminToken)))
	} else {
		a.logger.Warn().Msg("ADMIN_TOKEN not set, admin endpoints disabled")
	}
	return e, nil
}

// clientAuth picks the CDS client authentication. Without a shared secret
// only development mode may run, with every caller treated as "dev".
func clientAuth(cfg *config.Config, logger zerolog.Logger) (echo.MiddlewareFunc, error) {
	if cfg.CDSJWTSecret != "" {
		return auth.JWTMiddleware(auth.JWTConfig{
			SigningKey: []byte(cfg.CDSJWTSecret),
			Issuer:     cfg.CDSJWTIssuer,
			Audience:   cfg.CDSJWTAudience,
			Replay:     auth.NewReplayCache(),
			Skipper:    auth.AuthSkipper,
			Logger:     logger,
		}), nil
	}
	if cfg.IsDev() {
		logger.Warn().Msg("CDS_JWT_SECRET not set, accepting unauthenticated CDS clients")
		return auth.DevAuthMiddleware(), nil
	}
	return nil, fmt.Errorf("CDS_JWT_SECRET is required outside development")
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.MigrationsDir
		}

		ctx := cmd.Context()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, dir, newLogger(cfg, os.Stderr)))
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}
