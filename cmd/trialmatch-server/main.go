package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/trialmatch/internal/config"
	"github.com/ehr/trialmatch/internal/domain/research"
	"github.com/ehr/trialmatch/internal/domain/trialmatch"
	"github.com/ehr/trialmatch/internal/matching"
	"github.com/ehr/trialmatch/internal/platform/auth"
	"github.com/ehr/trialmatch/internal/platform/cache"
	"github.com/ehr/trialmatch/internal/platform/db"
	"github.com/ehr/trialmatch/internal/platform/middleware"
	"github.com/ehr/trialmatch/internal/platform/telemetry"
	"github.com/ehr/trialmatch/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "trialmatch-server",
		Short: "Clinical trial matching API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(matchCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(sandboxCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the trial matching API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// newMigrator reads migrations from dir, or from the embedded set when dir
// is empty.
func newMigrator(pool *pgxpool.Pool, dir string, logger zerolog.Logger) *db.Migrator {
	if dir == "" {
		return db.NewMigrator(pool, migrations.FS, logger)
	}
	return db.NewMigrator(pool, os.DirFS(dir), logger)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := newMigrator(pool, dir, newLogger(cfg.Env))
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Path to migrations directory (embedded migrations when empty)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := newMigrator(pool, dir, newLogger(cfg.Env))
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Path to migrations directory (embedded migrations when empty)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a new tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: tenant_%s\n", name)
			migrator := newMigrator(pool, "", newLogger(cfg.Env))
			if err := db.CreateTenantSchema(ctx, pool, name, migrator); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			tenant, _ := cmd.Flags().GetString("tenant")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			scopes, _ := cmd.Flags().GetStringSlice("scopes")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg := &config.Config{
				AuthIssuer:     os.Getenv("AUTH_ISSUER"),
				AuthAudience:   os.Getenv("AUTH_AUDIENCE"),
				AuthSigningKey: os.Getenv("AUTH_SIGNING_KEY"),
			}
			token, err := auth.IssueToken(jwtConfig(cfg), subject, tenant, roles, scopes, ttl)
			if err != nil {
				return fmt.Errorf("AUTH_SIGNING_KEY: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "dev-user", "Token subject (user id)")
	cmd.Flags().String("tenant", "default", "Tenant id claim")
	cmd.Flags().StringSlice("roles", []string{"physician"}, "Roles claim")
	cmd.Flags().StringSlice("scopes", []string{"user/*.*"}, "SMART scopes claim")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
}

func matcherFor(cfg *config.Config, logger zerolog.Logger) (*matching.Matcher, error) {
	lex := matching.DefaultLexicon()
	if cfg.MatchLexiconFile != "" {
		loaded, err := matching.LoadLexicon(cfg.MatchLexiconFile)
		if err != nil {
			return nil, err
		}
		lex = loaded
	}
	return matching.NewMatcher(
		matching.WithLexicon(lex),
		matching.WithWorkers(cfg.MatchWorkers),
		matching.WithLogger(logger),
	), nil
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()

	// Tracing
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "trialmatch-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up tracing")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error().Err(err).Msg("tracer shutdown failed")
		}
	}()
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create metrics")
	}

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Cache (optional)
	var matchCache *cache.MatchCache
	if cfg.RedisURL != "" {
		matchCache, err = cache.New(ctx, cfg.RedisURL, cfg.MatchCacheTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer matchCache.Close()
		logger.Info().Dur("ttl", cfg.MatchCacheTTL).Msg("match cache enabled")
	} else {
		logger.Warn().Msg("REDIS_URL not set; match results are not cached")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(telemetry.Middleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	// Health checks run before auth and tenant resolution.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	deps := map[string]db.Pinger{"database": pool}
	if matchCache != nil {
		deps["cache"] = matchCache
	}
	e.GET("/health/ready", db.HealthHandler(deps))

	// API groups
	authMW := auth.DevAuthMiddleware()
	if !cfg.IsDev() {
		authMW = auth.JWTMiddleware(jwtConfig(cfg))
	}
	tenantMW := db.TenantMiddleware(pool, cfg.DefaultTenant)
	apiV1 := e.Group("/api/v1", authMW, tenantMW)
	fhirGroup := e.Group("/fhir", authMW, tenantMW)

	// Research catalog
	researchSvc := research.NewService(research.NewStudyRepoPG(pool), research.NewEnrollmentRepoPG(pool))
	researchSvc.SetLogger(logger)
	if matchCache != nil {
		researchSvc.SetCacheInvalidator(matchCache)
	}
	research.NewHandler(researchSvc).RegisterRoutes(apiV1, fhirGroup)

	// Trial matching
	matcher, err := matcherFor(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load matching lexicon")
	}
	matchSvc := trialmatch.NewService(matcher, researchSvc, trialmatch.NewMatchRepoPG(pool), trialmatch.Config{
		Timeout:      cfg.MatchTimeout,
		MaxDistance:  cfg.MatchMaxDistance,
		DistanceUnit: matching.DistanceUnit(strings.ToLower(cfg.MatchDistanceUnit)),
	}, logger)
	if matchCache != nil {
		matchSvc.SetCache(matchCache)
	}
	matchSvc.SetMetrics(metrics)
	trialmatch.NewHandler(matchSvc).RegisterRoutes(apiV1, fhirGroup)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
