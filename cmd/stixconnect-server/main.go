package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/globalqueiros/stixconnect-sub000/internal/config"
	"github.com/globalqueiros/stixconnect-sub000/internal/domain/consultation"
	"github.com/globalqueiros/stixconnect-sub000/internal/domain/patient"
	"github.com/globalqueiros/stixconnect-sub000/internal/domain/professional"
	"github.com/globalqueiros/stixconnect-sub000/internal/platform/auth"
	"github.com/globalqueiros/stixconnect-sub000/internal/platform/db"
	"github.com/globalqueiros/stixconnect-sub000/internal/platform/events"
	"github.com/globalqueiros/stixconnect-sub000/internal/platform/middleware"
	"github.com/globalqueiros/stixconnect-sub000/internal/platform/telemetry"
	"github.com/globalqueiros/stixconnect-sub000/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "stixconnect-server",
		Short: "Consultation orchestration API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the consultation API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// openPool loads config and connects; the caller closes the pool.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

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
	})

	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load professionals and patients from a YAML fixture",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			if path == "" {
				return fmt.Errorf("--file is required")
			}
			fixture, err := loadSeed(path)
			if err != nil {
				return err
			}

			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			s := &seeder{
				tx:            db.NewTransactor(pool, cfg.TxTimeout),
				professionals: professional.NewService(professional.NewRepoPG(pool), cfg.AssignmentHandlingWindow),
				patients:      patient.NewRepoPG(pool),
			}
			res, err := s.apply(ctx, fixture)
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d professional(s) (%d already present) and %d patient(s).\n",
				res.professionalsCreated, res.professionalsSkipped, res.patients)
			return nil
		},
	}
	cmd.Flags().String("file", "", "Path to the YAML fixture")
	return cmd
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Telemetry
	provider, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    cfg.OTelServiceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTelEndpoint,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown failed")
		}
	}()
	metrics, err := telemetry.NewEngineMetrics(provider.Meter())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create engine metrics")
	}

	// Live feed. With Redis every instance publishes to the channel and
	// relays it into its own hub; without it the hub is fed directly.
	hub := events.NewHub(logger)
	var publisher events.Publisher = hub
	checks := map[string]db.Pinger{"database": db.PingFunc(pool.Ping)}
	if cfg.RedisURL != "" {
		rdb, err := events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		publisher = events.NewRedisPublisher(rdb, cfg.EventsChannel)
		checks["redis"] = redisPinger(rdb)
		go func() {
			if err := events.Relay(ctx, rdb, cfg.EventsChannel, hub, logger); err != nil {
				logger.Error().Err(err).Msg("event relay stopped")
			}
		}()
		logger.Info().Str("channel", cfg.EventsChannel).Msg("publishing events through redis")
	}

	// Repositories and services
	transactor := db.NewTransactor(pool, cfg.TxTimeout)
	professionalRepo := professional.NewRepoPG(pool)
	patientRepo := patient.NewRepoPG(pool)
	consultationSvc := consultation.NewService(
		transactor,
		consultation.NewRepoPG(pool),
		consultation.NewHistoryRepoPG(pool),
		patientRepo,
		professionalRepo,
		consultation.Options{
			MaxActiveLoad:  cfg.MaxActiveLoad,
			HandlingWindow: cfg.AssignmentHandlingWindow,
			TriagePolicy:   consultation.TriagePolicy(cfg.TriagePolicy),
			Metrics:        metrics,
			Logger:         logger,
		},
	)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(provider.Middleware())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.SecureWithConfig(echomw.SecureConfig{
		XSSProtection:         "0",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
	}))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", auth.DevRoleHeader, auth.DevProfessionalIDHeader},
	}))

	e.GET("/health", db.HealthHandler(checks, func() *db.PoolStats { return db.GetPoolStats(pool) }))

	authMW, err := authMiddleware(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid auth configuration")
	}

	rateLimit := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst > 0 {
		rateLimit = middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}
	}

	apiV1 := e.Group("/api/v1", authMW, middleware.RateLimit(rateLimit), middleware.RequestTimeout(cfg.TxTimeout+time.Second))
	consultation.NewHandler(consultationSvc, publisher, logger).RegisterRoutes(apiV1)
	professional.NewHandler(professional.NewService(professionalRepo, cfg.AssignmentHandlingWindow)).RegisterRoutes(apiV1)
	patient.NewHandler(patientRepo).RegisterRoutes(apiV1)

	// The websocket feed is long-lived and sits outside the request timeout.
	events.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e.Group("", authMW))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// authMiddleware picks the identity source for cfg.ResolvedAuthMode.
func authMiddleware(cfg *config.Config) (echo.MiddlewareFunc, error) {
	switch mode := cfg.ResolvedAuthMode(); mode {
	case "development":
		return auth.DevAuthMiddleware(), nil
	case "jwt":
		jc := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}
		if cfg.AuthSigningKey != "" {
			jc.SigningKey = []byte(cfg.AuthSigningKey)
		}
		if len(jc.SigningKey) == 0 && jc.JWKSURL == "" {
			return nil, fmt.Errorf("jwt auth needs a signing key or a JWKS URL")
		}
		return auth.JWTMiddleware(jc), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
}

func redisPinger(client redis.UniversalClient) db.PingFunc {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
