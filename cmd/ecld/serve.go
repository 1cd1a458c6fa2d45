package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/caseward/ecl/pkg/api"
	"github.com/caseward/ecl/pkg/auth"
	"github.com/caseward/ecl/pkg/config"
	"github.com/caseward/ecl/pkg/content"
	"github.com/caseward/ecl/pkg/ingest"
	"github.com/caseward/ecl/pkg/ledger"
	"github.com/caseward/ecl/pkg/observability"
	"github.com/caseward/ecl/pkg/pipeline"
	"github.com/caseward/ecl/pkg/queue"
)

func runServer(stdout, stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "ecl-custody-ledger",
		ServiceVersion: "1.0.0",
		Environment:    envOr("ENVIRONMENT", "development"),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        os.Getenv("OTLP_ENDPOINT") != "",
		Insecure:       os.Getenv("OTLP_INSECURE") == "true",
	})
	if err != nil {
		logger.Warn("observability init failed, continuing without telemetry", "error", err)
	}

	store, err := content.NewStoreFromEnv(ctx, cfg.ChunkBudget)
	if err != nil {
		fmt.Fprintf(stderr, "content store init failed: %v\n", err)
		return exitIO
	}

	var (
		chain    *ledger.Ledger
		sessions ingest.SessionStore
		qstore   queue.Store
		db       *sql.DB
	)

	switch cfg.DatabaseDriver {
	case "memory":
		chain = ledger.New(ledger.NewMemoryStore(), logger)
		sessions = ingest.NewMemorySessionStore()
		qstore = queue.NewMemoryStore()
		logger.Info("running with in-memory stores, state is not durable")
	case "postgres", "sqlite":
		db, err = sql.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintf(stderr, "database open failed: %v\n", err)
			return exitConfig
		}
		defer func() { _ = db.Close() }()
		if err := db.PingContext(ctx); err != nil {
			fmt.Fprintf(stderr, "database ping failed: %v\n", err)
			return exitIO
		}

		ledgerStore := ledger.NewSQLStore(db)
		sessionStore := ingest.NewSQLSessionStore(db)
		jobStore := queue.NewSQLStore(db)
		for _, init := range []func(context.Context) error{
			ledgerStore.Init, sessionStore.Init, jobStore.Init,
		} {
			if err := init(ctx); err != nil {
				fmt.Fprintf(stderr, "schema init failed: %v\n", err)
				return exitIO
			}
		}
		chain = ledger.New(ledgerStore, logger)
		sessions = sessionStore
		qstore = jobStore
		logger.Info("database connected", "driver", cfg.DatabaseDriver)
	default:
		fmt.Fprintf(stderr, "unknown DATABASE_DRIVER %q (want postgres, sqlite or memory)\n", cfg.DatabaseDriver)
		return exitConfig
	}

	if cfg.Profile != "" {
		profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.Profile)
		if err != nil {
			fmt.Fprintf(stderr, "evidence profile load failed: %v\n", err)
			return exitConfig
		}
		logger.Info("evidence profile loaded",
			"profile", profile.Code,
			"artifact_retention_days", profile.Retention.ArtifactDays,
			"legal_hold", profile.Retention.LegalHold,
		)
	}

	coordinator := ingest.NewCoordinator(sessions, store, chain, logger)

	policy := queue.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.MaxAttempts
	jobs := queue.New(qstore, chain, policy, cfg.QueueBound, logger)

	registry := pipeline.DefaultRegistry()
	executor := pipeline.NewExecutor(jobs, chain, store, registry, logger).
		WithLeaseDuration(cfg.LeaseDuration)

	go coordinator.RunSweeper(ctx, cfg.SweepInterval, cfg.SessionTTL)
	go jobs.RunReaper(ctx, cfg.ReapInterval)
	go executor.Run(ctx, cfg.Workers)

	var validator *auth.JWTValidator
	if cfg.JWTSecret != "" {
		validator = auth.NewHMACValidator([]byte(cfg.JWTSecret))
	} else {
		logger.Warn("JWT_SECRET not set, all authenticated endpoints will reject requests")
	}

	var limiter auth.LimiterStore
	if cfg.RedisAddr != "" {
		limiter = auth.NewRedisLimiterStore(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		logger.Info("rate limiting via redis", "addr", cfg.RedisAddr)
	} else {
		limiter = auth.NewInMemoryLimiterStore()
	}
	limitPolicy := auth.LimitPolicy{RPM: cfg.RateLimitRPM, Burst: cfg.RateLimitBurst}

	authz, err := auth.NewAuthorizer()
	if err != nil {
		fmt.Fprintf(stderr, "authorizer init failed: %v\n", err)
		return exitConfig
	}

	server := api.NewServer(coordinator, chain, jobs, authz, logger)
	handler := server.Handler(validator, limiter, limitPolicy)

	if db != nil {
		idem := api.NewSQLIdempotencyStore(db, 24*time.Hour)
		if err := idem.Init(ctx); err != nil {
			fmt.Fprintf(stderr, "idempotency store init failed: %v\n", err)
			return exitIO
		}
		handler = api.IdempotencyMiddleware(idem)(handler)
	} else {
		handler = api.IdempotencyMiddleware(api.NewIdempotencyStore(24 * time.Hour))(handler)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("custody ledger listening", "port", cfg.Port)
		errCh <- httpServer.ListenAndServe()
	}()

	exit := exitOK
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		exit = exitSignal
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "server failed: %v\n", err)
			return exitIO
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	if obs != nil {
		_ = obs.Shutdown(shutdownCtx)
	}

	return exit
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
