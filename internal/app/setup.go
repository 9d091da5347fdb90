package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/db"
	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/codehost"
	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/config"
	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/log"
	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/memory"
	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/metrics"
	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/observability"
	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/verify"
)

// Setup creates and initializes the application.
// Returns an App with embedded cleanup; call Close() to release.
func Setup(ctx context.Context, cfg *config.Config) (_ *App, retErr error) {
	logger := log.New(log.Config{
		Level: log.ParseLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})

	a := &App{Config: cfg, Logger: logger}

	// On error, clean up everything already initialized
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	a.otelCleanup = observability.Setup(ctx, observability.Config{
		Enabled:     cfg.TracingEnabled,
		Endpoint:    cfg.TracingEndpoint,
		ServiceName: cfg.TracingServiceName,
		Environment: cfg.TracingEnvironment,
		Logger:      logger,
	})

	pool, err := provideDBPool(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	a.Metrics = metrics.NewPrometheus()

	store, err := memory.NewStore(pool, logger)
	if err != nil {
		return nil, fmt.Errorf("creating memory store: %w", err)
	}
	a.Store = store

	// Verification is optional: without a code host there is nothing to
	// check citations against.
	if cfg.CodehostBaseURL != "" {
		verifier, err := provideVerifier(cfg, store, a.Metrics, logger)
		if err != nil {
			return nil, err
		}
		a.Verifier = verifier

		if cfg.SweepEnabled {
			a.Sweeper = verify.NewSweeper(verifier, store, verify.SweeperConfig{
				Interval:  time.Duration(cfg.SweepIntervalMinutes) * time.Minute,
				BatchSize: cfg.SweepBatchSize,
				MaxAge:    time.Duration(cfg.SweepMaxAgeHours) * time.Hour,
				Logger:    logger,
				Metrics:   a.Metrics,
			})
		}
	} else {
		logger.Info("no code host configured, citation verification disabled")
	}

	return a, nil
}

// provideDBPool runs migrations and creates a PostgreSQL connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// provideVerifier builds the code host client and wires it to the verifier.
func provideVerifier(cfg *config.Config, store *memory.Store, collector *metrics.Prometheus, logger *slog.Logger) (*verify.Verifier, error) {
	client, err := codehost.New(codehost.Config{
		BaseURL:           cfg.CodehostBaseURL,
		Token:             cfg.CodehostToken,
		RequestsPerSecond: cfg.CodehostRequestsPerSecond,
		Burst:             cfg.CodehostBurst,
		AllowPrivateHosts: cfg.CodehostAllowPrivateHosts,
		Timeout:           time.Duration(cfg.VerifyTimeoutSeconds) * time.Second,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating code host client: %w", err)
	}

	verifier, err := verify.New(client, store, verify.Config{
		Concurrency: cfg.VerifyConcurrency,
		Timeout:     time.Duration(cfg.VerifyTimeoutSeconds) * time.Second,
		Logger:      logger,
		Metrics:     collector,
	})
	if err != nil {
		return nil, fmt.Errorf("creating verifier: %w", err)
	}
	return verifier, nil
}
