// Package app provides application initialization and dependency wiring.
//
// App is the container that owns the database pool, the memory store, the
// code host client, the verifier and the background sweeper. Setup builds
// everything from config; Close releases it in reverse order.
package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/config"
	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/memory"
	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/metrics"
	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/verify"
)

// App is the core application container.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	DBPool  *pgxpool.Pool
	Store   *memory.Store
	Metrics *metrics.Prometheus

	// Verifier and Sweeper are nil when no code host base URL is
	// configured; the serve and mcp surfaces degrade gracefully.
	Verifier *verify.Verifier
	Sweeper  *verify.Sweeper

	otelCleanup func()
}

// Close gracefully shuts down all resources. Safe to call on a partially
// initialized App.
func (a *App) Close() error {
	if a.Logger != nil {
		a.Logger.Info("shutting down application")
	}

	if a.DBPool != nil {
		a.DBPool.Close()
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}
	return nil
}
