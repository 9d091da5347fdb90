package cmd

import (
	"fmt"
	"log/slog"

	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/db"
	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/config"
)

// runMigrate applies pending database migrations and exits. The serve and
// mcp commands migrate on startup too; this command exists for deploy
// pipelines that migrate before rolling instances.
func runMigrate() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("migrations applied")
	return nil
}
