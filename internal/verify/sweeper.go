package verify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/memory"
	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/metrics"
)

// SweepStore is the store surface the sweeper reads stale candidates
// from; the write-back happens through the verifier.
type SweepStore interface {
	StaleActive(ctx context.Context, olderThan time.Time, limit int) ([]*memory.Memory, error)
}

// SweeperConfig tunes the background re-verification loop.
type SweeperConfig struct {
	// Interval between sweep passes. Default 30m.
	Interval time.Duration

	// BatchSize caps memories verified per pass. Default 20.
	BatchSize int

	// MaxAge is how long a verification stays fresh. Memories last
	// verified longer ago than this (or never) are re-verified.
	// Default 24h.
	MaxAge time.Duration

	Logger  *slog.Logger
	Metrics metrics.Collector
}

// Sweeper periodically re-verifies stale active memories so agents read
// recently-checked ground truth. It only records verification outcomes;
// lifecycle transitions stay with the agents that own the judgment.
type Sweeper struct {
	verifier  *Verifier
	store     SweepStore
	interval  time.Duration
	batchSize int
	maxAge    time.Duration
	logger    *slog.Logger
	metrics   metrics.Collector
}

// SweepActor is recorded on telemetry events the sweeper produces.
const SweepActor = "sweeper"

// NewSweeper creates a Sweeper.
func NewSweeper(verifier *Verifier, store SweepStore, cfg SweeperConfig) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 20
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Sweeper{
		verifier:  verifier,
		store:     store,
		interval:  interval,
		batchSize: batchSize,
		maxAge:    maxAge,
		logger:    logger,
		metrics:   collector,
	}
}

// Run blocks until ctx is canceled, sweeping once per interval. Callers
// track the goroutine with a WaitGroup.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// runOnce re-verifies one batch of stale memories.
func (s *Sweeper) runOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.maxAge)
	stale, err := s.store.StaleActive(ctx, cutoff, s.batchSize)
	if err != nil {
		s.logger.Warn("listing stale memories failed", "error", err)
		return
	}
	s.metrics.SetSweepBacklog(len(stale))
	if len(stale) == 0 {
		return
	}

	// One session id covers the whole pass, so its events group together.
	session := sweepSession()
	var invalid int
	for _, m := range stale {
		if ctx.Err() != nil {
			return
		}
		report, _, err := s.verifier.VerifyMemory(ctx, m.ID, "", SweepActor, session)
		if err != nil {
			s.logger.Warn("sweep verification failed", "memory_id", m.ID, "error", err)
			continue
		}
		if !report.Valid {
			invalid++
			s.logger.Info("stale memory has unreachable citations",
				"memory_id", m.ID,
				"repo", m.Repo,
				"subject", m.Subject,
				"invalid_citations", report.InvalidCount,
			)
		}
	}
	s.logger.Debug("sweep pass complete", "checked", len(stale), "invalid", invalid)
}

// sweepSession tags one sweep pass's telemetry with a shared session id.
func sweepSession() string {
	return "sweep-" + uuid.NewString()
}
