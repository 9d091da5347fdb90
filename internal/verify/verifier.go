// Package verify checks memory citations against current source content.
//
// Verification is mechanical only: does the cited path exist, and is the
// cited line range still within the file. Whether the cited lines still
// support the memory's fact is a semantic judgment that stays with the
// calling agent; the verifier reports ground truth and nothing more.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/codehost"
	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/memory"
	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/metrics"
	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/observability"
)

// Fetcher reads file content from the code host. *codehost.Client
// implements it; tests substitute fakes.
type Fetcher interface {
	FetchFile(ctx context.Context, repo, path, ref string) (string, error)
}

// Store is the subset of the memory store the verifier needs: reading a
// memory's citations and writing the verification outcome back.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*memory.Memory, error)
	RecordVerification(ctx context.Context, id uuid.UUID, in memory.VerificationInput) (bool, error)
}

// CitationResult is the per-citation outcome. Exists is false for any
// failure; Error then says why ("not found", "out of range", or a
// transport error). Content carries the cited lines when reachable.
type CitationResult struct {
	Path             string `json:"path"`
	LineStart        int    `json:"line_start"`
	LineEnd          int    `json:"line_end"`
	Exists           bool   `json:"exists"`
	Content          string `json:"content,omitempty"`
	Error            string `json:"error,omitempty"`
	FingerprintMatch *bool  `json:"fingerprint_match,omitempty"`
}

// Report is the outcome of one verification batch. Valid means every
// citation was reachable; fingerprint drift is informational and does not
// flip it.
type Report struct {
	Valid        bool             `json:"valid"`
	Citations    []CitationResult `json:"citations"`
	ValidCount   int              `json:"valid_count"`
	InvalidCount int              `json:"invalid_count"`
	Ref          string           `json:"ref,omitempty"`
	Took         time.Duration    `json:"-"`
}

// Error strings reported for the two mechanical failure modes.
const (
	errNotFound   = "not found"
	errOutOfRange = "out of range"
)

// Config holds verifier tuning.
type Config struct {
	// Concurrency bounds parallel per-citation fetches. Default 4.
	Concurrency int

	// Timeout bounds each individual citation fetch. Default 10s.
	Timeout time.Duration

	Logger  *slog.Logger
	Metrics metrics.Collector
}

// Verifier checks citations against the code host and records outcomes in
// the memory store. Safe for concurrent use.
type Verifier struct {
	fetcher     Fetcher
	store       Store
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
	metrics     metrics.Collector
}

// New creates a Verifier.
func New(fetcher Fetcher, store Store, cfg Config) (*Verifier, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Verifier{
		fetcher:     fetcher,
		store:       store,
		concurrency: concurrency,
		timeout:     timeout,
		logger:      logger,
		metrics:     collector,
	}, nil
}

// VerifyCitations checks each citation against repo at ref (empty ref
// means the default branch; a citation's own pin wins over the call-level
// ref). Fetches run concurrently, bounded by the configured concurrency,
// one attempt each.
//
// Per-citation failures never surface as an error return; they land in
// the report. If ctx is canceled mid-batch, already-fetched results stay
// in the report and the remainder carry the context error.
func (v *Verifier) VerifyCitations(ctx context.Context, repo string, citations []memory.Citation, ref string) *Report {
	start := time.Now()

	tracer := observability.Tracer("verify")
	ctx, span := tracer.Start(ctx, "VerifyCitations")
	span.SetAttributes(
		attribute.String("repo", repo),
		attribute.Int("citations", len(citations)),
	)
	defer span.End()

	report := &Report{
		Citations: make([]CitationResult, len(citations)),
		Ref:       ref,
	}

	sem := make(chan struct{}, v.concurrency)
	var wg sync.WaitGroup
	for i, c := range citations {
		wg.Add(1)
		go func(i int, c memory.Citation) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				report.Citations[i] = unreachable(c, ctx.Err().Error())
				return
			}
			report.Citations[i] = v.verifyOne(ctx, repo, c, ref)
		}(i, c)
	}
	wg.Wait()

	for _, r := range report.Citations {
		if r.Exists {
			report.ValidCount++
		} else {
			report.InvalidCount++
		}
	}
	report.Valid = report.InvalidCount == 0 && len(citations) > 0
	if len(citations) == 0 {
		// Nothing to contradict, nothing to confirm.
		report.Valid = true
	}
	report.Took = time.Since(start)

	v.metrics.RecordVerification(report.Valid, len(citations), report.Took)
	span.SetAttributes(attribute.Bool("valid", report.Valid))
	return report
}

// verifyOne fetches and checks a single citation with its own timeout.
func (v *Verifier) verifyOne(ctx context.Context, repo string, c memory.Citation, ref string) CitationResult {
	// A pinned citation is checked at its pin, not the batch ref.
	if c.Ref != "" {
		ref = c.Ref
	}

	fetchCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	content, err := v.fetcher.FetchFile(fetchCtx, repo, c.Path, ref)
	if err != nil {
		if errors.Is(err, codehost.ErrFileNotFound) {
			return unreachable(c, errNotFound)
		}
		v.logger.Debug("citation fetch failed", "repo", repo, "path", c.Path, "error", err)
		return unreachable(c, err.Error())
	}

	lines := strings.Split(content, "\n")
	// A trailing newline yields one empty trailing element, which is not
	// a citable line.
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	if c.LineEnd > len(lines) {
		return unreachable(c, errOutOfRange)
	}

	cited := strings.Join(lines[c.LineStart-1:c.LineEnd], "\n")
	result := CitationResult{
		Path:      c.Path,
		LineStart: c.LineStart,
		LineEnd:   c.LineEnd,
		Exists:    true,
		Content:   cited,
	}
	if c.Fingerprint != "" {
		match := Fingerprint(cited) == c.Fingerprint
		result.FingerprintMatch = &match
	}
	return result
}

func unreachable(c memory.Citation, msg string) CitationResult {
	return CitationResult{
		Path:      c.Path,
		LineStart: c.LineStart,
		LineEnd:   c.LineEnd,
		Exists:    false,
		Error:     msg,
	}
}

// VerifyMemory verifies all citations of a stored memory and records the
// outcome. The returned report is the mechanical result; recorded is false
// when the memory went terminal between the read and the write-back.
func (v *Verifier) VerifyMemory(ctx context.Context, id uuid.UUID, ref, actor, sessionID string) (*Report, bool, error) {
	if v.store == nil {
		return nil, false, fmt.Errorf("verifier has no store")
	}

	m, err := v.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	report := v.VerifyCitations(ctx, m.Repo, m.Citations, ref)

	recorded, err := v.store.RecordVerification(ctx, id, memory.VerificationInput{
		Valid:        report.Valid,
		ValidCount:   report.ValidCount,
		InvalidCount: report.InvalidCount,
		Ref:          ref,
		Actor:        actor,
		SessionID:    sessionID,
		Took:         report.Took,
	})
	if err != nil {
		return report, false, fmt.Errorf("recording verification for %s: %w", id, err)
	}
	return report, recorded, nil
}
