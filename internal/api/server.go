package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/memory"
	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/metrics"
	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/verify"
)

// MemoryStore is the store surface the HTTP handlers consume.
// *memory.Store satisfies it.
type MemoryStore interface {
	Save(ctx context.Context, in memory.SaveInput) (*memory.Memory, error)
	Get(ctx context.Context, id uuid.UUID) (*memory.Memory, error)
	GetRecent(ctx context.Context, tenant, repo string, limit int) ([]*memory.Memory, error)
	SearchByPath(ctx context.Context, tenant, repo, path string, limit int) ([]*memory.Memory, error)
	Refresh(ctx context.Context, id uuid.UUID, in memory.RefreshInput) (bool, error)
	Invalidate(ctx context.Context, id uuid.UUID, reason, actor, sessionID string) (bool, error)
	Supersede(ctx context.Context, oldID uuid.UUID, in memory.SupersedeInput) (*memory.Memory, error)
	LogApplied(ctx context.Context, id uuid.UUID, note, actor, sessionID string) error
	RecordRetrieved(ctx context.Context, ids []uuid.UUID, query, actor, sessionID string) error
	Stats(ctx context.Context, tenant, repo string) (*memory.Stats, error)
	Events(ctx context.Context, memoryID uuid.UUID) ([]*memory.Event, error)
}

// CitationVerifier checks citations against the code host.
// *verify.Verifier satisfies it.
type CitationVerifier interface {
	VerifyCitations(ctx context.Context, repo string, citations []memory.Citation, ref string) *verify.Report
	VerifyMemory(ctx context.Context, id uuid.UUID, ref, actor, sessionID string) (*verify.Report, bool, error)
}

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger      *slog.Logger
	Store       MemoryStore       // Required
	Verifier    CitationVerifier  // Optional: nil disables verification endpoints
	Metrics     metrics.Collector // Optional: nil falls back to metrics.Nop
	Pool        Pinger            // Optional: nil degrades /ready to a plain 200
	APIToken    string            // Optional: empty disables bearer auth
	CORSOrigins []string          // Allowed origins for CORS
	TrustProxy  bool              // Trust X-Real-IP/X-Forwarded-For headers
	RateBurst   int               // Rate limiter burst size per IP (0 = default 60)

	// MetricsHandler serves GET /metrics when set. Wired from the
	// Prometheus registry by the caller so the api package stays testable
	// without a live collector.
	MetricsHandler http.Handler
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a new API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("memory store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}

	mh := &memoryHandler{
		store:   cfg.Store,
		logger:  logger,
		metrics: collector,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/memories", mh.save)
	mux.HandleFunc("GET /api/v1/memories/recent", mh.getRecent)
	mux.HandleFunc("GET /api/v1/memories/search", mh.searchByPath)
	mux.HandleFunc("GET /api/v1/memories/{id}", mh.get)
	mux.HandleFunc("GET /api/v1/memories/{id}/events", mh.events)
	mux.HandleFunc("POST /api/v1/memories/{id}/refresh", mh.refresh)
	mux.HandleFunc("POST /api/v1/memories/{id}/invalidate", mh.invalidate)
	mux.HandleFunc("POST /api/v1/memories/{id}/supersede", mh.supersede)
	mux.HandleFunc("POST /api/v1/memories/{id}/applied", mh.logApplied)
	mux.HandleFunc("GET /api/v1/stats", mh.stats)

	// Verification endpoints are only registered when a verifier is wired.
	if cfg.Verifier != nil {
		vh := &verifyHandler{
			verifier: cfg.Verifier,
			logger:   logger,
			metrics:  collector,
		}
		mux.HandleFunc("POST /api/v1/memories/{id}/verify", vh.verifyMemory)
		mux.HandleFunc("POST /api/v1/citations/verify", vh.verifyCitations)
	}

	// Rate limiter: per-IP token bucket (1 token/sec refill)
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Build middleware stack (outermost first):
	//   Recovery → RequestID → Logging → CORS → RateLimit → Auth → Routes
	// RequestID must be before Logging so request_id is available in log
	// attributes. CORS must be before RateLimit so preflight OPTIONS gets
	// proper CORS headers.
	var handler http.Handler = mux
	handler = authMiddleware(cfg.APIToken, logger)(handler)
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w)
		handler.ServeHTTP(w, r)
	})

	// Use a top-level mux to separate health probes from the middleware
	// stack. Probes must answer even when the limiter is saturated.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health(logger))
	topMux.Handle("GET /ready", readiness(cfg.Pool, logger))
	if cfg.MetricsHandler != nil {
		topMux.Handle("GET /metrics", cfg.MetricsHandler)
	}
	topMux.Handle("/", final)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// MetricsHandlerFor adapts a Prometheus collector into the handler served at
// GET /metrics.
func MetricsHandlerFor(p *metrics.Prometheus) http.Handler {
	return promhttp.HandlerFor(p.Registry(), promhttp.HandlerOpts{})
}
