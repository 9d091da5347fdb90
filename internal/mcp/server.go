// Package mcp exposes the memory store to agents over the Model Context
// Protocol. Each tool maps one store or verifier operation; results marshal
// to JSON text content so any client can parse them.
package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/memory"
	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/verify"
)

// MemoryStore is the store surface the MCP tools consume.
// *memory.Store satisfies it.
type MemoryStore interface {
	Save(ctx context.Context, in memory.SaveInput) (*memory.Memory, error)
	GetRecent(ctx context.Context, tenant, repo string, limit int) ([]*memory.Memory, error)
	SearchByPath(ctx context.Context, tenant, repo, path string, limit int) ([]*memory.Memory, error)
	Refresh(ctx context.Context, id uuid.UUID, in memory.RefreshInput) (bool, error)
	Invalidate(ctx context.Context, id uuid.UUID, reason, actor, sessionID string) (bool, error)
	Supersede(ctx context.Context, oldID uuid.UUID, in memory.SupersedeInput) (*memory.Memory, error)
	LogApplied(ctx context.Context, id uuid.UUID, note, actor, sessionID string) error
	RecordRetrieved(ctx context.Context, ids []uuid.UUID, query, actor, sessionID string) error
	Stats(ctx context.Context, tenant, repo string) (*memory.Stats, error)
}

// CitationVerifier checks citations against the code host.
// *verify.Verifier satisfies it.
type CitationVerifier interface {
	VerifyCitations(ctx context.Context, repo string, citations []memory.Citation, ref string) *verify.Report
	VerifyMemory(ctx context.Context, id uuid.UUID, ref, actor, sessionID string) (*verify.Report, bool, error)
}

// Config holds MCP server configuration.
type Config struct {
	Name     string
	Version  string
	Store    MemoryStore      // Required
	Verifier CitationVerifier // Optional: nil skips verification tools
	Logger   *slog.Logger
}

// Server wraps the MCP SDK server and the memory store.
type Server struct {
	mcpServer *mcp.Server
	store     MemoryStore
	verifier  CitationVerifier
	logger    *slog.Logger
}

// NewServer creates a new MCP server with all tools registered.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("server name is required")
	}
	if cfg.Version == "" {
		return nil, fmt.Errorf("server version is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("memory store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, nil)

	s := &Server{
		mcpServer: mcpServer,
		store:     cfg.Store,
		verifier:  cfg.Verifier,
		logger:    logger,
	}

	if err := s.registerMemoryTools(); err != nil {
		return nil, fmt.Errorf("registering memory tools: %w", err)
	}
	if s.verifier != nil {
		if err := s.registerVerifyTools(); err != nil {
			return nil, fmt.Errorf("registering verify tools: %w", err)
		}
	}

	return s, nil
}

// Run starts the MCP server on the given transport. This is a blocking call
// that handles all protocol communication until the transport closes or ctx
// is canceled.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.mcpServer.Run(ctx, transport)
}
