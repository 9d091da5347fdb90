package mcp

import (
	"context"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/memory"
)

// registerMemoryTools registers the store-backed tools:
// memory_store, memory_get_recent, memory_search_by_path, memory_refresh,
// memory_invalidate, memory_supersede, memory_log_applied, memory_stats.
func (s *Server) registerMemoryTools() error {
	storeSchema, err := jsonschema.For[StoreInput](nil)
	if err != nil {
		return fmt.Errorf("schema for memory_store: %w", err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "memory_store",
		Description: "Store a citation-backed memory about a repository. " +
			"Saving the same (tenant, repo, subject, fact) again refreshes the existing memory instead of duplicating it.",
		InputSchema: storeSchema,
	}, s.storeMemory)

	recentSchema, err := jsonschema.For[GetRecentInput](nil)
	if err != nil {
		return fmt.Errorf("schema for memory_get_recent: %w", err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "memory_get_recent",
		Description: "List the most recently confirmed active memories for a repository. " +
			"Includes the shared default tenant alongside the requested one.",
		InputSchema: recentSchema,
	}, s.getRecent)

	searchSchema, err := jsonschema.For[SearchByPathInput](nil)
	if err != nil {
		return fmt.Errorf("schema for memory_search_by_path: %w", err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "memory_search_by_path",
		Description: "Find active memories citing an exact repository-relative file path. " +
			"Useful before editing a file to learn the conventions attached to it.",
		InputSchema: searchSchema,
	}, s.searchByPath)

	refreshSchema, err := jsonschema.For[RefreshInput](nil)
	if err != nil {
		return fmt.Errorf("schema for memory_refresh: %w", err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "memory_refresh",
		Description: "Re-confirm an active memory as still true, optionally replacing its citations. " +
			"Refreshing a superseded or invalid memory is a no-op.",
		InputSchema: refreshSchema,
	}, s.refresh)

	invalidateSchema, err := jsonschema.For[InvalidateInput](nil)
	if err != nil {
		return fmt.Errorf("schema for memory_invalidate: %w", err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "memory_invalidate",
		Description: "Mark a memory as invalid. Terminal: an invalid memory never " +
			"becomes active again; store a new memory to replace it.",
		InputSchema: invalidateSchema,
	}, s.invalidate)

	supersedeSchema, err := jsonschema.For[SupersedeInput](nil)
	if err != nil {
		return fmt.Errorf("schema for memory_supersede: %w", err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "memory_supersede",
		Description: "Replace an active memory with a corrected fact. The old memory is " +
			"retired and linked to its replacement so the correction chain stays walkable.",
		InputSchema: supersedeSchema,
	}, s.supersede)

	appliedSchema, err := jsonschema.For[LogAppliedInput](nil)
	if err != nil {
		return fmt.Errorf("schema for memory_log_applied: %w", err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "memory_log_applied",
		Description: "Record that a memory was actually used during a task. " +
			"Feeds usefulness telemetry; does not change the memory.",
		InputSchema: appliedSchema,
	}, s.logApplied)

	statsSchema, err := jsonschema.For[StatsInput](nil)
	if err != nil {
		return fmt.Errorf("schema for memory_stats: %w", err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "memory_stats",
		Description: "Summarize one tenant and repository scope: lifecycle counts and " +
			"average verification count.",
		InputSchema: statsSchema,
	}, s.stats)

	return nil
}

// StoreInput is the memory_store tool input.
type StoreInput struct {
	Tenant    string            `json:"tenant,omitempty" jsonschema:"Namespace for the memory. Empty selects the shared default tenant."`
	Repo      string            `json:"repo" jsonschema:"Repository the memory is about, e.g. acme/api."`
	Subject   string            `json:"subject" jsonschema:"Short topic of the fact, e.g. error handling."`
	Fact      string            `json:"fact" jsonschema:"The assertion being stored. Must be backed by the citations."`
	Citations []memory.Citation `json:"citations,omitempty" jsonschema:"Line ranges in the repository that back the fact."`
	Reason    string            `json:"reason,omitempty" jsonschema:"Why this fact is worth remembering."`
	Actor     string            `json:"actor,omitempty" jsonschema:"Identifier of the agent storing the memory."`
	SessionID string            `json:"session_id,omitempty" jsonschema:"Session the store call belongs to."`
}

func (s *Server) storeMemory(ctx context.Context, _ *mcp.CallToolRequest, in StoreInput) (*mcp.CallToolResult, any, error) {
	m, err := s.store.Save(ctx, memory.SaveInput{
		Tenant:    in.Tenant,
		Repo:      in.Repo,
		Subject:   in.Subject,
		Fact:      in.Fact,
		Citations: in.Citations,
		Reason:    in.Reason,
		Actor:     in.Actor,
		SessionID: in.SessionID,
	})
	if err != nil {
		if result, ok := errorToMCP(err); ok {
			return result, nil, nil
		}
		return nil, nil, fmt.Errorf("storing memory: %w", err)
	}
	return dataToMCP(m), nil, nil
}

// GetRecentInput is the memory_get_recent tool input.
type GetRecentInput struct {
	Tenant    string `json:"tenant,omitempty" jsonschema:"Namespace to read. The shared default tenant is always merged in."`
	Repo      string `json:"repo" jsonschema:"Repository to list memories for."`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum memories to return (default 20, max 100)."`
	Actor     string `json:"actor,omitempty" jsonschema:"Identifier of the agent reading."`
	SessionID string `json:"session_id,omitempty" jsonschema:"Session the read belongs to."`
}

func (s *Server) getRecent(ctx context.Context, _ *mcp.CallToolRequest, in GetRecentInput) (*mcp.CallToolResult, any, error) {
	memories, err := s.store.GetRecent(ctx, in.Tenant, in.Repo, in.Limit)
	if err != nil {
		return nil, nil, fmt.Errorf("listing recent memories: %w", err)
	}
	s.recordRetrieved(ctx, memories, "recent:"+in.Repo, in.Actor, in.SessionID)
	return dataToMCP(map[string]any{"memories": memories, "count": len(memories)}), nil, nil
}

// SearchByPathInput is the memory_search_by_path tool input.
type SearchByPathInput struct {
	Tenant    string `json:"tenant,omitempty" jsonschema:"Namespace to read. The shared default tenant is always merged in."`
	Repo      string `json:"repo" jsonschema:"Repository to search."`
	Path      string `json:"path" jsonschema:"Repository-relative file path to match exactly against citations."`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum memories to return (default 20, max 100)."`
	Actor     string `json:"actor,omitempty" jsonschema:"Identifier of the agent reading."`
	SessionID string `json:"session_id,omitempty" jsonschema:"Session the read belongs to."`
}

func (s *Server) searchByPath(ctx context.Context, _ *mcp.CallToolRequest, in SearchByPathInput) (*mcp.CallToolResult, any, error) {
	memories, err := s.store.SearchByPath(ctx, in.Tenant, in.Repo, in.Path, in.Limit)
	if err != nil {
		return nil, nil, fmt.Errorf("searching memories by path: %w", err)
	}
	s.recordRetrieved(ctx, memories, "path:"+in.Path, in.Actor, in.SessionID)
	return dataToMCP(map[string]any{"memories": memories, "count": len(memories)}), nil, nil
}

// recordRetrieved appends retrieval telemetry for a read result. Best
// effort: a telemetry failure never fails the read that produced it.
func (s *Server) recordRetrieved(ctx context.Context, memories []*memory.Memory, query, actor, sessionID string) {
	if len(memories) == 0 {
		return
	}
	ids := make([]uuid.UUID, len(memories))
	for i, m := range memories {
		ids[i] = m.ID
	}
	if err := s.store.RecordRetrieved(ctx, ids, query, actor, sessionID); err != nil {
		s.logger.Warn("recording retrieval telemetry", "error", err, "count", len(ids))
	}
}

// RefreshInput is the memory_refresh tool input.
type RefreshInput struct {
	ID        string            `json:"id" jsonschema:"Memory id to refresh."`
	Citations []memory.Citation `json:"citations,omitempty" jsonschema:"Replacement citations. Omit to keep the stored ones."`
	Reason    string            `json:"reason,omitempty" jsonschema:"Updated reason. Omit to keep the stored one."`
	Actor     string            `json:"actor,omitempty" jsonschema:"Identifier of the agent refreshing."`
	SessionID string            `json:"session_id,omitempty" jsonschema:"Session the refresh belongs to."`
}

func (s *Server) refresh(ctx context.Context, _ *mcp.CallToolRequest, in RefreshInput) (*mcp.CallToolResult, any, error) {
	id, errResult := parseID(in.ID)
	if errResult != nil {
		return errResult, nil, nil
	}
	refreshed, err := s.store.Refresh(ctx, id, memory.RefreshInput{
		Citations: in.Citations,
		Reason:    in.Reason,
		Actor:     in.Actor,
		SessionID: in.SessionID,
	})
	if err != nil {
		if result, ok := errorToMCP(err); ok {
			return result, nil, nil
		}
		return nil, nil, fmt.Errorf("refreshing memory: %w", err)
	}
	return dataToMCP(map[string]bool{"refreshed": refreshed}), nil, nil
}

// InvalidateInput is the memory_invalidate tool input.
type InvalidateInput struct {
	ID        string `json:"id" jsonschema:"Memory id to invalidate."`
	Reason    string `json:"reason,omitempty" jsonschema:"Why the memory is wrong."`
	Actor     string `json:"actor,omitempty" jsonschema:"Identifier of the agent invalidating."`
	SessionID string `json:"session_id,omitempty" jsonschema:"Session the invalidation belongs to."`
}

func (s *Server) invalidate(ctx context.Context, _ *mcp.CallToolRequest, in InvalidateInput) (*mcp.CallToolResult, any, error) {
	id, errResult := parseID(in.ID)
	if errResult != nil {
		return errResult, nil, nil
	}
	invalidated, err := s.store.Invalidate(ctx, id, in.Reason, in.Actor, in.SessionID)
	if err != nil {
		if result, ok := errorToMCP(err); ok {
			return result, nil, nil
		}
		return nil, nil, fmt.Errorf("invalidating memory: %w", err)
	}
	return dataToMCP(map[string]bool{"invalidated": invalidated}), nil, nil
}

// SupersedeInput is the memory_supersede tool input.
type SupersedeInput struct {
	ID        string            `json:"id" jsonschema:"Memory id to supersede."`
	Fact      string            `json:"fact" jsonschema:"The corrected assertion."`
	Citations []memory.Citation `json:"citations,omitempty" jsonschema:"Citations for the corrected fact. Omit to inherit from the old memory."`
	Reason    string            `json:"reason,omitempty" jsonschema:"Why the correction was needed. Omit to inherit."`
	Actor     string            `json:"actor,omitempty" jsonschema:"Identifier of the agent correcting."`
	SessionID string            `json:"session_id,omitempty" jsonschema:"Session the correction belongs to."`
}

func (s *Server) supersede(ctx context.Context, _ *mcp.CallToolRequest, in SupersedeInput) (*mcp.CallToolResult, any, error) {
	id, errResult := parseID(in.ID)
	if errResult != nil {
		return errResult, nil, nil
	}
	replacement, err := s.store.Supersede(ctx, id, memory.SupersedeInput{
		Fact:      in.Fact,
		Citations: in.Citations,
		Reason:    in.Reason,
		Actor:     in.Actor,
		SessionID: in.SessionID,
	})
	if err != nil {
		if result, ok := errorToMCP(err); ok {
			return result, nil, nil
		}
		return nil, nil, fmt.Errorf("superseding memory: %w", err)
	}
	return dataToMCP(replacement), nil, nil
}

// LogAppliedInput is the memory_log_applied tool input.
type LogAppliedInput struct {
	ID        string `json:"id" jsonschema:"Memory id that was applied."`
	Note      string `json:"note,omitempty" jsonschema:"What the memory was used for."`
	Actor     string `json:"actor,omitempty" jsonschema:"Identifier of the agent reporting."`
	SessionID string `json:"session_id,omitempty" jsonschema:"Session the application belongs to."`
}

func (s *Server) logApplied(ctx context.Context, _ *mcp.CallToolRequest, in LogAppliedInput) (*mcp.CallToolResult, any, error) {
	id, errResult := parseID(in.ID)
	if errResult != nil {
		return errResult, nil, nil
	}
	if err := s.store.LogApplied(ctx, id, in.Note, in.Actor, in.SessionID); err != nil {
		if result, ok := errorToMCP(err); ok {
			return result, nil, nil
		}
		return nil, nil, fmt.Errorf("logging application: %w", err)
	}
	return dataToMCP(map[string]bool{"applied": true}), nil, nil
}

// StatsInput is the memory_stats tool input.
type StatsInput struct {
	Tenant string `json:"tenant,omitempty" jsonschema:"Namespace to summarize. Empty selects the shared default tenant."`
	Repo   string `json:"repo" jsonschema:"Repository to summarize."`
}

func (s *Server) stats(ctx context.Context, _ *mcp.CallToolRequest, in StatsInput) (*mcp.CallToolResult, any, error) {
	stats, err := s.store.Stats(ctx, in.Tenant, in.Repo)
	if err != nil {
		return nil, nil, fmt.Errorf("computing stats: %w", err)
	}
	return dataToMCP(stats), nil, nil
}
