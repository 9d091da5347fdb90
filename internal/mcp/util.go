package mcp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/memory"
)

// dataToMCP converts arbitrary data to MCP text content via JSON marshaling.
// All data becomes JSON, clients parse it.
func dataToMCP(data any) *mcp.CallToolResult {
	if data == nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: ""}},
		}
	}

	b, err := json.Marshal(data)
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "marshal error"}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(b)}},
	}
}

// errorToMCP renders a store sentinel as an IsError tool result so the agent
// can read and correct its mistake. Infrastructure errors are not the
// agent's fault and return (nil, false) so callers propagate them as
// protocol errors instead.
func errorToMCP(err error) (*mcp.CallToolResult, bool) {
	var code string
	switch {
	case errors.Is(err, memory.ErrInvalidInput):
		code = "invalid_input"
	case errors.Is(err, memory.ErrNotFound):
		code = "not_found"
	case errors.Is(err, memory.ErrConstraintViolation):
		code = "conflict"
	default:
		return nil, false
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("[%s] %s", code, err.Error())}},
		IsError: true,
	}, true
}

// parseID parses a memory id argument. A malformed id is an agent error,
// reported the same way store sentinels are.
func parseID(raw string) (uuid.UUID, *mcp.CallToolResult) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("[invalid_input] invalid memory id %q", raw)}},
			IsError: true,
		}
	}
	return id, nil
}
