package mcp

import (
	"context"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/memory"
)

// registerVerifyTools registers memory_verify and memory_verify_citations.
func (s *Server) registerVerifyTools() error {
	verifySchema, err := jsonschema.For[VerifyInput](nil)
	if err != nil {
		return fmt.Errorf("schema for memory_verify: %w", err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "memory_verify",
		Description: "Check a stored memory's citations against the code host and record " +
			"the outcome on the memory. A citation whose file or line range is gone makes the memory invalid to cite.",
		InputSchema: verifySchema,
	}, s.verifyMemory)

	citationsSchema, err := jsonschema.For[VerifyCitationsInput](nil)
	if err != nil {
		return fmt.Errorf("schema for memory_verify_citations: %w", err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "memory_verify_citations",
		Description: "Check an ad-hoc citation list against the code host without touching " +
			"the store. Call this before memory_store to make sure citations hold up.",
		InputSchema: citationsSchema,
	}, s.verifyCitations)

	return nil
}

// VerifyInput is the memory_verify tool input.
type VerifyInput struct {
	ID        string `json:"id" jsonschema:"Memory id to verify."`
	Ref       string `json:"ref,omitempty" jsonschema:"Branch, tag or commit to verify against. Citations with their own ref keep it."`
	Actor     string `json:"actor,omitempty" jsonschema:"Identifier of the agent verifying."`
	SessionID string `json:"session_id,omitempty" jsonschema:"Session the verification belongs to."`
}

func (s *Server) verifyMemory(ctx context.Context, _ *mcp.CallToolRequest, in VerifyInput) (*mcp.CallToolResult, any, error) {
	id, errResult := parseID(in.ID)
	if errResult != nil {
		return errResult, nil, nil
	}
	report, recorded, err := s.verifier.VerifyMemory(ctx, id, in.Ref, in.Actor, in.SessionID)
	if err != nil {
		if result, ok := errorToMCP(err); ok {
			return result, nil, nil
		}
		return nil, nil, fmt.Errorf("verifying memory: %w", err)
	}
	return dataToMCP(map[string]any{"report": report, "recorded": recorded}), nil, nil
}

// VerifyCitationsInput is the memory_verify_citations tool input.
type VerifyCitationsInput struct {
	Repo      string            `json:"repo" jsonschema:"Repository the citations point into."`
	Citations []memory.Citation `json:"citations" jsonschema:"Citations to check."`
	Ref       string            `json:"ref,omitempty" jsonschema:"Branch, tag or commit to verify against."`
}

func (s *Server) verifyCitations(ctx context.Context, _ *mcp.CallToolRequest, in VerifyCitationsInput) (*mcp.CallToolResult, any, error) {
	if in.Repo == "" {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "[invalid_input] repo is required"}},
			IsError: true,
		}, nil, nil
	}
	for _, c := range in.Citations {
		if err := c.Validate(); err != nil {
			if result, ok := errorToMCP(err); ok {
				return result, nil, nil
			}
			return nil, nil, fmt.Errorf("validating citation: %w", err)
		}
	}

	report := s.verifier.VerifyCitations(ctx, in.Repo, in.Citations, in.Ref)
	return dataToMCP(report), nil, nil
}
