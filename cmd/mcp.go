package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	mcpSdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/app"
	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/config"
	"github.com/Insightpulseai-net/pulser-agent-framework-sub002/internal/mcp"
)

// runMCP initializes and starts the MCP server on stdio transport.
func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Setup(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			a.Logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	logger := a.Logger
	logger.Info("starting MCP server", "version", Version)

	mcpCfg := mcp.Config{
		Name:    "memstore",
		Version: Version,
		Store:   a.Store,
		Logger:  logger,
	}
	if a.Verifier != nil {
		mcpCfg.Verifier = a.Verifier
	}

	mcpServer, err := mcp.NewServer(mcpCfg)
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}

	logger.Info("MCP server ready", "name", "memstore", "version", Version, "transport", "stdio")

	if err := mcpServer.Run(ctx, &mcpSdk.StdioTransport{}); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}

	logger.Info("MCP server shut down gracefully")
	return nil
}
