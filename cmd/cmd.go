// Package cmd provides the memstore CLI commands.
//
// Commands:
//   - serve: HTTP API server for the verified memory store
//   - mcp: Model Context Protocol server for agent integration
//   - migrate: apply pending database migrations and exit
//
// Signal handling and graceful shutdown are implemented for all commands via
// context cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
)

// Execute is the main entry point for the memstore CLI.
func Execute() error {
	// Initialize logger once at entry point
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "serve":
		return runServe()
	case "mcp":
		return runMCP()
	case "migrate":
		return runMigrate()
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("memstore - Verified memory store for coding agents")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  memstore serve [addr]  Start HTTP API server (default: 127.0.0.1:3500)")
	fmt.Println("  memstore mcp           Start MCP server (stdio transport)")
	fmt.Println("  memstore migrate       Apply pending database migrations")
	fmt.Println("  memstore --version     Show version information")
	fmt.Println("  memstore --help        Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  MEMSTORE_POSTGRES_PASSWORD  Required: database password")
	fmt.Println("  DATABASE_URL                Optional: overrides all postgres settings")
	fmt.Println("  MEMSTORE_CODEHOST_BASE_URL  Optional: code host API for citation checks")
	fmt.Println("  MEMSTORE_CODEHOST_TOKEN     Optional: bearer token for private repos")
	fmt.Println("  DEBUG                       Optional: enable debug logging")
}
