// Callbench MCP server.
// Exposes the benchmark API as tools over MCP stdio transport.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/callbench/internal/mcp"
)

func main() {
	baseURL := os.Getenv("CALLBENCH_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	s := server.NewMCPServer(
		"callbench",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	mcptools.RegisterTools(s, mcptools.NewClient(baseURL))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
