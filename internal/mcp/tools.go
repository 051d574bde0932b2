package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RegisterTools registers all callbench tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerRun(s, client)
	registerLastRun(s, client)
	registerScenarios(s, client)
	registerAccounts(s, client)
	registerRPCLatency(s, client)
}

func unreachable(err error) *gomcp.CallToolResult {
	return gomcp.NewToolResultError(fmt.Sprintf("callbench unreachable: %v\n\nIs the server running? Try: callbench serve", err))
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("callbench_status",
		gomcp.WithDescription("Get benchmark server status: whether a run is executing, calls in flight, last run id."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/status")
		if err != nil {
			return unreachable(err), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("callbench_health",
		gomcp.WithDescription("Quick health check for the benchmark server. Checks RPC node connectivity."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/ready")
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusServiceUnavailable {
				return gomcp.NewToolResultError(formatHealth([]byte(httpErr.Body))), nil
			}
			return gomcp.NewToolResultError(fmt.Sprintf("callbench unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("callbench_run",
		gomcp.WithDescription("Run the benchmark and return its report. This is a MUTATING operation: write scenarios send transactions. Blocks until every call settles."),
		gomcp.WithString("scenarios",
			gomcp.Description("Comma-separated scenario names to run (default: all). See callbench_scenarios."),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		payload := map[string]any{}
		if names := splitNames(req.GetString("scenarios", "")); len(names) > 0 {
			payload["scenarios"] = names
		}

		raw, err := client.Post(ctx, "/v1/runs", payload)
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) {
				return gomcp.NewToolResultError(fmt.Sprintf("Run rejected: %v", err)), nil
			}
			return unreachable(err), nil
		}
		return gomcp.NewToolResultText(formatRun(raw)), nil
	})
}

func registerLastRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("callbench_last_run",
		gomcp.WithDescription("Get the report of the most recent completed run: per-scenario success/failed counts, latency, error analysis."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/runs/latest")
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
				return gomcp.NewToolResultText("No completed run yet. Start one with callbench_run."), nil
			}
			return unreachable(err), nil
		}
		return gomcp.NewToolResultText(formatRun(raw)), nil
	})
}

func registerScenarios(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("callbench_scenarios",
		gomcp.WithDescription("List configured scenarios with their contract call, dispatch mode and number of calls."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/scenarios")
		if err != nil {
			return unreachable(err), nil
		}
		return gomcp.NewToolResultText(formatScenarios(raw)), nil
	})
}

func registerAccounts(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("callbench_accounts",
		gomcp.WithDescription("List the account ids in the benchmark pool, in order."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/accounts")
		if err != nil {
			return unreachable(err), nil
		}
		return gomcp.NewToolResultText(formatAccounts(raw)), nil
	})
}

func registerRPCLatency(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("callbench_rpc_latency",
		gomcp.WithDescription("Per JSON-RPC method latency (p50/p90/p99) observed during the current or last run."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/rpc-latency")
		if err != nil {
			return unreachable(err), nil
		}
		return gomcp.NewToolResultText(formatRPCLatency(raw)), nil
	})
}

func splitNames(s string) []string {
	var names []string
	for _, n := range strings.Split(s, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return names
}
