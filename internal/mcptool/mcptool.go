// Package mcptool exposes the sidecar manager over MCP stdio, so agent
// clients can inspect the supervised server and ask for a restart
// without touching the preference file directly.
package mcptool

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/analos/sidecar/internal/prefs"
)

// ServerController is the manager surface the tools need.
type ServerController interface {
	IsRunning() bool
	CDPPort() int
	MCPPort() int
	AgentPort() int
	ExtensionPort() int
	AllowRemoteInMCP() bool
	Restart(reason string)
}

// New builds the MCP server with the control tools registered.
func New(ctrl ServerController, store *prefs.Store, version string) *server.MCPServer {
	srv := server.NewMCPServer("analos-sidecar", version)
	registerTools(srv, ctrl, store)
	return srv
}

// ServeStdio blocks serving MCP over stdin/stdout until the client
// disconnects.
func ServeStdio(srv *server.MCPServer) error {
	return server.ServeStdio(srv)
}

func registerTools(srv *server.MCPServer, ctrl ServerController, store *prefs.Store) {
	statusTool := mcplib.NewTool("server_status",
		mcplib.WithDescription(`Report the supervised AnalOS server's current state.

Returns whether the server process is running, its port assignments,
the remote-MCP flag, and the active server version.`),
	)
	srv.AddTool(statusTool, func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		v := store.Get()
		payload := map[string]interface{}{
			"running":             ctrl.IsRunning(),
			"allow_remote_in_mcp": ctrl.AllowRemoteInMCP(),
			"server_version":      v.ServerVersion,
			"install_id":          v.InstallID,
			"ports": map[string]int{
				"cdp":       ctrl.CDPPort(),
				"http_mcp":  ctrl.MCPPort(),
				"agent":     ctrl.AgentPort(),
				"extension": ctrl.ExtensionPort(),
			},
		}
		return jsonResult(payload)
	})

	portsTool := mcplib.NewTool("server_ports",
		mcplib.WithDescription(`List the four loopback ports assigned to the AnalOS server.

Ports are auto-discovered at startup and stay stable across restarts
unless the OS takes one away. Use this before connecting to the CDP or
HTTP-MCP endpoints.`),
	)
	srv.AddTool(portsTool, func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		return jsonResult(map[string]int{
			"cdp":       ctrl.CDPPort(),
			"http_mcp":  ctrl.MCPPort(),
			"agent":     ctrl.AgentPort(),
			"extension": ctrl.ExtensionPort(),
		})
	})

	restartTool := mcplib.NewTool("server_restart",
		mcplib.WithDescription(`Restart the supervised AnalOS server process.

The restart is asynchronous: the process is terminated, ports are
revalidated, and the server relaunches with a fresh config snapshot.
A restart already in progress makes this a no-op.`),
		mcplib.WithString("reason",
			mcplib.Description("Optional reason recorded in the host log"),
		),
	)
	srv.AddTool(restartTool, func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		reason := request.GetString("reason", "requested via MCP tool")
		ctrl.Restart(reason)
		return jsonResult(map[string]interface{}{
			"restarting": true,
			"reason":     reason,
		})
	})
}

func jsonResult(payload interface{}) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
	}, nil
}
