package daemon

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// BuildMCPServer presents the aggregated catalog as a single MCP server
// the client CLI connects to. Tool handlers route back through the
// proxy manager, so internal registries and upstreams look identical to
// the client.
//
// The announced set is the unfiltered catalog: per-session phase
// filtering happens at call time (the session id travels in the tool
// arguments under _session_id when the adapter supplies it), since one
// stdio server may serve hooks for many sessions of the same project.
func (d *Daemon) BuildMCPServer(version string) *server.MCPServer {
	s := server.NewMCPServer(
		"gobby",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions("Gobby aggregates your configured MCP servers and adds the gobby-* registries for tasks, sessions, workflows, memory, and skills."),
	)

	for _, tool := range d.Proxy.ListTools("") {
		tool := tool
		s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args, _ := req.Params.Arguments.(map[string]any)
			sessionID := ""
			if args != nil {
				if sid, ok := args["_session_id"].(string); ok {
					sessionID = sid
					delete(args, "_session_id")
				}
			}
			return d.Proxy.CallTool(ctx, sessionID, tool.Name, args)
		})
	}
	return s
}
