package actions

import (
	"context"

	"github.com/gobby-dev/gobby/internal/event"
)

// MCPCaller is the narrow seam the action executor needs into the MCP
// proxy manager (internal/mcpproxy) for the call_mcp_tool verb.
// It is an interface rather than a concrete *mcpproxy.Manager
// field so this package never imports mcpproxy — actions is lower in
// the dependency graph (mcpproxy itself dispatches into actions for
// trigger-style workflows bound to tool events).
type MCPCaller interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (map[string]any, error)
}

// registerMCP installs call_mcp_tool. The call is also
// appended to the session's mcp_calls variable so the mcp_called()
// evaluator helper (internal/eval/helpers.go) can see it on the next
// evaluation within the same or a later pipeline pass.
func registerMCP(e *Executor) {
	e.register("call_mcp_tool", func(ctx context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		if deps.MCP == nil {
			return event.Response{}, nil
		}
		server := stringParam(params, "server", "")
		tool := stringParam(params, "tool", "")
		args, _ := params["args"].(map[string]any)

		result, err := deps.MCP.CallTool(ctx, server, tool, args)

		ws, getErr := deps.State.Get(inv.SessionID)
		if getErr == nil {
			calls, _ := ws.Variables["mcp_calls"].([]any)
			calls = append(calls, map[string]any{"server": server, "tool": tool})
			_ = deps.State.SetVariable(inv.SessionID, "mcp_calls", calls)
		}
		if err != nil {
			return event.Response{}, err
		}

		variable := stringParam(params, "result_variable", "last_mcp_result")
		return event.Response{}, deps.State.SetVariable(inv.SessionID, variable, result)
	})
}
