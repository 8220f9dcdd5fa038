// Package internalregistries implements the virtual MCP servers the
// proxy mounts in-process against the daemon's storage: gobby-tasks,
// gobby-sessions, gobby-workflows, gobby-memory, gobby-skills. Handlers
// never surface storage failures as MCP protocol errors — every failure
// comes back as a structured tool-result error payload the model can
// read and react to.
package internalregistries

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

// jsonResult marshals v as the tool's text payload.
func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError("encoding result: " + err.Error())
	}
	return mcp.NewToolResultText(string(data))
}

// statusError wraps a failure as the {status, error} payload internal
// registries answer with instead of a protocol error.
func statusError(err error) *mcp.CallToolResult {
	data, _ := json.Marshal(map[string]any{"status": "error", "error": err.Error()})
	return mcp.NewToolResultError(string(data))
}
