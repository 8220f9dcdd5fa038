package engine

import (
	"strings"

	"github.com/gobby-dev/gobby/internal/event"
	"github.com/gobby-dev/gobby/internal/rules"
)

// registerBuiltinBehaviors installs the Go-backed observer behaviors
// workflows may reference by name: mcp_call_tracking, detect_plan_mode,
// task_claim_tracking. Registration is idempotent only at daemon start;
// a second Engine in the same process must share the registry.
func registerBuiltinBehaviors(reg *rules.BehaviorRegistry) {
	_ = reg.Register("mcp_call_tracking", mcpCallTracking)
	_ = reg.Register("detect_plan_mode", detectPlanMode)
	_ = reg.Register("task_claim_tracking", taskClaimTracking)
}

// mcpCallTracking appends {server, tool} records to variables.mcp_calls
// for every after_tool event whose tool name carries an MCP server
// prefix (mcp__server__tool), feeding the mcp_called() helper.
func mcpCallTracking(h *event.Hook, variables map[string]any) (map[string]any, error) {
	if h.Type != event.AfterTool {
		return nil, nil
	}
	server, tool, ok := splitMCPToolName(h.ToolName)
	if !ok {
		return nil, nil
	}
	calls, _ := variables["mcp_calls"].([]any)
	next := make([]any, 0, len(calls)+1)
	next = append(next, calls...)
	next = append(next, map[string]any{"server": server, "tool": tool})
	return map[string]any{"mcp_calls": next}, nil
}

// detectPlanMode flags plan_mode when the session writes a plan file,
// feeding is_plan_file()-adjacent guards without an expression per tool.
func detectPlanMode(h *event.Hook, variables map[string]any) (map[string]any, error) {
	if h.Type != event.BeforeTool {
		return nil, nil
	}
	if h.ToolName != "Write" && h.ToolName != "Edit" {
		return nil, nil
	}
	path, _ := h.ToolInput["file_path"].(string)
	lower := strings.ToLower(path)
	if strings.Contains(lower, "plan") && strings.HasSuffix(lower, ".md") {
		return map[string]any{"plan_mode": true, "plan_file": path}, nil
	}
	return nil, nil
}

// taskClaimTracking records the task id a session claims through the
// gobby-tasks registry so later guards and the stuck detector can see
// which task is in scope.
func taskClaimTracking(h *event.Hook, variables map[string]any) (map[string]any, error) {
	if h.Type != event.AfterTool {
		return nil, nil
	}
	server, tool, ok := splitMCPToolName(h.ToolName)
	if !ok || server != "gobby-tasks" {
		return nil, nil
	}
	if tool != "claim_task" && tool != "start_task" {
		return nil, nil
	}
	id, _ := h.ToolInput["task_id"].(string)
	if id == "" {
		return nil, nil
	}
	return map[string]any{"current_task_id": id}, nil
}

// splitMCPToolName decomposes "mcp__server__tool" announced names.
func splitMCPToolName(name string) (server, tool string, ok bool) {
	if !strings.HasPrefix(name, "mcp__") {
		return "", "", false
	}
	rest := name[len("mcp__"):]
	i := strings.Index(rest, "__")
	if i < 0 {
		return "", "", false
	}
	return rest[:i], rest[i+2:], true
}
