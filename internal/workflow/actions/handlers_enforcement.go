package actions

import (
	"context"
	"fmt"

	"github.com/gobby-dev/gobby/internal/event"
	"github.com/gobby-dev/gobby/internal/storage"
)

// registerEnforcement installs block_tools, require_task_complete,
// require_commit_before_stop, validate_session_task_scope,
// capture_baseline_dirty_files.
func registerEnforcement(e *Executor) {
	// block_tools adds to a session-scoped blocklist the engine's tool
	// permission check consults in addition to the active phase's own
	// blocked_tools.
	e.register("block_tools", func(_ context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		names := sliceParam(params, "tools")
		ws, err := deps.State.Get(inv.SessionID)
		if err != nil {
			return event.Response{}, err
		}
		seen := map[string]bool{}
		merged := make([]string, 0, len(names))
		// The stored override is []string while it lives in the state
		// cache and []any once it has round-tripped through the DB.
		switch existing := ws.Variables["blocked_tools_override"].(type) {
		case []any:
			for _, v := range existing {
				if s, ok := v.(string); ok && !seen[s] {
					seen[s] = true
					merged = append(merged, s)
				}
			}
		case []string:
			for _, s := range existing {
				if !seen[s] {
					seen[s] = true
					merged = append(merged, s)
				}
			}
		}
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				merged = append(merged, n)
			}
		}
		return event.Response{}, deps.State.SetVariable(inv.SessionID, "blocked_tools_override", merged)
	})

	e.register("require_task_complete", func(_ context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		taskID := stringParam(params, "task_id", "")
		if taskID == "" {
			ws, err := deps.State.Get(inv.SessionID)
			if err != nil {
				return event.Response{}, err
			}
			taskID, _ = ws.Variables["current_task_id"].(string)
		}
		if taskID == "" {
			return event.Response{}, nil
		}
		t, err := deps.Store.Tasks.Get(taskID)
		if err != nil {
			return event.Response{}, err
		}
		if t.Status != storage.TaskClosed {
			return event.BlockResponse(fmt.Sprintf("task %s is not complete yet", taskID)), nil
		}
		return event.Response{}, nil
	})

	e.register("require_commit_before_stop", func(_ context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		ws, err := deps.State.Get(inv.SessionID)
		if err != nil {
			return event.Response{}, err
		}
		commitsSince, _ := ws.Variables["commits_since_baseline"].(float64)
		if commitsSince < 1 {
			reason := stringParam(params, "reason", "commit your changes before stopping")
			return event.BlockResponse(reason), nil
		}
		return event.Response{}, nil
	})

	e.register("validate_session_task_scope", func(_ context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		ws, err := deps.State.Get(inv.SessionID)
		if err != nil {
			return event.Response{}, err
		}
		if _, ok := ws.Variables["current_task_id"]; !ok {
			return event.Response{Action: event.Modify, InjectContext: "no task is currently in scope for this session"}, nil
		}
		return event.Response{}, nil
	})

	e.register("capture_baseline_dirty_files", func(_ context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		files := sliceParam(params, "files")
		if err := deps.State.SetVariable(inv.SessionID, "dirty_files_baseline", files); err != nil {
			return event.Response{}, err
		}
		return event.Response{}, deps.State.SetVariable(inv.SessionID, "commits_since_baseline", 0.0)
	})
}
