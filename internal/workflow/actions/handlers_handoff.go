package actions

import (
	"context"

	"github.com/gobby-dev/gobby/internal/event"
	"github.com/gobby-dev/gobby/internal/storage"
)

// registerHandoff installs generate_handoff, restore_from_handoff,
// find_parent_session, mark_session_status.
func registerHandoff(e *Executor) {
	e.register("generate_handoff", func(_ context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		ws, err := deps.State.Get(inv.SessionID)
		if err != nil {
			return event.Response{}, err
		}
		payload := map[string]any{
			"phase":        ws.Phase,
			"variables":    ws.Variables,
			"observations": ws.Observations,
			"summary":      stringParam(params, "summary", ""),
		}
		if err := deps.Store.Workflows.SaveHandoff(inv.SessionID, ws.WorkflowName, payload); err != nil {
			return event.Response{}, err
		}
		return event.Response{}, deps.Store.Sessions.SetStatus(inv.SessionID, storage.SessionHandoff)
	})

	e.register("restore_from_handoff", func(_ context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		sourceSessionID := stringParam(params, "from_session_id", inv.SessionID)
		handoff, err := deps.Store.Workflows.LoadHandoff(sourceSessionID)
		if err != nil {
			return event.Response{}, err
		}
		if variables, ok := handoff.Payload["variables"].(map[string]any); ok {
			for k, v := range variables {
				if err := deps.State.SetVariable(inv.SessionID, k, v); err != nil {
					return event.Response{}, err
				}
			}
		}
		summary, _ := handoff.Payload["summary"].(string)
		if err := deps.Store.Workflows.DeleteHandoff(sourceSessionID); err != nil {
			deps.Log.Warn("removing restored handoff for %s: %v", sourceSessionID, err)
		}
		return event.Response{Action: event.Modify, InjectContext: summary}, nil
	})

	e.register("find_parent_session", func(_ context.Context, deps *Deps, inv *Invocation, _ map[string]any) (event.Response, error) {
		parent, err := deps.Store.Sessions.FindParent(inv.SessionID)
		if err != nil {
			return event.Response{}, deps.State.SetVariable(inv.SessionID, "parent_session_found", false)
		}
		if err := deps.State.SetVariable(inv.SessionID, "parent_session_found", true); err != nil {
			return event.Response{}, err
		}
		return event.Response{}, deps.State.SetVariable(inv.SessionID, "parent_session_id", parent.ID)
	})

	e.register("mark_session_status", func(_ context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		status := storage.SessionStatus(stringParam(params, "status", string(storage.SessionActive)))
		return event.Response{}, deps.Store.Sessions.SetStatus(inv.SessionID, status)
	})
}
