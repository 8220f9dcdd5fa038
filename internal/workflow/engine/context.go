package engine

import (
	"github.com/gobby-dev/gobby/internal/event"
	"github.com/gobby-dev/gobby/internal/eval"
	"github.com/gobby-dev/gobby/internal/storage"
)

// buildEvalCtx assembles the read-only context every guard, observer
// template, and action template evaluates against: {event, state,
// variables, settings, session, task}.
func (e *Engine) buildEvalCtx(h *event.Hook, ws *storage.WorkflowState, sess *storage.Session) eval.Context {
	ctx := eval.Context{
		"event":     hookToMap(h),
		"state":     e.stateToMap(h.SessionID, ws),
		"variables": map[string]any{},
		"settings":  map[string]any{},
		"session":   sessionToMap(sess),
		"task":      e.taskToMap(ws),
	}
	if ws != nil {
		if ws.Variables != nil {
			ctx["variables"] = ws.Variables
		}
		if cw, err := e.compile(ws.WorkflowName); err == nil {
			ctx["settings"] = settingsToMap(cw)
		}
	}
	return ctx
}

// refreshCtx rebuilds the context from freshly loaded state, for use
// after transitions or variable writes within the same pass.
func (e *Engine) refreshCtx(h *event.Hook, sess *storage.Session) eval.Context {
	ws, _ := e.State.Get(h.SessionID)
	return e.buildEvalCtx(h, ws, sess)
}

func hookToMap(h *event.Hook) map[string]any {
	return map[string]any{
		"type":            string(h.Type),
		"session_id":      h.SessionID,
		"tool_name":       h.ToolName,
		"tool_input":      h.ToolInput,
		"tool_result":     h.ToolResult,
		"prompt_text":     h.PromptText,
		"transcript_path": h.TranscriptPath,
		"trigger_source":  string(h.TriggerSource),
		"metadata":        h.Metadata,
	}
}

func (e *Engine) stateToMap(sessionID string, ws *storage.WorkflowState) map[string]any {
	m := map[string]any{}
	if ws != nil {
		m["workflow_name"] = ws.WorkflowName
		m["phase"] = ws.Phase
		m["phase_entered_at"] = ws.PhaseEnteredAt
		m["phase_action_count"] = float64(ws.PhaseActionCount)
		m["total_action_count"] = float64(ws.TotalActionCount)
		m["current_task_index"] = float64(ws.CurrentTaskIndex)
	}
	if sig, err := e.Store.Stops.Check(sessionID); err == nil && sig != nil {
		m["stop_signal"] = sig.Reason
	}
	return m
}

func sessionToMap(sess *storage.Session) map[string]any {
	if sess == nil {
		return map[string]any{}
	}
	return map[string]any{
		"id":                sess.ID,
		"project_id":        sess.ProjectID,
		"source":            sess.Source,
		"status":            string(sess.Status),
		"autonomous":        sess.Autonomous,
		"parent_session_id": sess.ParentSessionID,
	}
}

func (e *Engine) taskToMap(ws *storage.WorkflowState) map[string]any {
	if ws == nil {
		return map[string]any{}
	}
	id, _ := ws.Variables["current_task_id"].(string)
	if id == "" {
		return map[string]any{}
	}
	t, err := e.Store.Tasks.Get(id)
	if err != nil {
		return map[string]any{"id": id}
	}
	return map[string]any{
		"id":       t.ID,
		"title":    t.Title,
		"status":   string(t.Status),
		"priority": float64(t.Priority),
		"type":     t.TaskType,
	}
}

func settingsToMap(cw *compiledWorkflow) map[string]any {
	sd := cw.def.Settings.StuckDetection
	return map[string]any{
		"stuck_detection": map[string]any{
			"max_phase_duration_minutes":   float64(sd.MaxPhaseDurationMinutes),
			"same_task_threshold":          float64(sd.SameTaskThreshold),
			"validation_failure_threshold": float64(sd.ValidationFailureThreshold),
		},
	}
}

// applyObservers runs the workflow's observers that match the event,
// writing their variable updates through the state manager before any
// guard evaluates. The passed context is updated in place so the rest
// of the pass sees the new variables without a reload.
func (e *Engine) applyObservers(cw *compiledWorkflow, h *event.Hook, evalCtx eval.Context) {
	variables, _ := evalCtx["variables"].(map[string]any)
	for _, obs := range cw.observers {
		if !obs.Matches(h) {
			continue
		}
		var updates map[string]any
		if obs.IsBehaviorBacked() {
			var err error
			updates, err = e.Behaviors.Run(obs.Behavior, h, variables)
			if err != nil {
				e.Log.Warn("observer %q behavior failed: %v", obs.Name, err)
				continue
			}
		} else {
			updates = obs.Apply(map[string]any(evalCtx))
		}
		for key, value := range updates {
			if err := e.State.SetVariable(h.SessionID, key, value); err != nil {
				e.Log.Warn("observer %q setting variable %q: %v", obs.Name, key, err)
				continue
			}
			if variables != nil {
				variables[key] = value
			}
		}
	}
}
