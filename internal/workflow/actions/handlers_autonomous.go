package actions

import (
	"context"
	"time"

	"github.com/gobby-dev/gobby/internal/autonomy"
	"github.com/gobby-dev/gobby/internal/event"
)

// registerAutonomous installs check_stop_signal, clear_stop_signal,
// start_progress_tracking, stop_progress_tracking, record_progress,
// check_stuck, handle_stuck.
func registerAutonomous(e *Executor) {
	e.register("check_stop_signal", func(_ context.Context, deps *Deps, inv *Invocation, _ map[string]any) (event.Response, error) {
		sig, err := deps.Autonomy.ConsumeStop(inv.SessionID)
		if err != nil {
			return event.Response{}, err
		}
		if sig == nil {
			return event.Response{}, nil
		}
		if err := deps.State.SetVariable(inv.SessionID, "stop_signal", sig.Reason); err != nil {
			return event.Response{}, err
		}
		return event.BlockResponse(sig.Reason), nil
	})

	e.register("clear_stop_signal", func(_ context.Context, deps *Deps, inv *Invocation, _ map[string]any) (event.Response, error) {
		return event.Response{}, deps.Store.Stops.Clear(inv.SessionID)
	})

	e.register("start_progress_tracking", func(_ context.Context, deps *Deps, inv *Invocation, _ map[string]any) (event.Response, error) {
		return event.Response{}, deps.State.SetVariable(inv.SessionID, "progress_tracking", true)
	})

	e.register("stop_progress_tracking", func(_ context.Context, deps *Deps, inv *Invocation, _ map[string]any) (event.Response, error) {
		deps.Autonomy.ResetStuckTracking(inv.SessionID)
		return event.Response{}, deps.State.SetVariable(inv.SessionID, "progress_tracking", false)
	})

	e.register("record_progress", func(_ context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		kind := autonomy.RecordKind(stringParam(params, "kind", ""))
		deps.Autonomy.Record(inv.SessionID, kind)
		if taskID := stringParam(params, "task_id", ""); taskID != "" {
			deps.Autonomy.RecordTaskSelection(inv.SessionID, taskID)
		}
		return event.Response{}, nil
	})

	e.register("check_stuck", func(_ context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		thresholds := autonomy.StuckThresholds{
			SameTaskThreshold:           int(floatParam(params, "same_task_threshold", 3)),
			ValidationFailureThreshold:  int(floatParam(params, "validation_failure_threshold", 3)),
			StagnationWindow:            time.Duration(floatParam(params, "stagnation_window_seconds", 0)) * time.Second,
		}
		reason := deps.Autonomy.CheckStuck(inv.SessionID, thresholds)
		if err := deps.State.SetVariable(inv.SessionID, "stuck_reason", string(reason)); err != nil {
			return event.Response{}, err
		}
		if reason == autonomy.StuckNone {
			return event.Response{}, nil
		}
		return event.Response{Action: event.Modify, InjectContext: "the autonomous loop appears stuck: " + string(reason) + ". Reflect before continuing."}, nil
	})

	e.register("handle_stuck", func(_ context.Context, deps *Deps, inv *Invocation, _ map[string]any) (event.Response, error) {
		deps.Autonomy.ResetStuckTracking(inv.SessionID)
		return event.Response{}, deps.State.SetVariable(inv.SessionID, "handled_stuck", true)
	})
}
