package actions

import (
	"context"

	"github.com/gobby-dev/gobby/internal/event"
)

// registerContextAndMessaging installs inject_context, inject_message,
// and switch_mode.
func registerContextAndMessaging(e *Executor) {
	e.register("inject_context", func(_ context.Context, _ *Deps, _ *Invocation, params map[string]any) (event.Response, error) {
		return event.Response{Action: event.Modify, InjectContext: stringParam(params, "text", "")}, nil
	})

	// inject_message behaves like inject_context but is meant for
	// short, single-line nudges rather than multi-paragraph context —
	// the engine's merge policy treats the two identically.
	e.register("inject_message", func(_ context.Context, _ *Deps, _ *Invocation, params map[string]any) (event.Response, error) {
		return event.Response{Action: event.Modify, InjectContext: stringParam(params, "message", "")}, nil
	})

	e.register("switch_mode", func(_ context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		mode := stringParam(params, "mode", "")
		if mode == "" {
			return event.Response{}, nil
		}
		return event.Response{}, deps.State.SetVariable(inv.SessionID, "mode", mode)
	})
}
