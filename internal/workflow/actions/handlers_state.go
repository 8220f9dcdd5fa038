package actions

import (
	"context"

	"github.com/gobby-dev/gobby/internal/event"
)

// registerStateVerbs installs set_variable, increment_variable,
// clear_variable, load_workflow_state, save_workflow_state. load/save
// have no effect beyond what every other state verb already does:
// mutations write through on every call, so there is nothing left for
// an explicit save to flush, and load simply re-reads the cache. Both
// verbs exist so workflow authors can mark explicit save points without
// the engine needing a second persistence model underneath.
func registerStateVerbs(e *Executor) {
	e.register("set_variable", func(_ context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		name := stringParam(params, "name", "")
		return event.Response{}, deps.State.SetVariable(inv.SessionID, name, params["value"])
	})

	e.register("increment_variable", func(_ context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		name := stringParam(params, "name", "")
		by := floatParam(params, "by", 1)
		return event.Response{}, deps.State.IncrementVariable(inv.SessionID, name, by)
	})

	e.register("clear_variable", func(_ context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		name := stringParam(params, "name", "")
		return event.Response{}, deps.State.ClearVariable(inv.SessionID, name)
	})

	e.register("load_workflow_state", func(_ context.Context, deps *Deps, inv *Invocation, _ map[string]any) (event.Response, error) {
		_, err := deps.State.Get(inv.SessionID)
		return event.Response{}, err
	})

	e.register("save_workflow_state", func(_ context.Context, deps *Deps, inv *Invocation, _ map[string]any) (event.Response, error) {
		ws, err := deps.State.Get(inv.SessionID)
		if err != nil {
			return event.Response{}, err
		}
		return event.Response{}, deps.Store.Workflows.Save(ws)
	})
}
