package actions

import (
	"context"

	"github.com/gobby-dev/gobby/internal/event"
	"github.com/gobby-dev/gobby/internal/storage"
)

// registerTasks installs persist_tasks, write_todos, mark_todo_complete,
// close_task, start_new_session. Task CRUD itself lives in
// storage.TaskManager; these handlers are the thin verb-shaped seam the
// workflow engine dispatches into.
func registerTasks(e *Executor) {
	e.register("persist_tasks", func(_ context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		items, _ := params["tasks"].([]any)
		created := make([]string, 0, len(items))
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			title := stringParam(m, "title", "")
			if title == "" {
				continue
			}
			description := stringParam(m, "description", "")
			taskType := stringParam(m, "task_type", "task")
			priority := int(floatParam(m, "priority", 2))
			t, err := deps.Store.Tasks.Create(inv.ProjectID, title, description, taskType, priority)
			if err != nil {
				return event.Response{}, err
			}
			created = append(created, t.ID)
		}
		return event.Response{}, deps.State.SetVariable(inv.SessionID, "created_task_ids", created)
	})

	e.register("write_todos", func(_ context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		return event.Response{}, deps.State.SetVariable(inv.SessionID, "todo_state", params["todos"])
	})

	e.register("mark_todo_complete", func(_ context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		ws, err := deps.State.Get(inv.SessionID)
		if err != nil {
			return event.Response{}, err
		}
		todos, _ := ws.Variables["todo_state"].([]any)
		content := stringParam(params, "content", "")
		index := int(floatParam(params, "index", -1))
		for i, item := range todos {
			todo, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if (index >= 0 && i == index) || (content != "" && todo["content"] == content) {
				todo["status"] = "completed"
			}
		}
		return event.Response{}, deps.State.SetVariable(inv.SessionID, "todo_state", todos)
	})

	e.register("close_task", func(_ context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		taskID := stringParam(params, "task_id", "")
		reason := stringParam(params, "reason", "")
		if taskID == "" {
			return event.Response{}, nil
		}
		return event.Response{}, deps.Store.Tasks.SetStatus(taskID, storage.TaskClosed, reason)
	})

	e.register("start_new_session", func(ctx context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		cli := stringParam(params, "cli", "")
		prompt := stringParam(params, "prompt", "")
		systemPrompt := stringParam(params, "system_prompt", "")
		workingDir := stringParam(params, "working_dir", "")
		childID, err := deps.Autonomy.Chain(ctx, inv.SessionID, cli, prompt, systemPrompt, workingDir)
		if err != nil {
			return event.Response{}, err
		}
		return event.Response{}, deps.State.SetVariable(inv.SessionID, "chained_session_id", childID)
	})
}
