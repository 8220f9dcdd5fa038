package internalregistries

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gobby-dev/gobby/internal/mcpproxy"
	"github.com/gobby-dev/gobby/internal/storage"
)

// Tasks builds the gobby-tasks registry: persistent task CRUD, the
// dependency graph, and the ready-task query autonomous workflows pull
// their next unit of work from.
func Tasks(store *storage.Store) *mcpproxy.InternalServer {
	return &mcpproxy.InternalServer{
		Name: "gobby-tasks",
		Tools: []mcpproxy.InternalTool{
			{
				Tool: mcp.NewTool("create_task",
					mcp.WithDescription("Create a persistent task. Tasks survive session boundaries and feed the autonomous loop's ready queue."),
					mcp.WithString("title", mcp.Required(), mcp.Description("Short imperative title")),
					mcp.WithString("description", mcp.Description("What needs to be done, in enough detail for a later session")),
					mcp.WithString("task_type", mcp.Description("bug | feature | task | epic | chore"), mcp.Enum("bug", "feature", "task", "epic", "chore")),
					mcp.WithNumber("priority", mcp.Description("1 (highest) to 4 (lowest), default 2")),
				),
				Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					title := req.GetString("title", "")
					if title == "" {
						return mcp.NewToolResultError("'title' is required"), nil
					}
					taskType := req.GetString("task_type", "task")
					priority := req.GetInt("priority", 2)
					t, err := store.Tasks.Create(store.ProjectID, title, req.GetString("description", ""), taskType, priority)
					if err != nil {
						return statusError(err), nil
					}
					return jsonResult(taskPayload(t)), nil
				},
			},
			{
				Tool: mcp.NewTool("get_task",
					mcp.WithDescription("Fetch a task by its short reference (gt-XXXXXX)."),
					mcp.WithString("task_id", mcp.Required(), mcp.Description("The task's short reference")),
				),
				Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					t, err := store.Tasks.Get(req.GetString("task_id", ""))
					if err != nil {
						return statusError(err), nil
					}
					return jsonResult(taskPayload(t)), nil
				},
			},
			{
				Tool: mcp.NewTool("list_tasks",
					mcp.WithDescription("List tasks, optionally filtered by status."),
					mcp.WithString("status", mcp.Description("open | in_progress | closed | escalated; empty lists everything"), mcp.Enum("open", "in_progress", "closed", "escalated")),
				),
				Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					tasks, err := store.Tasks.ListByStatus(store.ProjectID, storage.TaskStatus(req.GetString("status", "")))
					if err != nil {
						return statusError(err), nil
					}
					return jsonResult(taskList(tasks)), nil
				},
			},
			{
				Tool: mcp.NewTool("list_ready_tasks",
					mcp.WithDescription("List open tasks whose blocking dependencies are all closed — the autonomous loop's work queue."),
				),
				Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					tasks, err := store.Tasks.Ready(store.ProjectID)
					if err != nil {
						return statusError(err), nil
					}
					return jsonResult(taskList(tasks)), nil
				},
			},
			{
				Tool: mcp.NewTool("claim_task",
					mcp.WithDescription("Mark a task in_progress for the current session."),
					mcp.WithString("task_id", mcp.Required(), mcp.Description("The task's short reference")),
				),
				Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					id := req.GetString("task_id", "")
					if err := store.Tasks.SetStatus(id, storage.TaskInProgress, ""); err != nil {
						return statusError(err), nil
					}
					return jsonResult(map[string]any{"status": "ok", "task_id": id, "task_status": "in_progress"}), nil
				},
			},
			{
				Tool: mcp.NewTool("close_task",
					mcp.WithDescription("Close a task, recording why."),
					mcp.WithString("task_id", mcp.Required(), mcp.Description("The task's short reference")),
					mcp.WithString("reason", mcp.Description("Why the task is done (or abandoned)")),
				),
				Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					id := req.GetString("task_id", "")
					if err := store.Tasks.SetStatus(id, storage.TaskClosed, req.GetString("reason", "")); err != nil {
						return statusError(err), nil
					}
					return jsonResult(map[string]any{"status": "ok", "task_id": id, "task_status": "closed"}), nil
				},
			},
			{
				Tool: mcp.NewTool("add_dependency",
					mcp.WithDescription("Record that one task depends on another. 'blocks' dependencies gate readiness and must stay acyclic."),
					mcp.WithString("task_id", mcp.Required(), mcp.Description("The dependent task")),
					mcp.WithString("depends_on", mcp.Required(), mcp.Description("The task it waits for")),
					mcp.WithString("dep_type", mcp.Description("blocks | related | discovered-from, default blocks"), mcp.Enum("blocks", "related", "discovered-from")),
				),
				Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
					depType := storage.DependencyType(req.GetString("dep_type", string(storage.DepBlocks)))
					err := store.Tasks.AddDependency(req.GetString("task_id", ""), req.GetString("depends_on", ""), depType)
					if err != nil {
						return statusError(err), nil
					}
					return jsonResult(map[string]any{"status": "ok"}), nil
				},
			},
		},
	}
}

func taskPayload(t *storage.Task) map[string]any {
	return map[string]any{
		"id":          t.ID,
		"title":       t.Title,
		"description": t.Description,
		"status":      string(t.Status),
		"priority":    t.Priority,
		"task_type":   t.TaskType,
		"labels":      t.Labels,
		"created_at":  t.CreatedAt,
		"updated_at":  t.UpdatedAt,
	}
}

func taskList(tasks []*storage.Task) map[string]any {
	items := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, taskPayload(t))
	}
	return map[string]any{"count": len(items), "tasks": items}
}
