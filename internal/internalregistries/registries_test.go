package internalregistries

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gobby-dev/gobby/internal/autonomy"
	"github.com/gobby-dev/gobby/internal/gobbylog"
	"github.com/gobby-dev/gobby/internal/mcpproxy"
	"github.com/gobby-dev/gobby/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(t.TempDir(), "proj-1", "", gobbylog.Discard("test"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func callTool(t *testing.T, reg *mcpproxy.InternalServer, tool string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	for _, entry := range reg.Tools {
		if entry.Tool.Name != tool {
			continue
		}
		req := mcp.CallToolRequest{}
		req.Params.Name = tool
		req.Params.Arguments = args
		res, err := entry.Handler(context.Background(), req)
		if err != nil {
			t.Fatalf("%s returned a protocol error, internal registries must not: %v", tool, err)
		}
		return res
	}
	t.Fatalf("registry %s has no tool %q", reg.Name, tool)
	return nil
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatalf("result has no text content: %+v", res)
	return ""
}

func TestTasksRegistryCreateListClose(t *testing.T) {
	store := newTestStore(t)
	reg := Tasks(store)

	res := callTool(t, reg, "create_task", map[string]any{"title": "fix the flaky test", "task_type": "bug"})
	var created map[string]any
	if err := json.Unmarshal([]byte(resultText(t, res)), &created); err != nil {
		t.Fatalf("create_task payload: %v", err)
	}
	id, _ := created["id"].(string)
	if !strings.HasPrefix(id, "gt-") {
		t.Fatalf("expected gt- short ref, got %q", id)
	}

	res = callTool(t, reg, "list_ready_tasks", nil)
	if !strings.Contains(resultText(t, res), id) {
		t.Fatal("new task should be ready")
	}

	callTool(t, reg, "claim_task", map[string]any{"task_id": id})
	callTool(t, reg, "close_task", map[string]any{"task_id": id, "reason": "done"})

	got, err := store.Tasks.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.TaskClosed {
		t.Fatalf("expected closed, got %s", got.Status)
	}
}

func TestTasksRegistryCycleIsStructuredError(t *testing.T) {
	store := newTestStore(t)
	reg := Tasks(store)
	a, _ := store.Tasks.Create("proj-1", "a", "", "task", 1)
	b, _ := store.Tasks.Create("proj-1", "b", "", "task", 1)
	if err := store.Tasks.AddDependency(b.ID, a.ID, storage.DepBlocks); err != nil {
		t.Fatal(err)
	}

	res := callTool(t, reg, "add_dependency", map[string]any{
		"task_id": a.ID, "depends_on": b.ID, "dep_type": "blocks",
	})
	if !res.IsError {
		t.Fatal("cycle should come back as a structured tool error")
	}
	if !strings.Contains(resultText(t, res), "cycle") {
		t.Fatalf("error payload should name the cycle: %s", resultText(t, res))
	}
}

func TestSessionsRegistryStopIssuesSignal(t *testing.T) {
	store := newTestStore(t)
	ctrl := autonomy.New(store, nil, gobbylog.Discard("autonomy"))
	reg := Sessions(store, ctrl)

	if _, err := store.Sessions.Create("s1", "proj-1", "claude_code", true, ""); err != nil {
		t.Fatal(err)
	}
	callTool(t, reg, "stop_session", map[string]any{"session_id": "s1", "reason": "user"})

	sig, err := store.Stops.Check("s1")
	if err != nil {
		t.Fatal(err)
	}
	if sig == nil || sig.Reason != "user" {
		t.Fatalf("expected pending stop signal, got %+v", sig)
	}
}

func TestMemoryRegistrySaveAndRecall(t *testing.T) {
	store := newTestStore(t)
	reg := Memory(store)

	callTool(t, reg, "save_memory", map[string]any{
		"title": "journal mode", "content": "rollback journal for portability", "memory_type": "decision",
	})
	res := callTool(t, reg, "recall", map[string]any{"query": "journal"})
	if !strings.Contains(resultText(t, res), "journal mode") {
		t.Fatalf("recall should find the saved memory: %s", resultText(t, res))
	}
}

func TestMemoryRegistryMissingTitle(t *testing.T) {
	store := newTestStore(t)
	reg := Memory(store)
	res := callTool(t, reg, "save_memory", map[string]any{"content": "no title"})
	if !res.IsError {
		t.Fatal("missing title should be a structured error")
	}
}
