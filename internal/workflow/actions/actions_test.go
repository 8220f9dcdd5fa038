package actions

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gobby-dev/gobby/internal/autonomy"
	"github.com/gobby-dev/gobby/internal/event"
	"github.com/gobby-dev/gobby/internal/eval"
	"github.com/gobby-dev/gobby/internal/gobbylog"
	"github.com/gobby-dev/gobby/internal/storage"
	"github.com/gobby-dev/gobby/internal/workflow/loader"
	"github.com/gobby-dev/gobby/internal/workflow/state"
)

type fakeLLM struct {
	reply string
	err   error
}

func (f *fakeLLM) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f.reply, f.err
}

type fakeMCP struct {
	server, tool string
	result       map[string]any
	err          error
}

func (f *fakeMCP) CallTool(ctx context.Context, server, tool string, args map[string]any) (map[string]any, error) {
	f.server, f.tool = server, tool
	return f.result, f.err
}

type fakeSpawner struct{}

func (fakeSpawner) Spawn(ctx context.Context, cli, prompt, systemPrompt, workingDir string) (string, error) {
	return "child-1", nil
}

func newTestDeps(t *testing.T) (*Executor, *Deps) {
	t.Helper()
	store, err := storage.Open(t.TempDir(), "proj-1", "", gobbylog.Discard("test"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	stateMgr := state.New(store)
	deps := &Deps{
		Store:     store,
		State:     stateMgr,
		Evaluator: eval.New(),
		Autonomy:  autonomy.New(store, fakeSpawner{}, gobbylog.Discard("autonomy")),
		LLM:       &fakeLLM{reply: "stub reply"},
		MCP:       &fakeMCP{result: map[string]any{"text": "ok"}},
		Log:       gobbylog.Discard("actions"),
	}
	if _, err := store.Sessions.Create("s1", "proj-1", "claude_code", true, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := stateMgr.Start("s1", "test-workflow", "work"); err != nil {
		t.Fatal(err)
	}
	return NewExecutor(), deps
}

func run(t *testing.T, e *Executor, deps *Deps, name string, params map[string]any) event.Response {
	t.Helper()
	resp, err := runErr(e, deps, name, params)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return resp
}

func runErr(e *Executor, deps *Deps, name string, params map[string]any) (event.Response, error) {
	inv := &Invocation{
		SessionID: "s1",
		ProjectID: "proj-1",
		Hook:      &event.Hook{Type: event.BeforeTool, SessionID: "s1", ToolName: "Bash"},
		EvalCtx: eval.Context{
			"event":     map[string]any{"tool_name": "Bash"},
			"variables": map[string]any{},
		},
	}
	return e.Run(context.Background(), deps, inv, loader.ActionSpec{Name: name, Params: params})
}

func TestUnknownVerbErrors(t *testing.T) {
	e, deps := newTestDeps(t)
	if _, err := runErr(e, deps, "no_such_verb", nil); err == nil {
		t.Fatal("expected an error for an unknown verb")
	}
}

func TestWhenGuardSkipsAction(t *testing.T) {
	e, deps := newTestDeps(t)
	run(t, e, deps, "set_variable", map[string]any{"name": "skipped", "value": true, "when": "1 == 2"})
	ws, _ := deps.State.Get("s1")
	if _, ok := ws.Variables["skipped"]; ok {
		t.Fatal("a false when guard must skip the handler")
	}

	run(t, e, deps, "set_variable", map[string]any{"name": "ran", "value": true, "when": "1 == 1"})
	ws, _ = deps.State.Get("s1")
	if ws.Variables["ran"] != true {
		t.Fatal("a true when guard must run the handler")
	}
}

func TestTemplateRendersAgainstEventContext(t *testing.T) {
	e, deps := newTestDeps(t)
	run(t, e, deps, "set_variable", map[string]any{"name": "last_tool", "value": "{{ event.tool_name }}"})
	ws, _ := deps.State.Get("s1")
	if ws.Variables["last_tool"] != "Bash" {
		t.Fatalf("template should resolve the tool name, got %v", ws.Variables["last_tool"])
	}
}

func TestInjectContextReturnsModify(t *testing.T) {
	e, deps := newTestDeps(t)
	resp := run(t, e, deps, "inject_context", map[string]any{"text": "read this first"})
	if resp.Action != event.Modify || resp.InjectContext != "read this first" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestBlockToolsAccumulatesOverride(t *testing.T) {
	e, deps := newTestDeps(t)
	run(t, e, deps, "block_tools", map[string]any{"tools": []any{"Edit", "Write"}})
	run(t, e, deps, "block_tools", map[string]any{"tools": []any{"Write", "Bash"}})

	ws, _ := deps.State.Get("s1")
	got, _ := ws.Variables["blocked_tools_override"].([]string)
	if len(got) != 3 {
		t.Fatalf("expected deduplicated union of 3 tools, got %v", ws.Variables["blocked_tools_override"])
	}
}

func TestRequireTaskComplete(t *testing.T) {
	e, deps := newTestDeps(t)
	task, err := deps.Store.Tasks.Create("proj-1", "finish me", "", "task", 2)
	if err != nil {
		t.Fatal(err)
	}

	resp := run(t, e, deps, "require_task_complete", map[string]any{"task_id": task.ID})
	if resp.Action != event.Block {
		t.Fatalf("open task should block, got %+v", resp)
	}

	if err := deps.Store.Tasks.SetStatus(task.ID, storage.TaskClosed, "done"); err != nil {
		t.Fatal(err)
	}
	resp = run(t, e, deps, "require_task_complete", map[string]any{"task_id": task.ID})
	if resp.Action == event.Block {
		t.Fatalf("closed task should pass, got %+v", resp)
	}
}

func TestRequireCommitBeforeStop(t *testing.T) {
	e, deps := newTestDeps(t)
	run(t, e, deps, "capture_baseline_dirty_files", map[string]any{"files": []any{"a.go"}})

	resp := run(t, e, deps, "require_commit_before_stop", map[string]any{"reason": "commit first"})
	if resp.Action != event.Block || resp.Message != "commit first" {
		t.Fatalf("no commits since baseline should block, got %+v", resp)
	}

	if err := deps.State.SetVariable("s1", "commits_since_baseline", 1.0); err != nil {
		t.Fatal(err)
	}
	resp = run(t, e, deps, "require_commit_before_stop", nil)
	if resp.Action == event.Block {
		t.Fatalf("a commit should unblock stopping, got %+v", resp)
	}
}

func TestValidateSessionTaskScope(t *testing.T) {
	e, deps := newTestDeps(t)
	resp := run(t, e, deps, "validate_session_task_scope", nil)
	if resp.Action != event.Modify || !strings.Contains(resp.InjectContext, "no task") {
		t.Fatalf("missing task scope should nudge, got %+v", resp)
	}

	if err := deps.State.SetVariable("s1", "current_task_id", "gt-aaaaaa"); err != nil {
		t.Fatal(err)
	}
	resp = run(t, e, deps, "validate_session_task_scope", nil)
	if resp.Action == event.Modify {
		t.Fatalf("in-scope session should pass quietly, got %+v", resp)
	}
}

func TestPersistTasksCreatesRows(t *testing.T) {
	e, deps := newTestDeps(t)
	run(t, e, deps, "persist_tasks", map[string]any{
		"tasks": []any{
			map[string]any{"title": "first", "task_type": "bug", "priority": 1.0},
			map[string]any{"title": "second"},
			map[string]any{"description": "no title, skipped"},
		},
	})

	tasks, err := deps.Store.Tasks.ListByStatus("proj-1", storage.TaskOpen)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 persisted tasks, got %d", len(tasks))
	}

	ws, _ := deps.State.Get("s1")
	created, _ := ws.Variables["created_task_ids"].([]string)
	if len(created) != 2 {
		t.Fatalf("created_task_ids should record both ids, got %v", ws.Variables["created_task_ids"])
	}
}

func TestTodoVerbs(t *testing.T) {
	e, deps := newTestDeps(t)
	todos := []any{
		map[string]any{"content": "write tests", "status": "pending"},
		map[string]any{"content": "ship", "status": "pending"},
	}
	run(t, e, deps, "write_todos", map[string]any{"todos": todos})
	run(t, e, deps, "mark_todo_complete", map[string]any{"content": "write tests"})

	ws, _ := deps.State.Get("s1")
	stored, _ := ws.Variables["todo_state"].([]any)
	first, _ := stored[0].(map[string]any)
	second, _ := stored[1].(map[string]any)
	if first["status"] != "completed" || second["status"] != "pending" {
		t.Fatalf("only the matching todo should complete: %v", stored)
	}
}

func TestCloseTaskVerb(t *testing.T) {
	e, deps := newTestDeps(t)
	task, _ := deps.Store.Tasks.Create("proj-1", "close me", "", "task", 2)
	run(t, e, deps, "close_task", map[string]any{"task_id": task.ID, "reason": "verified"})

	got, err := deps.Store.Tasks.Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.TaskClosed || got.ClosedReason != "verified" {
		t.Fatalf("close_task did not close: %+v", got)
	}
}

func TestStartNewSessionChains(t *testing.T) {
	e, deps := newTestDeps(t)
	run(t, e, deps, "start_new_session", map[string]any{
		"cli": "claude_code", "prompt": "keep going", "system_prompt": "handoff", "working_dir": "/work",
	})

	ws, _ := deps.State.Get("s1")
	childID, _ := ws.Variables["chained_session_id"].(string)
	if childID == "" {
		t.Fatal("chained_session_id should be recorded")
	}
	child, err := deps.Store.Sessions.Get(childID)
	if err != nil {
		t.Fatalf("child session row: %v", err)
	}
	if child.ParentSessionID != "s1" {
		t.Fatalf("child should link back to s1: %+v", child)
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	e, deps := newTestDeps(t)
	run(t, e, deps, "capture_artifact", map[string]any{
		"key": "plan", "artifact_type": "plan", "title": "The plan", "content": "step one, step two",
	})
	resp := run(t, e, deps, "read_artifact", map[string]any{"key": "plan"})
	if resp.Action != event.Modify || resp.InjectContext != "step one, step two" {
		t.Fatalf("read_artifact should inject the captured content, got %+v", resp)
	}

	if _, err := runErr(e, deps, "read_artifact", map[string]any{"key": "missing"}); err == nil {
		t.Fatal("reading an uncaptured key should error")
	}
}

func TestCallMCPToolRecordsCall(t *testing.T) {
	e, deps := newTestDeps(t)
	run(t, e, deps, "call_mcp_tool", map[string]any{
		"server": "gobby-tasks", "tool": "list_tasks", "result_variable": "task_list",
	})

	mcp := deps.MCP.(*fakeMCP)
	if mcp.server != "gobby-tasks" || mcp.tool != "list_tasks" {
		t.Fatalf("call not routed: %+v", mcp)
	}
	ws, _ := deps.State.Get("s1")
	calls, _ := ws.Variables["mcp_calls"].([]any)
	if len(calls) != 1 {
		t.Fatalf("mcp_calls should record the call, got %v", ws.Variables["mcp_calls"])
	}
	if _, ok := ws.Variables["task_list"]; !ok {
		t.Fatal("result_variable should hold the tool result")
	}
}

func TestCallMCPToolFailureStillRecordsCall(t *testing.T) {
	e, deps := newTestDeps(t)
	deps.MCP = &fakeMCP{err: errors.New("upstream gone")}
	if _, err := runErr(e, deps, "call_mcp_tool", map[string]any{
		"server": "web", "tool": "search",
	}); err == nil {
		t.Fatal("upstream failure should surface")
	}
	ws, _ := deps.State.Get("s1")
	calls, _ := ws.Variables["mcp_calls"].([]any)
	if len(calls) != 1 {
		t.Fatal("failed calls still count as attempted mcp_calls")
	}
}

func TestLLMVerbs(t *testing.T) {
	e, deps := newTestDeps(t)
	run(t, e, deps, "call_llm", map[string]any{
		"prompt": "summarize", "result_variable": "llm_out",
	})
	ws, _ := deps.State.Get("s1")
	if ws.Variables["llm_out"] != "stub reply" {
		t.Fatalf("call_llm should store the completion, got %v", ws.Variables["llm_out"])
	}

	run(t, e, deps, "generate_summary", map[string]any{"transcript": "did things"})
	run(t, e, deps, "synthesize_title", map[string]any{"first_prompt": "fix the parser"})
	sess, _ := deps.Store.Sessions.Get("s1")
	if sess.Summary != "stub reply" || sess.Title != "stub reply" {
		t.Fatalf("summary/title should be persisted: %+v", sess)
	}
}

func TestLLMVerbsNoopWithoutClient(t *testing.T) {
	e, deps := newTestDeps(t)
	deps.LLM = nil
	resp := run(t, e, deps, "call_llm", map[string]any{"prompt": "x", "result_variable": "out"})
	if resp.Action != event.Continue && resp.Action != "" {
		t.Fatalf("call_llm without a client should be a no-op, got %+v", resp)
	}
	ws, _ := deps.State.Get("s1")
	if _, ok := ws.Variables["out"]; ok {
		t.Fatal("no client means no result variable")
	}
}

func TestAutonomousVerbs(t *testing.T) {
	e, deps := newTestDeps(t)
	run(t, e, deps, "start_progress_tracking", nil)
	run(t, e, deps, "record_progress", map[string]any{"kind": "validation_fail", "task_id": "gt-aaaaaa"})
	run(t, e, deps, "record_progress", map[string]any{"kind": "validation_fail", "task_id": "gt-aaaaaa"})

	resp := run(t, e, deps, "check_stuck", map[string]any{
		"same_task_threshold": 2.0, "validation_failure_threshold": 2.0,
	})
	if resp.Action != event.Modify || !strings.Contains(resp.InjectContext, "stuck") {
		t.Fatalf("check_stuck should surface the stuck reason, got %+v", resp)
	}
	ws, _ := deps.State.Get("s1")
	if ws.Variables["stuck_reason"] == "" {
		t.Fatal("stuck_reason should be recorded")
	}

	run(t, e, deps, "handle_stuck", nil)
	resp = run(t, e, deps, "check_stuck", map[string]any{
		"same_task_threshold": 2.0, "validation_failure_threshold": 2.0,
	})
	if resp.Action == event.Modify {
		t.Fatalf("handle_stuck should clear the window, got %+v", resp)
	}
}

func TestCheckStopSignalVerb(t *testing.T) {
	e, deps := newTestDeps(t)
	resp := run(t, e, deps, "check_stop_signal", nil)
	if resp.Action == event.Block {
		t.Fatalf("no signal should not block, got %+v", resp)
	}

	if err := deps.Store.Stops.Raise("s1", "wrap it up", "test"); err != nil {
		t.Fatal(err)
	}
	resp = run(t, e, deps, "check_stop_signal", nil)
	if resp.Action != event.Block || resp.Message != "wrap it up" {
		t.Fatalf("pending signal should block with its reason, got %+v", resp)
	}
	if sig, _ := deps.Store.Stops.Check("s1"); sig != nil {
		t.Fatal("check_stop_signal should consume the signal")
	}
}

func TestGenerateAndRestoreHandoff(t *testing.T) {
	e, deps := newTestDeps(t)
	if err := deps.State.SetVariable("s1", "goal", "finish the parser"); err != nil {
		t.Fatal(err)
	}
	run(t, e, deps, "generate_handoff", map[string]any{"summary": "resume here"})

	sess, _ := deps.Store.Sessions.Get("s1")
	if sess.Status != storage.SessionHandoff {
		t.Fatalf("generate_handoff should mark handoff_ready, got %s", sess.Status)
	}

	resp := run(t, e, deps, "restore_from_handoff", nil)
	if resp.Action != event.Modify || resp.InjectContext != "resume here" {
		t.Fatalf("restore should inject the summary, got %+v", resp)
	}
	if _, err := deps.Store.Workflows.LoadHandoff("s1"); err == nil {
		t.Fatal("restored handoff should be removed")
	}
}
