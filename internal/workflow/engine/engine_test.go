package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gobby-dev/gobby/internal/autonomy"
	"github.com/gobby-dev/gobby/internal/event"
	"github.com/gobby-dev/gobby/internal/eval"
	"github.com/gobby-dev/gobby/internal/gobbylog"
	"github.com/gobby-dev/gobby/internal/rules"
	"github.com/gobby-dev/gobby/internal/storage"
	"github.com/gobby-dev/gobby/internal/workflow/actions"
	"github.com/gobby-dev/gobby/internal/workflow/loader"
	"github.com/gobby-dev/gobby/internal/workflow/state"
)

const planExecuteYAML = `
name: plan-execute
type: phase
phases:
  - name: plan
    allowed_tools: [Read, Glob, Grep]
    blocked_tools: [Edit, Write, Bash]
    exit_conditions:
      - type: user_approval
  - name: execute
    allowed_tools: ["all"]
`

const autoTaskYAML = `
name: auto-task
type: phase
phases:
  - name: execute
    allowed_tools: ["all"]
    transitions:
      - when: has_stop_signal()
        to: complete
`

const handoffYAML = `
name: session-handoff
type: lifecycle
triggers:
  session_start:
    - action: inject_context
      text: "welcome back"
`

func newTestEngine(t *testing.T, yamls ...string) (*Engine, *storage.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(dir, "proj-1", "", gobbylog.Discard("test"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	wfDir := filepath.Join(dir, "workflows")
	if err := os.MkdirAll(wfDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for i, y := range yamls {
		path := filepath.Join(wfDir, "wf"+string(rune('a'+i))+".yaml")
		if err := os.WriteFile(path, []byte(y), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	registry := loader.NewRegistry()
	if err := registry.LoadDir(wfDir, loader.TierBundled); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	evaluator := eval.New()
	ruleReg := rules.NewRegistry()
	behaviors := rules.NewBehaviorRegistry()
	stateMgr := state.New(store)
	executor := actions.NewExecutor()
	ctrl := autonomy.New(store, nil, gobbylog.Discard("autonomy"))
	deps := &actions.Deps{
		Store:     store,
		State:     stateMgr,
		Evaluator: evaluator,
		Autonomy:  ctrl,
		Log:       gobbylog.Discard("actions"),
	}
	eng := New(registry, ruleReg, behaviors, stateMgr, store, evaluator, executor, deps, gobbylog.Discard("engine"))
	eng.DefaultWorkflow = "plan-execute"
	eng.AutonomousWorkflow = "auto-task"
	return eng, store
}

func startSession(t *testing.T, eng *Engine, store *storage.Store, sessionID string, autonomous bool) {
	t.Helper()
	if _, err := store.Sessions.Create(sessionID, "proj-1", "claude_code", autonomous, ""); err != nil {
		t.Fatalf("Sessions.Create: %v", err)
	}
	resp, err := eng.Handle(context.Background(), &event.Hook{Type: event.SessionStart, SessionID: sessionID})
	if err != nil {
		t.Fatalf("session_start: %v", err)
	}
	if resp.Action == event.Block {
		t.Fatalf("session_start should not block: %+v", resp)
	}
}

func TestPlanPhaseBlocksWriteTools(t *testing.T) {
	eng, store := newTestEngine(t, planExecuteYAML, autoTaskYAML)
	startSession(t, eng, store, "s1", false)

	before, err := eng.State.Get("s1")
	if err != nil {
		t.Fatalf("State.Get: %v", err)
	}

	resp, err := eng.Handle(context.Background(), &event.Hook{
		Type: event.BeforeTool, SessionID: "s1", ToolName: "Edit",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Action != event.Block {
		t.Fatalf("expected block, got %q", resp.Action)
	}
	if !strings.Contains(resp.Message, "plan") {
		t.Fatalf("block message should mention the phase, got %q", resp.Message)
	}

	after, _ := eng.State.Get("s1")
	if after.Phase != "plan" {
		t.Fatalf("phase should remain plan, got %q", after.Phase)
	}
	if after.PhaseActionCount != before.PhaseActionCount {
		t.Fatalf("phase_action_count should be unchanged on block: %d vs %d",
			after.PhaseActionCount, before.PhaseActionCount)
	}
}

func TestPlanPhaseAllowsReadTools(t *testing.T) {
	eng, store := newTestEngine(t, planExecuteYAML, autoTaskYAML)
	startSession(t, eng, store, "s1", false)

	resp, err := eng.Handle(context.Background(), &event.Hook{
		Type: event.BeforeTool, SessionID: "s1", ToolName: "Read",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Action == event.Block {
		t.Fatalf("Read should be allowed in plan: %+v", resp)
	}
	ws, _ := eng.State.Get("s1")
	if ws.PhaseActionCount != 1 {
		t.Fatalf("expected one recorded action, got %d", ws.PhaseActionCount)
	}
}

func TestApprovalTransitionsToExecute(t *testing.T) {
	eng, store := newTestEngine(t, planExecuteYAML, autoTaskYAML)
	startSession(t, eng, store, "s1", false)

	// A non-affirmative prompt does not advance the phase.
	if _, err := eng.Handle(context.Background(), &event.Hook{
		Type: event.PromptSubmit, SessionID: "s1", PromptText: "tell me more",
	}); err != nil {
		t.Fatal(err)
	}
	ws, _ := eng.State.Get("s1")
	if ws.Phase != "plan" {
		t.Fatalf("phase should still be plan, got %q", ws.Phase)
	}

	if _, err := eng.Handle(context.Background(), &event.Hook{
		Type: event.PromptSubmit, SessionID: "s1", PromptText: "yes",
	}); err != nil {
		t.Fatal(err)
	}
	ws, _ = eng.State.Get("s1")
	if ws.Phase != "execute" {
		t.Fatalf("expected phase execute after approval, got %q", ws.Phase)
	}
	if ws.PhaseActionCount != 0 {
		t.Fatalf("phase_action_count should reset on entry, got %d", ws.PhaseActionCount)
	}
	if ws.PhaseEnteredAt == "" {
		t.Fatal("phase_entered_at should be stamped")
	}
	if _, ok := ws.Variables[varUserApproved]; ok {
		t.Fatal("approval should be consumed by the transition")
	}
}

func TestAutonomousStopSignal(t *testing.T) {
	eng, store := newTestEngine(t, planExecuteYAML, autoTaskYAML)
	startSession(t, eng, store, "s-auto", true)

	ws, _ := eng.State.Get("s-auto")
	if ws.WorkflowName != "auto-task" || ws.Phase != "execute" {
		t.Fatalf("autonomous session should run auto-task/execute, got %s/%s", ws.WorkflowName, ws.Phase)
	}

	if err := store.Stops.Raise("s-auto", "user", "api"); err != nil {
		t.Fatalf("Raise: %v", err)
	}

	resp, err := eng.Handle(context.Background(), &event.Hook{
		Type: event.BeforeTool, SessionID: "s-auto", ToolName: "Edit",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Action != event.Block || resp.Message != "stop requested" {
		t.Fatalf("expected stop block, got %+v", resp)
	}
	if !strings.Contains(resp.InjectContext, "Stopping: user") {
		t.Fatalf("expected stop context injection, got %q", resp.InjectContext)
	}

	ws, _ = eng.State.Get("s-auto")
	if ws.Phase != "complete" {
		t.Fatalf("expected transition to complete, got %q", ws.Phase)
	}
	sig, err := store.Stops.Check("s-auto")
	if err != nil {
		t.Fatalf("Stops.Check: %v", err)
	}
	if sig != nil {
		t.Fatal("stop signal should be consumed")
	}
}

func TestUnknownEventPassesThrough(t *testing.T) {
	eng, store := newTestEngine(t, planExecuteYAML, autoTaskYAML)
	startSession(t, eng, store, "s1", false)

	before, _ := eng.State.Get("s1")
	resp, err := eng.Handle(context.Background(), &event.Hook{
		Type: event.Kind("mystery_event"), SessionID: "s1",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Action != event.Continue {
		t.Fatalf("unknown event should continue, got %q", resp.Action)
	}
	after, _ := eng.State.Get("s1")
	if after.TotalActionCount != before.TotalActionCount || after.Phase != before.Phase {
		t.Fatal("unknown event must not mutate state")
	}
}

func TestNoWorkflowStateContinues(t *testing.T) {
	eng, store := newTestEngine(t, planExecuteYAML, autoTaskYAML)
	if _, err := store.Sessions.Create("fresh", "proj-1", "claude_code", false, ""); err != nil {
		t.Fatal(err)
	}
	// No session_start was delivered, so no workflow state exists.
	resp, err := eng.Handle(context.Background(), &event.Hook{
		Type: event.BeforeTool, SessionID: "fresh", ToolName: "Edit",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Action != event.Continue {
		t.Fatalf("no workflow means no enforcement, got %q", resp.Action)
	}
}

func TestLifecycleTriggerInjectsContext(t *testing.T) {
	eng, store := newTestEngine(t, planExecuteYAML, autoTaskYAML, handoffYAML)
	eng.LifecycleWorkflows = []string{"session-handoff"}
	if _, err := store.Sessions.Create("s1", "proj-1", "claude_code", false, ""); err != nil {
		t.Fatal(err)
	}

	resp, err := eng.Handle(context.Background(), &event.Hook{Type: event.SessionStart, SessionID: "s1"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(resp.InjectContext, "welcome back") {
		t.Fatalf("lifecycle trigger should inject context, got %+v", resp)
	}
}

const stuckableYAML = `
name: stuckable
type: phase
settings:
  stuck_detection:
    max_phase_duration_minutes: 1
phases:
  - name: work
    allowed_tools: ["all"]
  - name: reflect
    allowed_tools: [Read, Glob, Grep]
`

func TestStuckPhaseTransitionsToReflect(t *testing.T) {
	eng, store := newTestEngine(t, stuckableYAML, autoTaskYAML)
	eng.DefaultWorkflow = "stuckable"
	startSession(t, eng, store, "s1", false)

	// Backdate the phase entry so the duration limit has lapsed.
	ws, err := eng.State.Get("s1")
	if err != nil {
		t.Fatal(err)
	}
	ws.PhaseEnteredAt = time.Now().Add(-5 * time.Minute).UTC().Format(time.RFC3339)
	if err := store.Workflows.Save(ws); err != nil {
		t.Fatal(err)
	}

	if _, err := eng.Handle(context.Background(), &event.Hook{
		Type: event.PromptSubmit, SessionID: "s1", PromptText: "still going",
	}); err != nil {
		t.Fatal(err)
	}

	ws, _ = eng.State.Get("s1")
	if ws.Phase != "reflect" {
		t.Fatalf("an overdue phase should fall into reflect, got %q", ws.Phase)
	}
	if ws.PhaseActionCount != 0 {
		t.Fatalf("entering reflect should reset the action count, got %d", ws.PhaseActionCount)
	}

	// Write tools are gated again while reflecting.
	resp, err := eng.Handle(context.Background(), &event.Hook{
		Type: event.BeforeTool, SessionID: "s1", ToolName: "Edit",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Action != event.Block {
		t.Fatalf("reflect phase should block Edit, got %+v", resp)
	}
}

const compactHandoffYAML = `
name: compact-handoff
type: lifecycle
triggers:
  pre_compact:
    - action: generate_handoff
      summary: "resume: finish the parser fix"
  session_start:
    - action: restore_from_handoff
      when: event.trigger_source == "compact"
`

func TestCompactionHandoffRoundTrip(t *testing.T) {
	eng, store := newTestEngine(t, planExecuteYAML, autoTaskYAML, compactHandoffYAML)
	eng.LifecycleWorkflows = []string{"compact-handoff"}
	startSession(t, eng, store, "s1", false)

	if _, err := eng.Handle(context.Background(), &event.Hook{
		Type: event.PreCompact, SessionID: "s1", TriggerSource: event.TriggerAuto,
	}); err != nil {
		t.Fatal(err)
	}
	handoff, err := store.Workflows.LoadHandoff("s1")
	if err != nil {
		t.Fatalf("handoff should be stored after pre_compact: %v", err)
	}
	if handoff.Payload["summary"] != "resume: finish the parser fix" {
		t.Fatalf("unexpected handoff payload: %+v", handoff.Payload)
	}
	sess, _ := store.Sessions.Get("s1")
	if sess.Status != storage.SessionHandoff {
		t.Fatalf("session should be handoff_ready, got %s", sess.Status)
	}

	resp, err := eng.Handle(context.Background(), &event.Hook{
		Type: event.SessionStart, SessionID: "s1", TriggerSource: event.TriggerCompact,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp.InjectContext, "resume: finish the parser fix") {
		t.Fatalf("restored handoff should inject its summary, got %+v", resp)
	}
	if _, err := store.Workflows.LoadHandoff("s1"); err == nil {
		t.Fatal("handoff must be removed once restored")
	}
}

func TestObserverMirrorsToolInput(t *testing.T) {
	yaml := `
name: observing
type: phase
observers:
  - name: todo-mirror
    on: after_tool
    match: {tool: TodoWrite}
    set:
      todo_state: "{{ event.tool_input.todos }}"
phases:
  - name: work
    allowed_tools: ["all"]
`
	eng, store := newTestEngine(t, yaml, autoTaskYAML)
	eng.DefaultWorkflow = "observing"
	startSession(t, eng, store, "s1", false)

	todos := []any{map[string]any{"title": "first", "done": false}}
	if _, err := eng.Handle(context.Background(), &event.Hook{
		Type: event.AfterTool, SessionID: "s1", ToolName: "TodoWrite",
		ToolInput: map[string]any{"todos": todos},
	}); err != nil {
		t.Fatal(err)
	}

	ws, _ := eng.State.Get("s1")
	got, ok := ws.Variables["todo_state"].([]any)
	if !ok || len(got) != 1 {
		t.Fatalf("observer should mirror todos, got %#v", ws.Variables["todo_state"])
	}
}

func TestRuleBlocksMatchingCommand(t *testing.T) {
	yaml := `
name: guarded
type: phase
rule_definitions:
  - name: no-force-push
    tools: [Bash]
    when: command_contains("push --force")
    reason: "force pushes are not allowed"
    action: block
tool_rules: [no-force-push]
phases:
  - name: work
    allowed_tools: ["all"]
`
	eng, store := newTestEngine(t, yaml, autoTaskYAML)
	eng.DefaultWorkflow = "guarded"
	startSession(t, eng, store, "s1", false)

	resp, err := eng.Handle(context.Background(), &event.Hook{
		Type: event.BeforeTool, SessionID: "s1", ToolName: "Bash",
		ToolInput: map[string]any{"command": "git push --force origin main"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Action != event.Block || resp.Message != "force pushes are not allowed" {
		t.Fatalf("expected rule block, got %+v", resp)
	}

	resp, err = eng.Handle(context.Background(), &event.Hook{
		Type: event.BeforeTool, SessionID: "s1", ToolName: "Bash",
		ToolInput: map[string]any{"command": "git push origin main"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Action == event.Block {
		t.Fatalf("plain push should pass: %+v", resp)
	}
}

func TestToolVisibleFollowsPhase(t *testing.T) {
	eng, store := newTestEngine(t, planExecuteYAML, autoTaskYAML)
	startSession(t, eng, store, "s1", false)

	if eng.ToolVisible("s1", "Edit") {
		t.Fatal("Edit should be hidden in plan phase")
	}
	if !eng.ToolVisible("s1", "Read") {
		t.Fatal("Read should be visible in plan phase")
	}
	if !eng.ToolVisible("no-such-session", "Edit") {
		t.Fatal("sessions without workflow state see everything")
	}
}
