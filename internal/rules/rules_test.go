package rules

import (
	"testing"

	"github.com/gobby-dev/gobby/internal/event"
	"github.com/gobby-dev/gobby/internal/eval"
)

func TestRegistry_TierPrecedence(t *testing.T) {
	r := NewRegistry()
	r.Register(&Definition{Name: "no-force-push", Reason: "bundled reason", Tier: TierBundled})
	r.Register(&Definition{Name: "no-force-push", Reason: "project reason", Tier: TierProject})

	got, ok := r.Get("no-force-push")
	if !ok {
		t.Fatal("expected rule to be registered")
	}
	if got.Reason != "project reason" {
		t.Errorf("Reason = %q, want project tier to win", got.Reason)
	}
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve([]string{"missing"}); err == nil {
		t.Error("expected error for unknown rule name")
	}
}

func TestDefinition_Matches(t *testing.T) {
	evaluator := eval.New()
	d := &Definition{Name: "block-edit-in-plan", When: "state.phase == \"plan\"", Action: ActionBlock}
	if err := d.Compile(evaluator); err != nil {
		t.Fatalf("Compile error: %v", err)
	}

	ok, err := d.Matches(evaluator, eval.Context{"state": map[string]any{"phase": "plan"}})
	if err != nil {
		t.Fatalf("Matches error: %v", err)
	}
	if !ok {
		t.Error("expected rule to match")
	}

	ok, err = d.Matches(evaluator, eval.Context{"state": map[string]any{"phase": "execute"}})
	if err != nil {
		t.Fatalf("Matches error: %v", err)
	}
	if ok {
		t.Error("expected rule not to match")
	}
}

func TestObserver_MatchesAndApply(t *testing.T) {
	o := &Observer{
		Name:  "todo-mirror",
		On:    event.AfterTool,
		Match: map[string]any{"tool": "TodoWrite"},
		Set:   map[string]string{"todo_state": "{{ event.tool_input.todos }}"},
	}

	h := &event.Hook{Type: event.AfterTool, ToolName: "TodoWrite", ToolInput: map[string]any{
		"todos": []any{"a", "b"},
	}}
	if !o.Matches(h) {
		t.Fatal("expected observer to match")
	}

	ctx := map[string]any{"event": map[string]any{"tool_input": h.ToolInput}}
	updates := o.Apply(ctx)
	todos, ok := updates["todo_state"].([]any)
	if !ok || len(todos) != 2 {
		t.Errorf("todo_state = %#v, want []any{a,b}", updates["todo_state"])
	}
}

func TestObserver_DoesNotMatchWrongTool(t *testing.T) {
	o := &Observer{Name: "x", On: event.AfterTool, Match: map[string]any{"tool": "TodoWrite"}}
	h := &event.Hook{Type: event.AfterTool, ToolName: "Edit"}
	if o.Matches(h) {
		t.Error("expected observer not to match a different tool")
	}
}
