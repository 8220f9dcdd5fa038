package loader

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"gopkg.in/yaml.v3"
)

func writeYAML(t *testing.T, dir, filename, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, filename), []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", filename, err)
	}
}

func TestRegistry_LoadAndResolveSimpleWorkflow(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "plan-execute.yaml", `
name: plan-execute
version: "1"
type: phase
phases:
  - name: plan
    allowed_tools: ["all"]
    blocked_tools: ["Bash"]
    transitions:
      - when: "true"
        to: execute
  - name: execute
    allowed_tools: ["all"]
`)

	reg := NewRegistry()
	if err := reg.LoadDir(dir, TierBundled); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	resolved, err := reg.Resolve("plan-execute")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(resolved.Phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(resolved.Phases))
	}
	plan := resolved.PhaseByName("plan")
	if plan == nil || !plan.AllowsAllTools() || plan.ToolPermitted("Bash") {
		t.Fatalf("unexpected plan phase: %+v", plan)
	}
}

func TestRegistry_ExtendsDeepMerge(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "base.yaml", `
name: base
type: phase
phases:
  - name: plan
    allowed_tools: ["all"]
  - name: execute
    allowed_tools: ["all"]
rule_definitions:
  - name: no-force-push
    when: "command_contains(tool_input, 'push --force')"
    action: block
    reason: "force push is not allowed"
`)
	writeYAML(t, dir, "child.yaml", `
name: child
extends: base
type: phase
phases:
  - name: plan
    allowed_tools: ["all"]
    blocked_tools: ["Bash"]
  - name: verify
    allowed_tools: ["all"]
`)

	reg := NewRegistry()
	if err := reg.LoadDir(dir, TierBundled); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	resolved, err := reg.Resolve("child")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(resolved.Phases) != 3 {
		t.Fatalf("expected 3 merged phases (plan, execute, verify), got %d: %+v", len(resolved.Phases), resolved.Phases)
	}
	plan := resolved.PhaseByName("plan")
	if plan == nil {
		t.Fatal("expected merged plan phase to exist")
	}
	if plan.ToolPermitted("Bash") {
		t.Fatalf("expected child override to block Bash in plan phase")
	}
	if len(resolved.Rules) != 1 {
		t.Fatalf("expected inherited rule_definitions, got %d", len(resolved.Rules))
	}
}

func TestRegistry_RejectsInheritanceCycle(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "a.yaml", `
name: a
extends: b
type: phase
phases:
  - name: plan
    allowed_tools: ["all"]
`)
	writeYAML(t, dir, "b.yaml", `
name: b
extends: a
type: phase
phases:
  - name: plan
    allowed_tools: ["all"]
`)

	reg := NewRegistry()
	if err := reg.LoadDir(dir, TierBundled); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if _, err := reg.Resolve("a"); err == nil {
		t.Fatal("expected inheritance cycle to be rejected")
	}
}

func TestRegistry_ProjectTierOverridesBundled(t *testing.T) {
	bundledDir := t.TempDir()
	projectDir := t.TempDir()
	writeYAML(t, bundledDir, "w.yaml", `
name: w
type: phase
phases:
  - name: plan
    allowed_tools: ["all"]
`)
	writeYAML(t, projectDir, "w.yaml", `
name: w
type: phase
phases:
  - name: plan
    allowed_tools: ["all"]
    blocked_tools: ["Bash"]
`)

	reg := NewRegistry()
	if err := reg.LoadDir(bundledDir, TierBundled); err != nil {
		t.Fatalf("LoadDir bundled: %v", err)
	}
	if err := reg.LoadDir(projectDir, TierProject); err != nil {
		t.Fatalf("LoadDir project: %v", err)
	}

	resolved, err := reg.Resolve("w")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.PhaseByName("plan").ToolPermitted("Bash") {
		t.Fatal("expected project tier definition to win over bundled")
	}
}

func TestValidate_RejectsUnknownRuleReference(t *testing.T) {
	def := &Definition{
		Name: "bad",
		Type: TypePhase,
		Phases: []Phase{
			{Name: "plan", Rules: []string{"does-not-exist"}},
		},
	}
	if err := Validate(def); err == nil {
		t.Fatal("expected validation error for unknown rule reference")
	}
}

func TestValidate_RejectsUnknownTransitionTarget(t *testing.T) {
	def := &Definition{
		Name: "bad",
		Type: TypePhase,
		Phases: []Phase{
			{Name: "plan", Transitions: []Transition{{When: "true", To: "nowhere"}}},
		},
	}
	if err := Validate(def); err == nil {
		t.Fatal("expected validation error for unknown transition target")
	}
}

func TestValidate_AllowsTransitionToComplete(t *testing.T) {
	def := &Definition{
		Name: "ok",
		Type: TypePhase,
		Phases: []Phase{
			{Name: "plan", Transitions: []Transition{{When: "true", To: "complete"}}},
		},
	}
	if err := Validate(def); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestDefinition_SerializeRoundTrip(t *testing.T) {
	src := `
name: round-trip
version: "2"
type: phase
settings:
  stuck_detection:
    max_phase_duration_minutes: 10
variables:
  attempts: 0
rule_definitions:
  - name: guard
    tools: [Bash]
    when: command_contains("rm")
    reason: "careful"
    action: warn
tool_rules: [guard]
observers:
  - name: mirror
    on: after_tool
    match: {tool: TodoWrite}
    set:
      todos: "{{ event.tool_input.todos }}"
phases:
  - name: one
    allowed_tools: [Read]
    blocked_tools: [Edit]
    transitions:
      - when: user_says("go")
        to: two
    exit_conditions:
      - type: user_approval
  - name: two
    allowed_tools: ["all"]
`
	var first Definition
	if err := yaml.Unmarshal([]byte(src), &first); err != nil {
		t.Fatalf("first parse: %v", err)
	}
	out, err := yaml.Marshal(&first)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var second Definition
	if err := yaml.Unmarshal(out, &second); err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("round trip changed the definition:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}
