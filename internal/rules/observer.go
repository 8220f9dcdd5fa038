package rules

import (
	"fmt"
	"strings"

	"github.com/gobby-dev/gobby/internal/event"
)

// Observer declaratively mirrors event data into workflow variables.
// A YAML observer fires `on` a matching event
// and writes templated values into `set`; a behavior-backed observer
// delegates to a Go function registered under `Behavior`, for lookups the
// expression language cannot express (resolving task short-refs, etc).
type Observer struct {
	Name     string
	On       event.Kind
	Match    map[string]any
	Set      map[string]string // variable name -> "{{ event.tool_input.todos }}" template
	Behavior string
}

// IsBehaviorBacked reports whether this observer delegates to a
// registered Go function instead of a declarative template.
func (o *Observer) IsBehaviorBacked() bool { return o.Behavior != "" }

// Matches reports whether the observer fires for the given event kind
// and tool_input shape. Match entries are a flat key -> expected-value
// map checked against the event's tool_input, except the "tool" key,
// which is compared with the tool name; tool_result is not consulted.
func (o *Observer) Matches(h *event.Hook) bool {
	if o.On != h.Type {
		return false
	}
	for key, want := range o.Match {
		if key == "tool" {
			if h.ToolName != fmt.Sprint(want) {
				return false
			}
			continue
		}
		got, ok := h.ToolInput[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// BehaviorFunc is the signature a registered behavior-backed observer
// must implement. It receives the firing event and the current workflow
// variables and returns the variable updates to merge in — it never
// mutates its inputs, matching the evaluator's "no mutation of context"
// discipline.
type BehaviorFunc func(h *event.Hook, variables map[string]any) (map[string]any, error)

// BehaviorRegistry holds named Go-implemented observer behaviors (e.g.
// task_claim_tracking, detect_plan_mode, mcp_call_tracking).
type BehaviorRegistry struct {
	funcs map[string]BehaviorFunc
}

// NewBehaviorRegistry creates an empty BehaviorRegistry.
func NewBehaviorRegistry() *BehaviorRegistry {
	return &BehaviorRegistry{funcs: make(map[string]BehaviorFunc)}
}

// Register adds a named behavior. Re-registering an existing name is an
// error — behaviors, like evaluator helpers, are a closed, auditable set.
func (b *BehaviorRegistry) Register(name string, fn BehaviorFunc) error {
	if _, exists := b.funcs[name]; exists {
		return fmt.Errorf("rules: behavior %q already registered", name)
	}
	b.funcs[name] = fn
	return nil
}

// Run invokes a registered behavior by name.
func (b *BehaviorRegistry) Run(name string, h *event.Hook, variables map[string]any) (map[string]any, error) {
	fn, ok := b.funcs[name]
	if !ok {
		return nil, fmt.Errorf("rules: unknown behavior %q", name)
	}
	return fn(h, variables)
}

// renderTemplate substitutes "{{ path.to.value }}" placeholders in s by
// looking the path up in ctx, matching the {{ expr }} templating language
// actions use. Only plain dotted-path lookups are supported
// here — the same restricted, non-Turing-complete surface as the rest of
// the sandboxed evaluator.
func renderTemplate(s string, ctx map[string]any) string {
	for {
		start := strings.Index(s, "{{")
		if start < 0 {
			break
		}
		end := strings.Index(s[start:], "}}")
		if end < 0 {
			break
		}
		end += start
		path := strings.TrimSpace(s[start+2 : end])
		val := lookupDotted(ctx, path)
		s = s[:start] + fmt.Sprint(val) + s[end+2:]
	}
	return s
}

func lookupDotted(ctx map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var cur any = ctx
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[p]
		if !ok {
			return ""
		}
	}
	return cur
}

// Apply runs a YAML observer's Set templates against the given context
// (built from event/state/variables) and returns the variable updates.
func (o *Observer) Apply(ctx map[string]any) map[string]any {
	updates := make(map[string]any, len(o.Set))
	for variable, template := range o.Set {
		if strings.HasPrefix(strings.TrimSpace(template), "{{") && strings.HasSuffix(strings.TrimSpace(template), "}}") {
			// Whole-value templates resolve to the raw value rather than a
			// stringified interpolation, so e.g. todo lists stay []any.
			path := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(template), "{{"), "}}"))
			updates[variable] = lookupDotted(ctx, strings.TrimSpace(path))
			continue
		}
		updates[variable] = renderTemplate(template, ctx)
	}
	return updates
}
