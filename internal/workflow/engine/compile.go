package engine

import (
	"strings"

	"github.com/gobby-dev/gobby/internal/event"
	"github.com/gobby-dev/gobby/internal/eval"
	"github.com/gobby-dev/gobby/internal/gobbyerr"
	"github.com/gobby-dev/gobby/internal/rules"
	"github.com/gobby-dev/gobby/internal/workflow/loader"
)

// compiledTransition is one phase edge with its guard pre-parsed.
type compiledTransition struct {
	when         *eval.Expr
	to           string
	onTransition []loader.ActionSpec
}

// compiledExit is one exit condition with any expression pre-parsed.
type compiledExit struct {
	kind loader.ExitConditionType
	expr *eval.Expr
}

// compiledWorkflow caches everything the engine needs per workflow:
// resolved rule definitions, converted observers, and pre-parsed guard
// expressions. Compilation happens once per workflow name; a parse error
// anywhere makes the whole workflow unloadable.
type compiledWorkflow struct {
	def         *loader.Definition
	observers   []*rules.Observer
	toolRules   []*rules.Definition
	phaseRules  map[string][]*rules.Definition
	transitions map[string][]compiledTransition
	exitWhen    map[string]*eval.Expr
	exits       map[string][]compiledExit
}

// compile resolves name through the workflow registry and pre-parses
// every expression it contains.
func (e *Engine) compile(name string) (*compiledWorkflow, error) {
	e.mu.Lock()
	if cw, ok := e.compiled[name]; ok {
		e.mu.Unlock()
		return cw, nil
	}
	e.mu.Unlock()

	def, err := e.Workflows.Resolve(name)
	if err != nil {
		return nil, err
	}

	// Workflow-local rule_definitions land in the shared registry at the
	// file-local tier so they shadow project/user/bundled rules of the
	// same name.
	for _, rs := range def.Rules {
		d := specToRule(rs, rules.TierFileLocal)
		if err := d.Compile(e.Eval); err != nil {
			return nil, gobbyerr.Wrap(gobbyerr.WorkflowLoadError, "workflow "+name, err)
		}
		e.Rules.Register(d)
	}

	cw := &compiledWorkflow{
		def:         def,
		phaseRules:  map[string][]*rules.Definition{},
		transitions: map[string][]compiledTransition{},
		exitWhen:    map[string]*eval.Expr{},
		exits:       map[string][]compiledExit{},
	}

	cw.toolRules, err = e.Rules.Resolve(def.ToolRules)
	if err != nil {
		return nil, gobbyerr.Wrap(gobbyerr.WorkflowLoadError, "workflow "+name, err)
	}

	for _, spec := range def.Observers {
		cw.observers = append(cw.observers, specToObserver(spec))
	}

	for i := range def.Phases {
		p := &def.Phases[i]

		resolved, err := e.Rules.Resolve(p.Rules)
		if err != nil {
			return nil, gobbyerr.Wrap(gobbyerr.WorkflowLoadError, "workflow "+name, err)
		}
		cw.phaseRules[p.Name] = resolved

		for _, t := range p.Transitions {
			ct := compiledTransition{to: t.To, onTransition: t.OnTransition}
			if t.When != "" {
				ct.when, err = e.Eval.Compile(t.When)
				if err != nil {
					return nil, gobbyerr.Wrap(gobbyerr.WorkflowLoadError, "workflow "+name+" phase "+p.Name, err)
				}
			}
			cw.transitions[p.Name] = append(cw.transitions[p.Name], ct)
		}

		if p.ExitWhen != "" {
			expr, err := e.Eval.Compile(p.ExitWhen)
			if err != nil {
				return nil, gobbyerr.Wrap(gobbyerr.WorkflowLoadError, "workflow "+name+" phase "+p.Name, err)
			}
			cw.exitWhen[p.Name] = expr
		}
		for _, ec := range p.ExitConditions {
			ce := compiledExit{kind: ec.Type}
			if ce.kind == "" {
				ce.kind = loader.ExitExpression
			}
			if ce.kind == loader.ExitExpression {
				ce.expr, err = e.Eval.Compile(ec.Expression)
				if err != nil {
					return nil, gobbyerr.Wrap(gobbyerr.WorkflowLoadError, "workflow "+name+" phase "+p.Name, err)
				}
			}
			cw.exits[p.Name] = append(cw.exits[p.Name], ce)
		}
	}

	e.mu.Lock()
	e.compiled[name] = cw
	e.mu.Unlock()
	return cw, nil
}

// Invalidate drops the compiled form of name, forcing recompilation on
// next use — the reload hook for the fsnotify watcher.
func (e *Engine) Invalidate(name string) {
	e.mu.Lock()
	delete(e.compiled, name)
	e.mu.Unlock()
	e.Workflows.Invalidate(name)
}

func specToRule(rs loader.RuleSpec, tier rules.Tier) *rules.Definition {
	action := rules.Action(rs.Action)
	if action == "" {
		action = rules.ActionBlock
	}
	return &rules.Definition{
		Name:           rs.Name,
		Tools:          rs.Tools,
		MCPTools:       rs.MCPTools,
		CommandPattern: rs.CommandPattern,
		When:           rs.When,
		Reason:         rs.Reason,
		Action:         action,
		Tier:           tier,
	}
}

func specToObserver(spec loader.ObserverSpec) *rules.Observer {
	match := make(map[string]any, len(spec.Match))
	for k, v := range spec.Match {
		match[k] = v
	}
	return &rules.Observer{
		Name:     spec.Name,
		On:       event.Kind(strings.TrimPrefix(spec.On, "on_")),
		Match:    match,
		Set:      spec.Set,
		Behavior: spec.Behavior,
	}
}
