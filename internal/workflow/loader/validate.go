package loader

import (
	"fmt"

	"github.com/gobby-dev/gobby/internal/gobbyerr"
)

// Validate enforces the structural rules: phase names unique,
// referenced rules exist, transition targets exist, and type is
// consistent with the presence or absence of phases.
func Validate(def *Definition) error {
	if def.Type != TypePhase && def.Type != TypeLifecycle {
		return loadErr(def.Name, fmt.Sprintf("unknown type %q, expected %q or %q", def.Type, TypePhase, TypeLifecycle))
	}

	if def.Type == TypeLifecycle && len(def.Phases) > 0 {
		return loadErr(def.Name, "type \"lifecycle\" workflows must not declare phases")
	}
	if def.Type == TypePhase && len(def.Phases) == 0 {
		return loadErr(def.Name, "type \"phase\" workflows must declare at least one phase")
	}

	seen := map[string]bool{}
	for _, p := range def.Phases {
		if p.Name == "" {
			return loadErr(def.Name, "a phase is missing a name")
		}
		if seen[p.Name] {
			return loadErr(def.Name, fmt.Sprintf("duplicate phase name %q", p.Name))
		}
		seen[p.Name] = true
	}

	ruleNames := map[string]bool{}
	for _, rs := range def.Rules {
		ruleNames[rs.Name] = true
	}

	for _, p := range def.Phases {
		for _, rn := range p.Rules {
			if !ruleNames[rn] {
				return loadErr(def.Name, fmt.Sprintf("phase %q references unknown rule %q", p.Name, rn))
			}
		}
		for _, t := range p.Transitions {
			if t.To != "complete" && !seen[t.To] {
				return loadErr(def.Name, fmt.Sprintf("phase %q transitions to unknown phase %q", p.Name, t.To))
			}
		}
	}
	for _, rn := range def.ToolRules {
		if !ruleNames[rn] {
			return loadErr(def.Name, fmt.Sprintf("tool_rules references unknown rule %q", rn))
		}
	}

	return nil
}

func loadErr(workflow, msg string) error {
	return gobbyerr.New(gobbyerr.WorkflowLoadError, fmt.Sprintf("workflow %q: %s", workflow, msg))
}
