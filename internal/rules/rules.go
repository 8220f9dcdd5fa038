// Package rules implements the named, reusable rule and observer registry.
// Rules are guards `{name, when, reason, tools?, mcp_tools?,
// command_pattern?}` that the workflow engine resolves by name via a
// step's `check_rules: [...]`; observers mirror event data into workflow
// variables before rules are evaluated.
package rules

import (
	"fmt"

	"github.com/gobby-dev/gobby/internal/eval"
)

// Action is what the engine does when a rule's `when` expression holds.
type Action string

const (
	ActionBlock           Action = "block"
	ActionWarn            Action = "warn"
	ActionRequireApproval Action = "require_approval"
)

// Tier identifies which configuration layer a RuleDefinition came from.
// Resolution order is file-local > project > user > bundled.
type Tier int

const (
	TierBundled Tier = iota
	TierUser
	TierProject
	TierFileLocal
)

// Definition is a named, reusable guard.
type Definition struct {
	Name           string
	Tools          []string
	MCPTools       []string
	CommandPattern string
	When           string
	Reason         string
	Action         Action
	Tier           Tier

	compiled *eval.Expr
}

// Compile parses the rule's When expression. A parse failure here is
// fatal for the owning workflow at load time.
func (d *Definition) Compile(evaluator *eval.Evaluator) error {
	if d.When == "" {
		d.compiled = nil
		return nil
	}
	expr, err := evaluator.Compile(d.When)
	if err != nil {
		return fmt.Errorf("rule %q: compiling when clause: %w", d.Name, err)
	}
	d.compiled = expr
	return nil
}

// Matches evaluates the rule's When clause against ctx. A rule with no
// When clause always matches (it is a pure tool/command-pattern guard).
func (d *Definition) Matches(evaluator *eval.Evaluator, ctx eval.Context) (bool, error) {
	if d.compiled == nil {
		return true, nil
	}
	return evaluator.EvalBool(d.compiled, ctx)
}

// AppliesToTool reports whether the rule's tool/mcp_tool filters (if any)
// select the given tool name. A rule with no filters applies to every
// tool.
func (d *Definition) AppliesToTool(toolName string) bool {
	if len(d.Tools) == 0 && len(d.MCPTools) == 0 {
		return true
	}
	for _, t := range d.Tools {
		if t == toolName {
			return true
		}
	}
	for _, t := range d.MCPTools {
		if t == toolName {
			return true
		}
	}
	return false
}
