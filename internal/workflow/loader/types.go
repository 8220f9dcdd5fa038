// Package loader implements the YAML workflow loader: it
// reads workflow documents from the bundled, user, and project tiers,
// resolves extends chains with a child-wins deep merge, and validates
// the result. Parsing uses gopkg.in/yaml.v3, the same library the
// config layer uses, with the same tier discipline (bundled, then user,
// then project, later tiers winning).
package loader

// Type is the closed set of workflow kinds.
type Type string

const (
	TypePhase     Type = "phase"
	TypeLifecycle Type = "lifecycle"
)

// ExitConditionType is the closed set of exit-condition kinds a phase may
// declare.
type ExitConditionType string

const (
	ExitExpression    ExitConditionType = "expression"
	ExitUserApproval  ExitConditionType = "user_approval"
	ExitWebhook       ExitConditionType = "webhook"
)

// ActionSpec is one action invocation: a verb name plus templated string
// parameters.
type ActionSpec struct {
	Name   string         `yaml:"action"`
	Params map[string]any `yaml:",inline"`
}

// Transition is one phase-to-phase edge.
type Transition struct {
	When         string       `yaml:"when"`
	To           string       `yaml:"to"`
	OnTransition []ActionSpec `yaml:"on_transition"`
}

// ExitCondition is one item of a phase's exit_conditions list. Expression is used when Type is ExitExpression; for
// user_approval/webhook the condition blocks until satisfied externally
// and Expression is ignored.
type ExitCondition struct {
	Type       ExitConditionType `yaml:"type"`
	Expression string            `yaml:"expression"`
}

// Phase is one node of a phase-based workflow's state machine.
type Phase struct {
	Name          string          `yaml:"name"`
	Description   string          `yaml:"description"`
	AllowedTools  []string        `yaml:"allowed_tools"` // ["all"] permits everything subject to BlockedTools
	BlockedTools  []string        `yaml:"blocked_tools"`
	Rules         []string        `yaml:"rules"` // names resolved against a rules.Registry
	Transitions   []Transition    `yaml:"transitions"`
	ExitWhen      string          `yaml:"exit_when"`
	ExitConditions []ExitCondition `yaml:"exit_conditions"`
	OnEnter       []ActionSpec    `yaml:"on_enter"`
	OnExit        []ActionSpec    `yaml:"on_exit"`
}

// AllowsAllTools reports whether this phase's allowed_tools is the "all"
// sentinel.
func (p *Phase) AllowsAllTools() bool {
	return len(p.AllowedTools) == 1 && p.AllowedTools[0] == "all"
}

// ToolPermitted reports whether toolName may run in this phase:
// allowed_tools "all" permits everything except the blocked set;
// otherwise only the allowed list is permitted.
func (p *Phase) ToolPermitted(toolName string) bool {
	if p.AllowsAllTools() {
		return !contains(p.BlockedTools, toolName)
	}
	return contains(p.AllowedTools, toolName)
}

func contains(list []string, needle string) bool {
	for _, v := range list {
		if v == needle {
			return true
		}
	}
	return false
}

// StuckDetectionSettings configures the engine's stuck-detection pass.
type StuckDetectionSettings struct {
	MaxPhaseDurationMinutes     int `yaml:"max_phase_duration_minutes"`
	SameTaskThreshold           int `yaml:"same_task_threshold"`
	ValidationFailureThreshold int `yaml:"validation_failure_threshold"`
}

// Settings is the workflow-level settings block.
type Settings struct {
	StuckDetection StuckDetectionSettings `yaml:"stuck_detection"`
}

// RuleSpec is the YAML shape of a rule_definitions entry, decoupled from
// rules.Definition so the loader package doesn't import the eval
// package just to parse YAML.
type RuleSpec struct {
	Name           string   `yaml:"name"`
	Tools          []string `yaml:"tools"`
	MCPTools       []string `yaml:"mcp_tools"`
	CommandPattern string   `yaml:"command_pattern"`
	When           string   `yaml:"when"`
	Reason         string   `yaml:"reason"`
	Action         string   `yaml:"action"`
}

// ObserverSpec is the YAML shape of an observers entry. Behavior is set for a native/Go-backed observer instead
// of on/match/set.
type ObserverSpec struct {
	Name     string            `yaml:"name"`
	On       string            `yaml:"on"`
	Match    map[string]string `yaml:"match"`
	Set      map[string]string `yaml:"set"`
	Behavior string            `yaml:"behavior"`
}

// Definition is a fully parsed, not-yet-merged workflow document as read
// from a single YAML file.
type Definition struct {
	Name      string                  `yaml:"name"`
	Version   string                  `yaml:"version"`
	Extends   string                  `yaml:"extends"`
	Type      Type                    `yaml:"type"`
	Phases    []Phase                 `yaml:"phases"`
	Triggers  map[string][]ActionSpec `yaml:"triggers"`
	Rules     []RuleSpec              `yaml:"rule_definitions"`
	ToolRules []string                `yaml:"tool_rules"`
	Observers []ObserverSpec          `yaml:"observers"`
	Settings  Settings                `yaml:"settings"`
	Variables map[string]any          `yaml:"variables"`

	// sourceTier and sourcePath are set by the loader, not by YAML
	// unmarshalling, to support tier-precedence diagnostics.
	sourceTier int
	sourcePath string
}

// PhaseByName finds a phase by name, or nil if none matches.
func (d *Definition) PhaseByName(name string) *Phase {
	for i := range d.Phases {
		if d.Phases[i].Name == name {
			return &d.Phases[i]
		}
	}
	return nil
}
