// Package event defines the typed hook event/response model that is the
// contract between CLI adapters and the workflow engine.
// Event types and response actions are closed sets modeled as sum types
// via a Kind string plus a typed payload; adapter-specific fields that
// don't map onto the payload survive in an Extensions bag.
package event

// Kind is one of the closed hook event types.
type Kind string

const (
	SessionStart Kind = "session_start"
	SessionEnd   Kind = "session_end"
	PreCompact   Kind = "pre_compact"
	PromptSubmit Kind = "prompt_submit"
	BeforeTool   Kind = "before_tool"
	AfterTool    Kind = "after_tool"
	Stop         Kind = "stop"
	SubagentStop Kind = "subagent_stop"
	Notification Kind = "notification"
)

// knownKinds is used to detect unrecognized event types so the pipeline
// can pass them through as continue without touching workflow state.
var knownKinds = map[Kind]bool{
	SessionStart: true,
	SessionEnd:   true,
	PreCompact:   true,
	PromptSubmit: true,
	BeforeTool:   true,
	AfterTool:    true,
	Stop:         true,
	SubagentStop: true,
	Notification: true,
}

// IsKnown reports whether k is one of the closed set of event kinds.
func IsKnown(k Kind) bool { return knownKinds[k] }

// TriggerSource classifies what caused the event, e.g. a compaction.
type TriggerSource string

const (
	TriggerAuto    TriggerSource = "auto"
	TriggerManual  TriggerSource = "manual"
	TriggerClear   TriggerSource = "clear"
	TriggerCompact TriggerSource = "compact"
)

// Hook is the request object crossing from a CLI adapter into the
// pipeline. It is treated as immutable within a
// single pipeline pass. Unrecognized fields an adapter received from its
// CLI survive as Extensions so nothing is silently dropped on decode.
type Hook struct {
	Type           Kind
	SessionID      string // platform-assigned session id
	ProjectHint    string // path or identifier hinting at the owning project
	ToolName       string
	ToolInput      map[string]any
	ToolResult     map[string]any
	PromptText     string
	TranscriptPath string
	TriggerSource  TriggerSource
	Metadata       map[string]any
	Extensions     map[string]any
}

// Action is one of the closed response actions.
type Action string

const (
	Continue Action = "continue"
	Block    Action = "block"
	Modify   Action = "modify"
)

// Response is the decision returned to the CLI adapter. Block dominates
// when multiple partial responses are merged; Modify's
// InjectContext values are concatenated across handlers.
type Response struct {
	Action         Action
	Message        string         // user-visible reason, required when Action == Block
	InjectContext  string         // prepended to the next turn when Action == Modify
	ModifiedInput  map[string]any // replacement tool_input when Action == Modify
}

// ContinueResponse is the default, no-op response.
func ContinueResponse() Response { return Response{Action: Continue} }

// BlockResponse builds a block decision with a user-visible reason.
func BlockResponse(message string) Response {
	return Response{Action: Block, Message: message}
}

// Merge combines r and other into a single response following the
// pipeline's merge policy: the first Block response
// encountered dominates; Modify responses accumulate InjectContext
// (later writer wins on duplicate keys, here modeled as later wins for
// the single concatenated string); anything else falls through to
// whichever side is non-default.
func (r Response) Merge(other Response) Response {
	if r.Action == Block {
		return r
	}
	if other.Action == Block {
		return other
	}
	if r.Action == Modify || other.Action == Modify {
		merged := Response{Action: Modify}
		merged.InjectContext = r.InjectContext
		if other.InjectContext != "" {
			if merged.InjectContext != "" {
				merged.InjectContext += "\n\n" + other.InjectContext
			} else {
				merged.InjectContext = other.InjectContext
			}
		}
		merged.ModifiedInput = r.ModifiedInput
		if other.ModifiedInput != nil {
			merged.ModifiedInput = other.ModifiedInput
		}
		return merged
	}
	return r
}
