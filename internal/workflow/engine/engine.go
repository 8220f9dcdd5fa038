// Package engine consumes hook events and produces hook responses: it
// resolves the session's active workflow and state, applies observers,
// enforces phase tool permissions and rules, evaluates transitions and
// exit conditions, and dispatches trigger actions. It is the only place
// workflow semantics live; the hook pipeline above it is transport, the
// packages below it are mechanism.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gobby-dev/gobby/internal/event"
	"github.com/gobby-dev/gobby/internal/eval"
	"github.com/gobby-dev/gobby/internal/gobbyerr"
	"github.com/gobby-dev/gobby/internal/gobbylog"
	"github.com/gobby-dev/gobby/internal/rules"
	"github.com/gobby-dev/gobby/internal/storage"
	"github.com/gobby-dev/gobby/internal/workflow/actions"
	"github.com/gobby-dev/gobby/internal/workflow/loader"
	"github.com/gobby-dev/gobby/internal/workflow/state"
)

// phaseComplete is the terminal pseudo-phase every phase workflow may
// transition to without declaring it.
const phaseComplete = "complete"

// Variables the engine itself reads and writes.
const (
	varUserApproved    = "user_approved"
	varWebhookApproved = "webhook_approved"
	varPendingApproval = "pending_approval"
	varBlockedOverride = "blocked_tools_override"
	varStuckPrompted   = "stuck_prompted"
)

// Engine wires the workflow registry, rule registry, state manager, and
// action executor into the dispatch sequence.
type Engine struct {
	Workflows *loader.Registry
	Rules     *rules.Registry
	Behaviors *rules.BehaviorRegistry
	State     *state.Manager
	Store     *storage.Store
	Eval      *eval.Evaluator
	Actions   *actions.Executor
	Deps      *actions.Deps
	Log       *gobbylog.Logger

	// DefaultWorkflow is the phase workflow activated for a session on
	// its session_start event. Empty disables phase enforcement.
	DefaultWorkflow string
	// AutonomousWorkflow, when set, replaces DefaultWorkflow for
	// sessions flagged autonomous.
	AutonomousWorkflow string
	// LifecycleWorkflows are always-on event-driven workflows whose
	// triggers run for every session.
	LifecycleWorkflows []string

	mu       sync.Mutex
	compiled map[string]*compiledWorkflow
}

// New creates an Engine. deps.Evaluator must be the same evaluator —
// actions render their templates against the identical expression
// surface the engine evaluates guards with.
func New(workflows *loader.Registry, ruleReg *rules.Registry, behaviors *rules.BehaviorRegistry,
	stateMgr *state.Manager, store *storage.Store, evaluator *eval.Evaluator,
	executor *actions.Executor, deps *actions.Deps, log *gobbylog.Logger) *Engine {
	e := &Engine{
		Workflows: workflows,
		Rules:     ruleReg,
		Behaviors: behaviors,
		State:     stateMgr,
		Store:     store,
		Eval:      evaluator,
		Actions:   executor,
		Deps:      deps,
		Log:       log,
		compiled:  map[string]*compiledWorkflow{},
	}
	registerBuiltinBehaviors(behaviors)
	return e
}

// Handle runs one hook event through the dispatch sequence and returns
// the accumulated response. Errors that reach the caller are engine
// faults; everything recoverable is already downgraded per policy
// (guard evaluation errors count as false, action errors log and keep
// the pass going).
func (e *Engine) Handle(ctx context.Context, h *event.Hook) (event.Response, error) {
	if !event.IsKnown(h.Type) {
		return event.ContinueResponse(), nil
	}

	// The phase workflow runs first so that a session_start event has
	// created workflow state by the time lifecycle triggers fire.
	resp, err := e.handlePhaseWorkflow(ctx, h)
	if err != nil {
		return resp, err
	}

	// Lifecycle workflows fire on every event regardless of phase state.
	for _, name := range e.LifecycleWorkflows {
		resp = resp.Merge(e.runLifecycle(ctx, name, h))
	}
	return resp, nil
}

func (e *Engine) runLifecycle(ctx context.Context, name string, h *event.Hook) event.Response {
	cw, err := e.compile(name)
	if err != nil {
		e.Log.Warn("lifecycle workflow %q unloadable, skipping: %v", name, err)
		return event.ContinueResponse()
	}
	ws, _ := e.State.Get(h.SessionID)
	evalCtx := e.buildEvalCtx(h, ws, e.sessionOf(h))
	e.applyObservers(cw, h, evalCtx)
	return e.runTriggers(ctx, cw, h, evalCtx)
}

func (e *Engine) handlePhaseWorkflow(ctx context.Context, h *event.Hook) (event.Response, error) {
	sess := e.sessionOf(h)

	ws, err := e.State.Get(h.SessionID)
	if gobbyerr.Is(err, gobbyerr.NotFound) {
		if h.Type != event.SessionStart {
			return event.ContinueResponse(), nil
		}
		return e.startSession(ctx, h, sess)
	}
	if err != nil {
		return event.ContinueResponse(), err
	}

	cw, err := e.compile(ws.WorkflowName)
	if err != nil {
		// An unloadable workflow disables enforcement for the session
		// rather than wedging every tool call.
		e.Log.Warn("workflow %q for session %s unloadable, enforcement disabled: %v", ws.WorkflowName, h.SessionID, err)
		return event.ContinueResponse(), nil
	}

	evalCtx := e.buildEvalCtx(h, ws, sess)
	e.applyObservers(cw, h, evalCtx)

	resp := event.ContinueResponse()

	if h.Type == event.BeforeTool {
		blockResp, blocked := e.checkToolCall(ctx, cw, ws, h, evalCtx)
		if blocked {
			return resp.Merge(blockResp), nil
		}
		resp = resp.Merge(blockResp)

		if stopResp, stopped := e.checkStopSignal(h, ws, sess, evalCtx); stopped {
			// Let a has_stop_signal() transition fire before blocking the
			// pending tool call.
			if tr, err := e.runTransitions(ctx, cw, ws, h, evalCtx); err == nil {
				stopResp = tr.Merge(stopResp)
			}
			return resp.Merge(stopResp), nil
		}
	}

	// Tool calls that got past the guards count against the phase; other
	// event kinds do not.
	if h.Type == event.BeforeTool || h.Type == event.AfterTool {
		if err := e.State.RecordAction(h.SessionID); err != nil {
			e.Log.Warn("recording action count for session %s: %v", h.SessionID, err)
		}
	}

	if h.Type == event.PromptSubmit {
		e.consumeApprovals(cw, ws, h)
		// Re-read state so the approval is visible to the guards below.
		if fresh, err := e.State.Get(h.SessionID); err == nil {
			ws = fresh
		}
		evalCtx = e.buildEvalCtx(h, ws, sess)
	}

	transResp, err := e.runTransitions(ctx, cw, ws, h, evalCtx)
	if err != nil {
		return resp, err
	}
	resp = resp.Merge(transResp)

	exitResp, err := e.checkExitConditions(ctx, cw, h, evalCtx)
	if err != nil {
		return resp, err
	}
	resp = resp.Merge(exitResp)

	resp = resp.Merge(e.checkStuck(ctx, cw, h))

	resp = resp.Merge(e.runTriggers(ctx, cw, h, e.refreshCtx(h, sess)))
	return resp, nil
}

// startSession activates the session's workflow: on_session_start
// triggers, then entry into the initial phase.
func (e *Engine) startSession(ctx context.Context, h *event.Hook, sess *storage.Session) (event.Response, error) {
	name := e.DefaultWorkflow
	if sess != nil && sess.Autonomous && e.AutonomousWorkflow != "" {
		name = e.AutonomousWorkflow
	}
	if name == "" {
		return event.ContinueResponse(), nil
	}

	cw, err := e.compile(name)
	if err != nil {
		e.Log.Warn("workflow %q unloadable at session start, enforcement disabled for session %s: %v", name, h.SessionID, err)
		return event.ContinueResponse(), nil
	}

	initial := cw.def.Phases[0].Name
	ws, err := e.State.Start(h.SessionID, name, initial)
	if err != nil {
		return event.ContinueResponse(), err
	}

	evalCtx := e.buildEvalCtx(h, ws, sess)
	resp := e.runTriggers(ctx, cw, h, evalCtx)

	enterResp, err := e.runActions(ctx, h, cw.def.Phases[0].OnEnter, evalCtx)
	if err != nil {
		e.Log.Warn("on_enter for initial phase %q: %v", initial, err)
	}
	return resp.Merge(enterResp), nil
}

// checkToolCall enforces phase tool permission then rule guards for a
// before_tool event. The returned bool reports whether the call is
// blocked outright.
func (e *Engine) checkToolCall(ctx context.Context, cw *compiledWorkflow, ws *storage.WorkflowState, h *event.Hook, evalCtx eval.Context) (event.Response, bool) {
	phase := cw.def.PhaseByName(ws.Phase)
	if phase == nil {
		if ws.Phase == phaseComplete {
			return event.ContinueResponse(), false
		}
		e.Log.Warn("session %s is in undeclared phase %q of workflow %q", h.SessionID, ws.Phase, ws.WorkflowName)
		return event.ContinueResponse(), false
	}

	if !phase.ToolPermitted(h.ToolName) {
		msg := fmt.Sprintf("tool %s is not allowed in the %s phase", h.ToolName, phase.Name)
		return event.BlockResponse(msg), true
	}
	if e.overrideBlocked(ws, h.ToolName) {
		return event.BlockResponse(fmt.Sprintf("tool %s is blocked for this session", h.ToolName)), true
	}

	// Phase rules first, then workflow-root tool_rules; the first
	// matching block wins.
	ruleSets := [][]*rules.Definition{cw.phaseRules[phase.Name], cw.toolRules}
	for _, set := range ruleSets {
		for _, rule := range set {
			if !rule.AppliesToTool(h.ToolName) {
				continue
			}
			if rule.CommandPattern != "" && !strings.Contains(commandOf(h), rule.CommandPattern) {
				continue
			}
			matched, err := rule.Matches(e.Eval, evalCtx)
			if err != nil {
				e.Log.Warn("rule %q evaluation failed, treating as no match: %v", rule.Name, err)
				continue
			}
			if !matched {
				continue
			}
			switch rule.Action {
			case rules.ActionBlock:
				return event.BlockResponse(rule.Reason), true
			case rules.ActionWarn:
				e.Log.Warn("rule %q: %s (tool %s, session %s)", rule.Name, rule.Reason, h.ToolName, h.SessionID)
			case rules.ActionRequireApproval:
				return e.requireApproval(ws, rule, h)
			}
		}
	}
	return event.ContinueResponse(), false
}

// requireApproval blocks the tool call and injects an approval prompt;
// once the user approves in a later prompt, the pending marker is
// cleared and the rule stops firing.
func (e *Engine) requireApproval(ws *storage.WorkflowState, rule *rules.Definition, h *event.Hook) (event.Response, bool) {
	if approved, _ := ws.Variables[varUserApproved].(bool); approved {
		return event.ContinueResponse(), false
	}
	if err := e.State.SetVariable(h.SessionID, varPendingApproval, rule.Name); err != nil {
		e.Log.Warn("recording pending approval: %v", err)
	}
	resp := event.BlockResponse(rule.Reason)
	resp.InjectContext = fmt.Sprintf("Approval required: %s. Reply with \"yes\" to approve.", rule.Reason)
	return resp, true
}

// checkStopSignal consumes a pending stop for an autonomous session and
// blocks the pending tool call.
func (e *Engine) checkStopSignal(h *event.Hook, ws *storage.WorkflowState, sess *storage.Session, evalCtx eval.Context) (event.Response, bool) {
	if sess == nil || !sess.Autonomous {
		return event.ContinueResponse(), false
	}
	stateCtx, _ := evalCtx["state"].(map[string]any)
	reason, ok := stateCtx["stop_signal"].(string)
	if !ok || reason == "" {
		return event.ContinueResponse(), false
	}

	if _, err := e.Deps.Autonomy.ConsumeStop(h.SessionID); err != nil {
		e.Log.Warn("consuming stop signal for session %s: %v", h.SessionID, err)
	}
	resp := event.BlockResponse("stop requested")
	resp.InjectContext = "Stopping: " + reason
	return resp, true
}

// consumeApprovals turns an affirmative prompt into the user_approved
// variable, satisfying both require_approval rules and user_approval
// exit conditions.
func (e *Engine) consumeApprovals(cw *compiledWorkflow, ws *storage.WorkflowState, h *event.Hook) {
	_, pending := ws.Variables[varPendingApproval]
	wantsApproval := pending || e.phaseWantsApproval(cw, ws.Phase)
	if !wantsApproval || !promptAffirmative(h.PromptText) {
		return
	}
	if err := e.State.SetVariable(h.SessionID, varUserApproved, true); err != nil {
		e.Log.Warn("recording user approval: %v", err)
		return
	}
	if pending {
		if err := e.State.ClearVariable(h.SessionID, varPendingApproval); err != nil {
			e.Log.Warn("clearing pending approval: %v", err)
		}
	}
}

func (e *Engine) phaseWantsApproval(cw *compiledWorkflow, phase string) bool {
	for _, ec := range cw.exits[phase] {
		if ec.kind == loader.ExitUserApproval {
			return true
		}
	}
	return false
}

// runTransitions evaluates the current phase's transitions in
// declaration order and fires the first whose guard holds.
func (e *Engine) runTransitions(ctx context.Context, cw *compiledWorkflow, ws *storage.WorkflowState, h *event.Hook, evalCtx eval.Context) (event.Response, error) {
	for _, ct := range cw.transitions[ws.Phase] {
		if ct.when != nil {
			hold, err := e.Eval.EvalBool(ct.when, evalCtx)
			if err != nil {
				e.Log.Warn("transition guard in phase %q failed, treating as false: %v", ws.Phase, err)
				continue
			}
			if !hold {
				continue
			}
		}
		return e.fireTransition(ctx, cw, h, ws.Phase, ct.to, ct.onTransition, evalCtx)
	}
	return event.ContinueResponse(), nil
}

// fireTransition runs on_exit of the current phase, the transition's own
// actions, then enters the target phase and runs its on_enter.
func (e *Engine) fireTransition(ctx context.Context, cw *compiledWorkflow, h *event.Hook, from, to string, onTransition []loader.ActionSpec, evalCtx eval.Context) (event.Response, error) {
	resp := event.ContinueResponse()

	if fromPhase := cw.def.PhaseByName(from); fromPhase != nil {
		r, err := e.runActions(ctx, h, fromPhase.OnExit, evalCtx)
		if err != nil {
			e.Log.Warn("on_exit of phase %q: %v", from, err)
		}
		resp = resp.Merge(r)
	}
	if err := e.State.ExitPhase(h.SessionID, from); err != nil {
		return resp, err
	}

	r, err := e.runActions(ctx, h, onTransition, evalCtx)
	if err != nil {
		e.Log.Warn("on_transition %s -> %s: %v", from, to, err)
	}
	resp = resp.Merge(r)

	if err := e.State.EnterPhase(h.SessionID, to); err != nil {
		return resp, err
	}
	// Approval is per-gate: a transition consumes it.
	if err := e.State.ClearVariable(h.SessionID, varUserApproved); err != nil {
		e.Log.Warn("clearing consumed approval: %v", err)
	}

	if toPhase := cw.def.PhaseByName(to); toPhase != nil {
		r, err := e.runActions(ctx, h, toPhase.OnEnter, evalCtx)
		if err != nil {
			e.Log.Warn("on_enter of phase %q: %v", to, err)
		}
		resp = resp.Merge(r)
	}
	return resp, nil
}

// checkExitConditions advances to the next declared phase (or complete)
// once every exit condition of the current phase holds.
func (e *Engine) checkExitConditions(ctx context.Context, cw *compiledWorkflow, h *event.Hook, evalCtx eval.Context) (event.Response, error) {
	ws, err := e.State.Get(h.SessionID)
	if err != nil {
		return event.ContinueResponse(), err
	}
	phase := cw.def.PhaseByName(ws.Phase)
	if phase == nil {
		return event.ContinueResponse(), nil
	}

	conditions := cw.exits[ws.Phase]
	exitWhen := cw.exitWhen[ws.Phase]
	if len(conditions) == 0 && exitWhen == nil {
		return event.ContinueResponse(), nil
	}

	if exitWhen != nil {
		hold, err := e.Eval.EvalBool(exitWhen, evalCtx)
		if err != nil {
			e.Log.Warn("exit_when of phase %q failed, treating as false: %v", ws.Phase, err)
			return event.ContinueResponse(), nil
		}
		if !hold {
			return event.ContinueResponse(), nil
		}
	}
	for _, ec := range conditions {
		ok, err := e.exitSatisfied(ec, ws, evalCtx)
		if err != nil {
			e.Log.Warn("exit condition of phase %q failed, treating as false: %v", ws.Phase, err)
			return event.ContinueResponse(), nil
		}
		if !ok {
			return event.ContinueResponse(), nil
		}
	}

	return e.fireTransition(ctx, cw, h, ws.Phase, e.nextPhase(cw, ws.Phase), nil, evalCtx)
}

func (e *Engine) exitSatisfied(ec compiledExit, ws *storage.WorkflowState, evalCtx eval.Context) (bool, error) {
	switch ec.kind {
	case loader.ExitUserApproval:
		approved, _ := ws.Variables[varUserApproved].(bool)
		return approved, nil
	case loader.ExitWebhook:
		approved, _ := ws.Variables[varWebhookApproved].(bool)
		return approved, nil
	default:
		return e.Eval.EvalBool(ec.expr, evalCtx)
	}
}

func (e *Engine) nextPhase(cw *compiledWorkflow, current string) string {
	for i := range cw.def.Phases {
		if cw.def.Phases[i].Name == current && i+1 < len(cw.def.Phases) {
			return cw.def.Phases[i+1].Name
		}
	}
	return phaseComplete
}

// checkStuck transitions to a declared reflect/stuck phase, or injects a
// reflection prompt, once the phase has outstayed its configured limit.
func (e *Engine) checkStuck(ctx context.Context, cw *compiledWorkflow, h *event.Hook) event.Response {
	maxMinutes := cw.def.Settings.StuckDetection.MaxPhaseDurationMinutes
	if maxMinutes <= 0 {
		return event.ContinueResponse()
	}
	ws, err := e.State.Get(h.SessionID)
	if err != nil {
		return event.ContinueResponse()
	}
	entered, err := time.Parse(time.RFC3339, ws.PhaseEnteredAt)
	if err != nil || time.Since(entered) < time.Duration(maxMinutes)*time.Minute {
		return event.ContinueResponse()
	}
	if ws.Phase == "reflect" || ws.Phase == "stuck" || ws.Phase == phaseComplete {
		return event.ContinueResponse()
	}

	for _, target := range []string{"reflect", "stuck"} {
		if cw.def.PhaseByName(target) != nil {
			resp, err := e.fireTransition(ctx, cw, h, ws.Phase, target, nil, e.refreshCtx(h, e.sessionOf(h)))
			if err != nil {
				e.Log.Warn("stuck transition to %q: %v", target, err)
			}
			return resp
		}
	}

	if prompted, _ := ws.Variables[varStuckPrompted].(bool); prompted {
		return event.ContinueResponse()
	}
	if err := e.State.SetVariable(h.SessionID, varStuckPrompted, true); err != nil {
		e.Log.Warn("marking stuck prompt: %v", err)
	}
	return event.Response{
		Action:        event.Modify,
		InjectContext: fmt.Sprintf("You have been in the %s phase for over %d minutes. Reflect on whether the current approach is working before continuing.", ws.Phase, maxMinutes),
	}
}

// runTriggers executes the workflow's trigger actions for the event.
func (e *Engine) runTriggers(ctx context.Context, cw *compiledWorkflow, h *event.Hook, evalCtx eval.Context) event.Response {
	var specs []loader.ActionSpec
	specs = append(specs, cw.def.Triggers[string(h.Type)]...)
	specs = append(specs, cw.def.Triggers["on_"+string(h.Type)]...)
	if len(specs) == 0 {
		return event.ContinueResponse()
	}
	resp, err := e.runActions(ctx, h, specs, evalCtx)
	if err != nil {
		// An action failure aborts the remaining trigger actions but the
		// event itself continues.
		e.Log.Warn("trigger actions for %s: %v", h.Type, err)
	}
	return resp
}

func (e *Engine) runActions(ctx context.Context, h *event.Hook, specs []loader.ActionSpec, evalCtx eval.Context) (event.Response, error) {
	if len(specs) == 0 {
		return event.ContinueResponse(), nil
	}
	inv := &actions.Invocation{
		SessionID: h.SessionID,
		ProjectID: e.Store.ProjectID,
		Hook:      h,
		EvalCtx:   evalCtx,
	}
	return e.Actions.RunAll(ctx, e.Deps, inv, specs)
}

func (e *Engine) overrideBlocked(ws *storage.WorkflowState, toolName string) bool {
	list, _ := ws.Variables[varBlockedOverride].([]any)
	for _, v := range list {
		if s, ok := v.(string); ok && s == toolName {
			return true
		}
	}
	if list, ok := ws.Variables[varBlockedOverride].([]string); ok {
		for _, s := range list {
			if s == toolName {
				return true
			}
		}
	}
	return false
}

func (e *Engine) sessionOf(h *event.Hook) *storage.Session {
	sess, err := e.Store.Sessions.Get(h.SessionID)
	if err != nil {
		return nil
	}
	return sess
}

// ToolVisible reports whether toolName should be announced to the client
// for sessionID's current phase — the catalog filter the MCP proxy
// consults.
func (e *Engine) ToolVisible(sessionID, toolName string) bool {
	ws, err := e.State.Get(sessionID)
	if err != nil {
		return true
	}
	cw, err := e.compile(ws.WorkflowName)
	if err != nil {
		return true
	}
	phase := cw.def.PhaseByName(ws.Phase)
	if phase == nil {
		return true
	}
	if e.overrideBlocked(ws, toolName) {
		return false
	}
	return phase.ToolPermitted(toolName)
}

func promptAffirmative(prompt string) bool {
	p := strings.ToLower(strings.TrimSpace(prompt))
	for _, word := range []string{"yes", "approve", "approved", "lgtm", "go ahead", "proceed"} {
		if p == word || strings.HasPrefix(p, word+" ") || strings.HasPrefix(p, word+",") || strings.HasPrefix(p, word+".") {
			return true
		}
	}
	return false
}

func commandOf(h *event.Hook) string {
	cmd, _ := h.ToolInput["command"].(string)
	return cmd
}
