// Package actions implements the action verb registry: a
// fixed set of named, typed handlers the workflow engine dispatches into
// for on_enter/on_exit/on_transition/trigger actions. Grounded on the
// MCP-tool convention where every tool is a small
// struct with one method against a shared dependency bag — the same
// shape generalized here from "one handler per MCP tool" to "one handler
// per action verb."
package actions

import (
	"context"
	"fmt"

	"github.com/gobby-dev/gobby/internal/autonomy"
	"github.com/gobby-dev/gobby/internal/event"
	"github.com/gobby-dev/gobby/internal/eval"
	"github.com/gobby-dev/gobby/internal/gobbyerr"
	"github.com/gobby-dev/gobby/internal/gobbylog"
	"github.com/gobby-dev/gobby/internal/storage"
	"github.com/gobby-dev/gobby/internal/workflow/loader"
	"github.com/gobby-dev/gobby/internal/workflow/state"
)

// LLMClient is the single narrow interface Gobby needs from whatever
// model provider is wired in.
type LLMClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Deps bundles every dependency an action handler might need. Handlers
// receive it alongside the per-call Invocation rather than taking a
// dozen constructor parameters each, the same dependency-bag convention
// the composition root uses for the internal registries.
// Session chaining for start_new_session goes through Autonomy.Chain
// rather than a separate spawner field — it is owned by the autonomous
// loop controller.
type Deps struct {
	Store     *storage.Store
	State     *state.Manager
	Evaluator *eval.Evaluator
	Autonomy  *autonomy.Controller
	LLM       LLMClient
	MCP       MCPCaller
	Log       *gobbylog.Logger
}

// Invocation carries the per-call context a handler acts on: which
// session/project triggered it, the firing hook event, and the
// evaluation context actions render their {{ }} templates against.
type Invocation struct {
	SessionID string
	ProjectID string
	Hook      *event.Hook
	EvalCtx   eval.Context
}

// Handler is one action verb's implementation. It returns a partial
// hook response the engine merges into the accumulated response, or
// the zero Response for actions with no response effect
// (most state mutations).
type Handler func(ctx context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error)

// Executor is the verb registry.
type Executor struct {
	handlers map[string]Handler
}

// NewExecutor creates an Executor with every built-in verb registered.
func NewExecutor() *Executor {
	e := &Executor{handlers: map[string]Handler{}}
	registerContextAndMessaging(e)
	registerArtifacts(e)
	registerStateVerbs(e)
	registerHandoff(e)
	registerLLM(e)
	registerTasks(e)
	registerMCP(e)
	registerEnforcement(e)
	registerAutonomous(e)
	return e
}

func (e *Executor) register(name string, h Handler) {
	if _, exists := e.handlers[name]; exists {
		panic(fmt.Sprintf("actions: verb %q already registered", name))
	}
	e.handlers[name] = h
}

// Run executes one ActionSpec: templated params are rendered, then the
// named handler runs. An unknown verb is an ActionError, surfaced the
// same way handler-internal errors are.
func (e *Executor) Run(ctx context.Context, deps *Deps, inv *Invocation, spec loader.ActionSpec) (event.Response, error) {
	h, ok := e.handlers[spec.Name]
	if !ok {
		return event.Response{}, gobbyerr.New(gobbyerr.ActionError, fmt.Sprintf("actions: unknown verb %q", spec.Name))
	}
	if guard, ok := spec.Params["when"].(string); ok && guard != "" {
		expr, err := deps.Evaluator.Compile(guard)
		if err != nil {
			return event.Response{}, fmt.Errorf("actions: compiling when guard: %w", err)
		}
		hold, err := deps.Evaluator.EvalBool(expr, inv.EvalCtx)
		if err != nil {
			deps.Log.Warn("action %q when guard evaluation failed, treating as false: %v", spec.Name, err)
			return event.Response{}, nil
		}
		if !hold {
			return event.Response{}, nil
		}
	}
	rendered := renderParams(deps.Evaluator, spec.Params, inv.EvalCtx)
	delete(rendered, "when")
	return h(ctx, deps, inv, rendered)
}

// RunAll executes a list of ActionSpecs in declaration order, merging
// their responses. Execution
// stops at the first handler error so a broken action doesn't mask
// itself behind partial state changes from the next one.
func (e *Executor) RunAll(ctx context.Context, deps *Deps, inv *Invocation, specs []loader.ActionSpec) (event.Response, error) {
	acc := event.ContinueResponse()
	for _, spec := range specs {
		resp, err := e.Run(ctx, deps, inv, spec)
		if err != nil {
			return acc, fmt.Errorf("action %q: %w", spec.Name, err)
		}
		acc = acc.Merge(resp)
	}
	return acc, nil
}
