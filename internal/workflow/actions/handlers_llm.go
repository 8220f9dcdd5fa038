package actions

import (
	"context"

	"github.com/gobby-dev/gobby/internal/event"
)

// registerLLM installs call_llm, generate_summary, synthesize_title.
// All three go through the single LLMClient seam —
// the provider abstraction itself is out of scope.
func registerLLM(e *Executor) {
	e.register("call_llm", func(ctx context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		if deps.LLM == nil {
			return event.Response{}, nil
		}
		system := stringParam(params, "system_prompt", "")
		prompt := stringParam(params, "prompt", "")
		out, err := deps.LLM.Complete(ctx, system, prompt)
		if err != nil {
			return event.Response{}, err
		}
		variable := stringParam(params, "result_variable", "")
		if variable == "" {
			return event.Response{}, nil
		}
		return event.Response{}, deps.State.SetVariable(inv.SessionID, variable, out)
	})

	e.register("generate_summary", func(ctx context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		if deps.LLM == nil {
			return event.Response{}, nil
		}
		transcript := stringParam(params, "transcript", "")
		summary, err := deps.LLM.Complete(ctx,
			"Summarize this coding session in two or three sentences for a future session to resume from.",
			transcript,
		)
		if err != nil {
			return event.Response{}, err
		}
		return event.Response{}, deps.Store.Sessions.SetTitleAndSummary(inv.SessionID, "", summary)
	})

	e.register("synthesize_title", func(ctx context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		if deps.LLM == nil {
			return event.Response{}, nil
		}
		firstPrompt := stringParam(params, "first_prompt", "")
		title, err := deps.LLM.Complete(ctx,
			"Produce a short (under 8 words) title for a coding session that starts with this request.",
			firstPrompt,
		)
		if err != nil {
			return event.Response{}, err
		}
		sess, err := deps.Store.Sessions.Get(inv.SessionID)
		if err != nil {
			return event.Response{}, err
		}
		return event.Response{}, deps.Store.Sessions.SetTitleAndSummary(inv.SessionID, title, sess.Summary)
	})
}
