package actions

import (
	"fmt"
	"strings"

	"github.com/gobby-dev/gobby/internal/eval"
)

// renderParams renders every string-valued parameter through the
// {{ expr }} templating language, evaluating each `{{ }}`
// span with the same sandboxed Evaluator used for rule/transition
// guards. Non-string parameters pass through unchanged. A parameter that
// is entirely one `{{ expr }}` span (no surrounding text) resolves to the
// expression's raw value rather than a stringified interpolation, so a
// param like `todos: "{{ variables.todo_list }}"` can carry a list or map
// through intact instead of flattening it to its %v string form.
func renderParams(evaluator *eval.Evaluator, params map[string]any, ctx eval.Context) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		out[k] = renderTemplateString(evaluator, s, ctx)
	}
	return out
}

func renderTemplateString(evaluator *eval.Evaluator, s string, ctx eval.Context) any {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") && strings.Count(trimmed, "{{") == 1 {
		inner := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(trimmed, "{{"), "}}"))
		if v, ok := evalExpr(evaluator, inner, ctx); ok {
			return v
		}
		return ""
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		end += start
		b.WriteString(rest[:start])
		inner := strings.TrimSpace(rest[start+2 : end])
		if v, ok := evalExpr(evaluator, inner, ctx); ok {
			fmt.Fprintf(&b, "%v", v)
		}
		rest = rest[end+2:]
	}
	return b.String()
}

func evalExpr(evaluator *eval.Evaluator, src string, ctx eval.Context) (any, bool) {
	expr, err := evaluator.Compile(src)
	if err != nil {
		return nil, false
	}
	v, err := evaluator.Eval(expr, ctx)
	if err != nil {
		return nil, false
	}
	return v, true
}
