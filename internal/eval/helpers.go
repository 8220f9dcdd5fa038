package eval

import "strings"

// registerBuiltins installs the finite, enumerated helper set of the
// expression language. Every helper here is total (never errors — it returns a sensible
// zero value for missing data) and side-effect-free: it only reads the
// evaluation Context the engine already assembled from observers and
// event data, it never performs I/O itself. That is what lets the engine
// treat "evaluation never mutates context" as an
// absolute guarantee rather than a convention helpers have to honor.
func registerBuiltins(e *Evaluator) {
	reg := func(name string, fn Helper) { _ = e.RegisterHelper(name, fn) }

	reg("has_previous_session", func(ctx Context, args []any) (any, error) {
		session, _ := ctx["session"].(map[string]any)
		parent, _ := session["parent_session_id"].(string)
		return parent != "", nil
	})

	reg("has_handoff", func(ctx Context, args []any) (any, error) {
		variables, _ := ctx["variables"].(map[string]any)
		_, ok := variables["handoff"]
		return ok, nil
	})

	reg("has_stop_signal", func(ctx Context, args []any) (any, error) {
		state, _ := ctx["state"].(map[string]any)
		v, ok := state["stop_signal"]
		if !ok || v == nil {
			return false, nil
		}
		return true, nil
	})

	reg("mcp_called", func(ctx Context, args []any) (any, error) {
		if len(args) != 2 {
			return false, nil
		}
		server, _ := args[0].(string)
		tool, _ := args[1].(string)
		calls := mcpCalls(ctx)
		for _, c := range calls {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if cm["server"] == server && cm["tool"] == tool {
				return true, nil
			}
		}
		return false, nil
	})

	reg("mcp_result_is_null", func(ctx Context, args []any) (any, error) {
		ev, _ := ctx["event"].(map[string]any)
		result, ok := ev["tool_result"]
		return !ok || result == nil, nil
	})

	reg("mcp_failed", func(ctx Context, args []any) (any, error) {
		ev, _ := ctx["event"].(map[string]any)
		result, _ := ev["tool_result"].(map[string]any)
		if result == nil {
			return false, nil
		}
		_, hasErr := result["error"]
		return hasErr, nil
	})

	reg("mcp_result_has", func(ctx Context, args []any) (any, error) {
		if len(args) != 2 {
			return false, nil
		}
		path, _ := args[0].(string)
		ev, _ := ctx["event"].(map[string]any)
		result, _ := ev["tool_result"].(map[string]any)
		got, ok := navigate(result, path)
		if !ok {
			return false, nil
		}
		return looseEqual(got, args[1]), nil
	})

	reg("task_tree_complete", func(ctx Context, args []any) (any, error) {
		if len(args) != 1 {
			return false, nil
		}
		root, _ := args[0].(string)
		variables, _ := ctx["variables"].(map[string]any)
		tree, _ := variables["task_tree_complete"].(map[string]any)
		if tree == nil {
			return false, nil
		}
		v, _ := tree[root].(bool)
		return v, nil
	})

	reg("task_needs_user_review", func(ctx Context, args []any) (any, error) {
		if len(args) != 1 {
			return false, nil
		}
		id, _ := args[0].(string)
		variables, _ := ctx["variables"].(map[string]any)
		list, _ := variables["tasks_needing_review"].([]any)
		for _, v := range list {
			if s, ok := v.(string); ok && s == id {
				return true, nil
			}
		}
		return false, nil
	})

	reg("command_contains", func(ctx Context, args []any) (any, error) {
		if len(args) != 1 {
			return false, nil
		}
		s, _ := args[0].(string)
		cmd := toolInputCommand(ctx)
		return strings.Contains(cmd, s), nil
	})

	reg("command_in", func(ctx Context, args []any) (any, error) {
		if len(args) != 1 {
			return false, nil
		}
		list, _ := args[0].([]any)
		cmd := toolInputCommand(ctx)
		for _, v := range list {
			if s, ok := v.(string); ok && s == cmd {
				return true, nil
			}
		}
		return false, nil
	})

	reg("user_says", func(ctx Context, args []any) (any, error) {
		if len(args) != 1 {
			return false, nil
		}
		word, _ := args[0].(string)
		ev, _ := ctx["event"].(map[string]any)
		prompt, _ := ev["prompt_text"].(string)
		return strings.Contains(strings.ToLower(prompt), strings.ToLower(word)), nil
	})

	reg("is_plan_file", func(ctx Context, args []any) (any, error) {
		if len(args) != 1 {
			return false, nil
		}
		path, _ := args[0].(string)
		lower := strings.ToLower(path)
		return strings.Contains(lower, "plan") && strings.HasSuffix(lower, ".md"), nil
	})
}

func mcpCalls(ctx Context) []any {
	variables, _ := ctx["variables"].(map[string]any)
	calls, _ := variables["mcp_calls"].([]any)
	return calls
}

func toolInputCommand(ctx Context) string {
	ev, _ := ctx["event"].(map[string]any)
	input, _ := ev["tool_input"].(map[string]any)
	cmd, _ := input["command"].(string)
	return cmd
}

// navigate walks a dotted path string ("a.b.c") through nested maps.
func navigate(m map[string]any, path string) (any, bool) {
	if m == nil {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = m
	for _, p := range parts {
		cm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = cm[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
