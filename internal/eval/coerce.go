package eval

import (
	"fmt"
	"strings"
)

// resolvePath walks a dotted/bracketed attribute chain against ctx. The
// first segment is looked up in the context map itself; subsequent
// segments navigate nested maps (map[string]any) and slices ([]any),
// mirroring the "identifiers (attribute and index access)" grammar rule
// of the expression language. Indexing into nil (or a missing key) is an evaluation
// error, which the engine's policy turns into `false` + a warn log.
func resolvePath(ctx Context, path []pathSegment, e *Evaluator, topCtx Context) (any, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("eval: empty identifier")
	}

	root := path[0]
	if root.Name == "" {
		return nil, fmt.Errorf("eval: identifier must start with a name")
	}
	cur, ok := ctx[root.Name]
	if !ok {
		return nil, fmt.Errorf("eval: undefined identifier %q", root.Name)
	}

	for _, seg := range path[1:] {
		if cur == nil {
			return nil, fmt.Errorf("eval: attribute access on null value")
		}
		if seg.Index != nil {
			idxVal, err := e.evalNode(seg.Index, topCtx)
			if err != nil {
				return nil, err
			}
			cur, err = indexInto(cur, idxVal)
			if err != nil {
				return nil, err
			}
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("eval: cannot access attribute %q on non-map value (%T)", seg.Name, cur)
		}
		cur, ok = m[seg.Name]
		if !ok {
			return nil, fmt.Errorf("eval: undefined attribute %q", seg.Name)
		}
	}
	return cur, nil
}

func indexInto(v, idx any) (any, error) {
	switch c := v.(type) {
	case []any:
		f, ok := toFloat(idx)
		if !ok {
			return nil, fmt.Errorf("eval: list index must be numeric")
		}
		i := int(f)
		if i < 0 || i >= len(c) {
			return nil, fmt.Errorf("eval: list index %d out of range", i)
		}
		return c[i], nil
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			return nil, fmt.Errorf("eval: map index must be a string")
		}
		val, ok := c[key]
		if !ok {
			return nil, fmt.Errorf("eval: undefined key %q", key)
		}
		return val, nil
	default:
		return nil, fmt.Errorf("eval: cannot index into %T", v)
	}
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	default:
		return false, false
	}
}

func toFloat(v any) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case int:
		return float64(f), true
	case int64:
		return float64(f), true
	default:
		return 0, false
	}
}

func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return a == b
}

// containment implements the "string containment" grammar rule and also
// supports "value in list" for convenience helpers like command_in.
func containment(needle, haystack any) (any, error) {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		if !ok {
			return nil, fmt.Errorf("eval: 'in' left operand must be a string when right operand is a string")
		}
		return strings.Contains(h, s), nil
	case []any:
		for _, item := range h {
			if looseEqual(needle, item) {
				return true, nil
			}
		}
		return false, nil
	default:
		return nil, fmt.Errorf("eval: 'in' right operand must be a string or list")
	}
}
