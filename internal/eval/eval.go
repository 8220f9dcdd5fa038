// Package eval implements the single safe expression evaluator used for
// every `when` condition in the daemon: workflow transitions,
// rule guards, action guards, and exit conditions all compile through the
// same Evaluator so there is exactly one sandboxing boundary to audit.
//
// The grammar is restricted on purpose: it has no production
// for attribute descriptors, dunder access, import, or lambda, so there is
// no path from a workflow author's `when:` string to arbitrary code
// execution — unlike a general-purpose embedded expression library, whose
// function-call production would have to be separately firewalled to get
// the same guarantee. That is the reason this package is hand-rolled
// instead of wired to an off-the-shelf expression engine (see DESIGN.md).
package eval

import (
	"fmt"
)

// Context is the read-only map expressions evaluate against:
// {event, state, variables, settings, session, task}. Evaluation never
// mutates it.
type Context map[string]any

// Helper is a pure, side-effect-free function exposed to expressions
// under a fixed name. Helpers receive the evaluation Context so they can
// answer questions like has_previous_session() or mcp_called(server,
// tool) without the grammar needing any syntax beyond a function call.
type Helper func(ctx Context, args []any) (any, error)

// Expr is a parsed, immutable expression. Parse errors are surfaced at
// Compile time; a compiled Expr can be evaluated repeatedly and
// concurrently since node trees are read-only after parse.
type Expr struct {
	src  string
	root node
}

// String returns the original source text.
func (e *Expr) String() string { return e.src }

// Evaluator owns the allow-listed helper table. The zero value is not
// usable; construct with New.
type Evaluator struct {
	helpers map[string]Helper
}

// New creates an Evaluator with the built-in helpers registered (see
// helpers.go for the enumerated list).
func New() *Evaluator {
	e := &Evaluator{helpers: make(map[string]Helper)}
	registerBuiltins(e)
	return e
}

// RegisterHelper adds a plugin-registered predicate to the allow-list.
// This is the only extension point into the evaluator: a
// plugin may add a new named, total, side-effect-free function; it can
// never inject an expression fragment or alter the grammar.
func (e *Evaluator) RegisterHelper(name string, fn Helper) error {
	if _, exists := e.helpers[name]; exists {
		return fmt.Errorf("eval: helper %q already registered", name)
	}
	e.helpers[name] = fn
	return nil
}

// Compile parses expr into a reusable Expr. Callers should compile once
// at workflow-load time and reuse the result — a parse failure here is a
// WorkflowLoadError for the owning workflow.
func (e *Evaluator) Compile(expr string) (*Expr, error) {
	root, err := parse(expr)
	if err != nil {
		return nil, err
	}
	return &Expr{src: expr, root: root}, nil
}

// Eval evaluates a compiled expression against ctx. Runtime errors
// (unknown identifier, calling an unregistered helper, type mismatches)
// are returned to the caller; the workflow engine treats
// any runtime EvaluationError as `false` and logs at warn level — that
// policy lives in the engine, not here, so this function reports errors
// faithfully rather than swallowing them.
func (e *Evaluator) Eval(expr *Expr, ctx Context) (any, error) {
	return e.evalNode(expr.root, ctx)
}

// EvalBool evaluates expr and coerces the result to bool. Any error, or a
// non-boolean result, evaluates to false. The error is still returned
// so the caller can log it at warn level.
func (e *Evaluator) EvalBool(expr *Expr, ctx Context) (bool, error) {
	v, err := e.Eval(expr, ctx)
	if err != nil {
		return false, err
	}
	b, ok := toBool(v)
	if !ok {
		return false, fmt.Errorf("eval: expression %q did not evaluate to a boolean (got %T)", expr.src, v)
	}
	return b, nil
}

func (e *Evaluator) evalNode(n node, ctx Context) (any, error) {
	switch t := n.(type) {
	case literalNode:
		return t.value, nil
	case identNode:
		return resolvePath(ctx, t.path, e, ctx)
	case unaryNode:
		return e.evalUnary(t, ctx)
	case binaryNode:
		return e.evalBinary(t, ctx)
	case callNode:
		return e.evalCall(t, ctx)
	default:
		return nil, fmt.Errorf("eval: unknown node type %T", n)
	}
}

func (e *Evaluator) evalUnary(n unaryNode, ctx Context) (any, error) {
	v, err := e.evalNode(n.expr, ctx)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "not":
		b, ok := toBool(v)
		if !ok {
			return nil, fmt.Errorf("eval: 'not' operand is not boolean (got %T)", v)
		}
		return !b, nil
	case "-":
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("eval: unary '-' operand is not numeric (got %T)", v)
		}
		return -f, nil
	}
	return nil, fmt.Errorf("eval: unknown unary operator %q", n.op)
}

// evalBinary implements short-circuit evaluation for and/or: the right operand is never
// evaluated when the left side already determines the result.
func (e *Evaluator) evalBinary(n binaryNode, ctx Context) (any, error) {
	switch n.op {
	case "and":
		l, err := e.evalNode(n.left, ctx)
		if err != nil {
			return nil, err
		}
		lb, ok := toBool(l)
		if !ok {
			return nil, fmt.Errorf("eval: 'and' left operand is not boolean (got %T)", l)
		}
		if !lb {
			return false, nil
		}
		r, err := e.evalNode(n.right, ctx)
		if err != nil {
			return nil, err
		}
		rb, ok := toBool(r)
		if !ok {
			return nil, fmt.Errorf("eval: 'and' right operand is not boolean (got %T)", r)
		}
		return rb, nil
	case "or":
		l, err := e.evalNode(n.left, ctx)
		if err != nil {
			return nil, err
		}
		lb, ok := toBool(l)
		if !ok {
			return nil, fmt.Errorf("eval: 'or' left operand is not boolean (got %T)", l)
		}
		if lb {
			return true, nil
		}
		r, err := e.evalNode(n.right, ctx)
		if err != nil {
			return nil, err
		}
		rb, ok := toBool(r)
		if !ok {
			return nil, fmt.Errorf("eval: 'or' right operand is not boolean (got %T)", r)
		}
		return rb, nil
	}

	left, err := e.evalNode(n.left, ctx)
	if err != nil {
		return nil, err
	}
	right, err := e.evalNode(n.right, ctx)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case "<", "<=", ">", ">=":
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		if !lok || !rok {
			return nil, fmt.Errorf("eval: comparison operands must be numeric")
		}
		switch n.op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	case "+", "-", "*", "/":
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		if !lok || !rok {
			return nil, fmt.Errorf("eval: arithmetic operands must be numeric")
		}
		switch n.op {
		case "+":
			return lf + rf, nil
		case "-":
			return lf - rf, nil
		case "*":
			return lf * rf, nil
		case "/":
			if rf == 0 {
				return nil, fmt.Errorf("eval: division by zero")
			}
			return lf / rf, nil
		}
	case "in":
		return containment(left, right)
	}
	return nil, fmt.Errorf("eval: unknown binary operator %q", n.op)
}

func (e *Evaluator) evalCall(n callNode, ctx Context) (any, error) {
	fn, ok := e.helpers[n.name]
	if !ok {
		return nil, fmt.Errorf("eval: call to unregistered helper %q", n.name)
	}
	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := e.evalNode(a, ctx)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return fn(ctx, args)
}
