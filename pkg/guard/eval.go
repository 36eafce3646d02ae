// Package guard evaluates the pure boolean expression language used by plan
// edge guards and task verification assertions. The grammar is deliberately
// tiny: property access, array indexing, strict comparison, relational
// operators, and boolean connectives over the roots supplied in the
// environment (typically context, outputs, and policy).
//
// Expressions are interpreted over an AST; there is no dynamic code
// construction and no host-code injection surface.
//
// Undefined semantics: accessing a missing property, a missing environment
// root, an out-of-range index, or any property of null/undefined yields
// undefined. Undefined is falsy and compares equal only to itself. A guard
// that references policy.X when no decision for X was recorded therefore
// evaluates to false rather than erroring.
package guard

import (
	"encoding/json"
	"sync"
)

// undefinedValue is the sentinel for absent values.
type undefinedValue struct{}

// Undefined is the evaluation result for any absent value.
var Undefined = undefinedValue{}

// Expr is a parsed, reusable expression.
type Expr struct {
	source string
	root   node
}

// Source returns the original expression text.
func (e *Expr) Source() string { return e.source }

// Eval evaluates the expression against env and returns the truthiness of
// the result. Evaluation never fails once parsing succeeded.
func (e *Expr) Eval(env map[string]any) bool {
	return truthy(eval(e.root, env))
}

// Value evaluates and returns the raw result; absent values come back as
// Undefined.
func (e *Expr) Value(env map[string]any) any {
	return eval(e.root, env)
}

// Evaluate parses and evaluates expr in one step.
func Evaluate(expr string, env map[string]any) (bool, error) {
	compiled, err := Parse(expr)
	if err != nil {
		return false, err
	}
	return compiled.Eval(env), nil
}

// Evaluator caches parsed expressions; safe for concurrent use.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*Expr
}

// NewEvaluator creates an empty expression cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*Expr)}
}

// Compile parses expr, reusing a cached AST when available.
func (ev *Evaluator) Compile(expr string) (*Expr, error) {
	ev.mu.RLock()
	compiled, ok := ev.cache[expr]
	ev.mu.RUnlock()
	if ok {
		return compiled, nil
	}
	compiled, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	ev.mu.Lock()
	ev.cache[expr] = compiled
	ev.mu.Unlock()
	return compiled, nil
}

// Eval compiles (or reuses) expr and evaluates it against env.
func (ev *Evaluator) Eval(expr string, env map[string]any) (bool, error) {
	compiled, err := ev.Compile(expr)
	if err != nil {
		return false, err
	}
	return compiled.Eval(env), nil
}

func eval(n node, env map[string]any) any {
	switch t := n.(type) {
	case literalNode:
		return t.value
	case identNode:
		if env == nil {
			return Undefined
		}
		v, ok := env[t.name]
		if !ok {
			return Undefined
		}
		return v
	case memberNode:
		return access(eval(t.object, env), t.property)
	case indexNode:
		return index(eval(t.object, env), eval(t.index, env))
	case unaryNode:
		return !truthy(eval(t.operand, env))
	case binaryNode:
		switch t.op {
		case tokAnd:
			left := eval(t.left, env)
			if !truthy(left) {
				return left
			}
			return eval(t.right, env)
		case tokOr:
			left := eval(t.left, env)
			if truthy(left) {
				return left
			}
			return eval(t.right, env)
		case tokStrictEq:
			return strictEquals(eval(t.left, env), eval(t.right, env))
		case tokStrictNeq:
			return !strictEquals(eval(t.left, env), eval(t.right, env))
		default:
			return relational(t.op, eval(t.left, env), eval(t.right, env))
		}
	default:
		return Undefined
	}
}

func access(obj any, property string) any {
	switch m := obj.(type) {
	case map[string]any:
		v, ok := m[property]
		if !ok {
			return Undefined
		}
		return v
	case []any:
		if property == "length" {
			return float64(len(m))
		}
		return Undefined
	case string:
		if property == "length" {
			return float64(len(m))
		}
		return Undefined
	default:
		return Undefined
	}
}

func index(obj, key any) any {
	switch m := obj.(type) {
	case []any:
		i, ok := asNumber(key)
		if !ok {
			return Undefined
		}
		idx := int(i)
		if float64(idx) != i || idx < 0 || idx >= len(m) {
			return Undefined
		}
		return m[idx]
	case map[string]any:
		s, ok := key.(string)
		if !ok {
			return Undefined
		}
		return access(m, s)
	default:
		return Undefined
	}
}

func strictEquals(a, b any) bool {
	if _, ok := a.(undefinedValue); ok {
		_, other := b.(undefinedValue)
		return other
	}
	if _, ok := b.(undefinedValue); ok {
		return false
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if an, aok := asNumber(a); aok {
		bn, bok := asNumber(b)
		return bok && an == bn
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		// Composite values are never strictly equal.
		return false
	}
}

func relational(op tokenKind, a, b any) bool {
	if an, aok := asNumber(a); aok {
		bn, bok := asNumber(b)
		if !bok {
			return false
		}
		return compareOrdered(op, an, bn)
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return compareOrdered(op, as, bs)
	}
	return false
}

func compareOrdered[T float64 | string](op tokenKind, a, b T) bool {
	switch op {
	case tokLt:
		return a < b
	case tokLte:
		return a <= b
	case tokGt:
		return a > b
	case tokGte:
		return a >= b
	default:
		return false
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case undefinedValue:
		return false
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		if n, ok := asNumber(v); ok {
			return n != 0
		}
		// Composite values (maps, slices) are truthy even when empty.
		return true
	}
}
