//go:build property
// +build property

// Package guard_test contains property-based tests for expression
// evaluation determinism and undefined semantics.
package guard_test

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/acm-runtime/acm/pkg/guard"
)

// TestEvalDeterminism verifies evaluation is a pure function of the
// expression and environment.
func TestEvalDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("evaluation is deterministic", prop.ForAll(
		func(a int, b int, s string) bool {
			env := map[string]any{
				"outputs": map[string]any{
					"t1": map[string]any{"a": a, "b": b, "name": s},
				},
			}
			exprs := []string{
				"outputs.t1.a == outputs.t1.b",
				"outputs.t1.a < outputs.t1.b || outputs.t1.a >= outputs.t1.b",
				`outputs.t1.name != "" && outputs.t1.a > 0`,
			}
			for _, src := range exprs {
				r1, err1 := guard.Evaluate(src, env)
				r2, err2 := guard.Evaluate(src, env)
				if err1 != nil || err2 != nil {
					return false
				}
				if r1 != r2 {
					return false
				}
			}
			return true
		},
		gen.IntRange(-1000, 1000),
		gen.IntRange(-1000, 1000),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestMissingPathsAreFalsy verifies any access into an absent root or
// property evaluates falsy rather than erroring.
func TestMissingPathsAreFalsy(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("missing paths are falsy and never error", prop.ForAll(
		func(root string, prop1 string, prop2 string) bool {
			if root == "" || prop1 == "" || prop2 == "" {
				return true
			}
			src := fmt.Sprintf("%s.%s.%s", root, prop1, prop2)
			expr, err := guard.Parse(src)
			if err != nil {
				// Generated identifier collided with a keyword; fine.
				return true
			}
			if expr.Eval(map[string]any{}) {
				return false
			}
			// Negation of an absent path is always true.
			neg, err := guard.Parse("!" + src)
			if err != nil {
				return true
			}
			return neg.Eval(map[string]any{})
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

// TestComparisonTotality verifies == and != partition every value pair.
func TestComparisonTotality(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("equality and inequality are complementary", prop.ForAll(
		func(a int, b int) bool {
			env := map[string]any{"x": map[string]any{"a": a, "b": b}}
			eq, err1 := guard.Evaluate("x.a == x.b", env)
			ne, err2 := guard.Evaluate("x.a != x.b", env)
			if err1 != nil || err2 != nil {
				return false
			}
			return eq != ne && eq == (a == b)
		},
		gen.IntRange(-1000, 1000),
		gen.IntRange(-1000, 1000),
	))

	properties.TestingRun(t)
}

// TestCompiledAndOneShotAgree verifies the caching evaluator matches
// one-shot evaluation.
func TestCompiledAndOneShotAgree(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	evaluator := guard.NewEvaluator()

	properties.Property("cached and uncached evaluation agree", prop.ForAll(
		func(n int, flag bool) bool {
			env := map[string]any{"output": map[string]any{"n": n, "ok": flag}}
			src := "output.ok && output.n >= 0"
			cached, err1 := evaluator.Eval(src, env)
			oneShot, err2 := guard.Evaluate(src, env)
			if err1 != nil || err2 != nil {
				return false
			}
			return cached == oneShot
		},
		gen.IntRange(-100, 100),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
