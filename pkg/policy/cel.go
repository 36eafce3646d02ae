package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/acm-runtime/acm/pkg/contracts"
)

// Rule is one CEL boolean expression bound to a policy action. All rules for
// the evaluated action must hold for the decision to allow.
type Rule struct {
	Action     Action `json:"action"`
	Expression string `json:"expression"`
	// Limits optionally tightens task bounds when the rule set allows.
	Limits *contracts.PolicyLimits `json:"limits,omitempty"`
}

// CELEngine evaluates policy rules written in CEL. Programs are compiled
// once and cached; evaluation is cost-limited so a pathological rule cannot
// stall the scheduler.
type CELEngine struct {
	env   *cel.Env
	rules map[Action][]Rule

	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewCELEngine builds an engine from a rule set. Rules are compiled eagerly
// so malformed policy fails at construction, not mid-run.
func NewCELEngine(rules []Rule) (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("capability", cel.StringType),
		cel.Variable("task_id", cel.StringType),
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("output", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("plan", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel environment: %w", err)
	}

	e := &CELEngine{
		env:      env,
		rules:    make(map[Action][]Rule),
		prgCache: make(map[string]cel.Program),
	}
	for _, r := range rules {
		if _, err := e.program(r.Expression); err != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", r.Expression, err)
		}
		e.rules[r.Action] = append(e.rules[r.Action], r)
	}
	return e, nil
}

// Evaluate runs every rule registered for action. Missing payload roots are
// filled with empty maps so rules can reference them safely. Deny wins; an
// evaluation error denies (fail-closed).
func (e *CELEngine) Evaluate(ctx context.Context, action Action, payload map[string]any) (contracts.PolicyDecision, error) {
	rules := e.rules[action]
	if len(rules) == 0 {
		return contracts.PolicyDecision{Allow: true}, nil
	}

	input := map[string]any{
		"action":     string(action),
		"capability": "",
		"task_id":    "",
		"input":      map[string]any{},
		"output":     map[string]any{},
		"context":    map[string]any{},
		"plan":       map[string]any{},
	}
	for k, v := range payload {
		input[k] = v
	}

	var limits *contracts.PolicyLimits
	for _, r := range rules {
		if err := ctx.Err(); err != nil {
			return contracts.PolicyDecision{Allow: false, Reason: "policy evaluation cancelled"}, err
		}
		allowed, err := e.evaluateExpr(r.Expression, input)
		if err != nil {
			// Fail-closed: a broken rule denies.
			return contracts.PolicyDecision{
				Allow:  false,
				Reason: fmt.Sprintf("policy rule error: %v", err),
			}, nil
		}
		if !allowed {
			return contracts.PolicyDecision{
				Allow:  false,
				Reason: fmt.Sprintf("denied by rule: %s", r.Expression),
			}, nil
		}
		if r.Limits != nil {
			limits = r.Limits
		}
	}
	return contracts.PolicyDecision{Allow: true, Limits: limits}, nil
}

func (e *CELEngine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}

func (e *CELEngine) evaluateExpr(expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
