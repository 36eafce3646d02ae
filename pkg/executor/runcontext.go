package executor

import (
	"context"

	"github.com/acm-runtime/acm/pkg/contracts"
	"github.com/acm-runtime/acm/pkg/ledger"
	"github.com/acm-runtime/acm/pkg/llm"
	"github.com/acm-runtime/acm/pkg/nucleus"
)

// runContext is the per-task view handed to capability implementations. It
// carries the nucleus session so that context promoted during reasoning is
// visible to the rest of the task.
type runContext struct {
	x         *Executor
	r         *run
	spec      contracts.TaskSpec
	session   *nucleus.Session
	userTools []llm.ToolDefinition
}

func (x *Executor) newRunContext(r *run, spec contracts.TaskSpec) (*runContext, error) {
	ref, err := r.cp.Ref()
	if err != nil {
		return nil, contracts.WrapRunError(contracts.KindPlanInvalid, spec.ID, err, "context ref")
	}

	session := &nucleus.Session{
		Binding: nucleus.Binding{
			GoalID:       r.goal.ID,
			PlanID:       r.plan.ID,
			TaskID:       spec.ID,
			ContextRef:   ref,
			AllowedTools: spec.Tools,
		},
		Context: r.cp,
		Scope:   r.scope,
	}
	if r.plan.Rationale != "" {
		session.Assumptions = []string{r.plan.Rationale}
	}

	rc := &runContext{x: x, r: r, spec: spec, session: session}

	if x.pipeline != nil {
		session.Fulfill = func(ctx context.Context, directives []string) (*contracts.ContextPacket, error) {
			next, _, err := x.pipeline.Fulfill(ctx, directives, r.scope, session.Context, r.ledger)
			if err != nil {
				return nil, err
			}
			return next, nil
		}
	}

	for _, name := range spec.Tools {
		if x.tools == nil {
			break
		}
		if _, err := x.tools.Get(name); err != nil {
			return nil, contracts.WrapRunError(contracts.KindPlanInvalid, spec.ID, err, "task tool")
		}
		rc.userTools = append(rc.userTools, llm.ToolDefinition{Name: name})
	}
	return rc, nil
}

func (rc *runContext) GoalID() string { return rc.r.goal.ID }
func (rc *runContext) PlanID() string { return rc.r.plan.ID }
func (rc *runContext) TaskID() string { return rc.spec.ID }

func (rc *runContext) Context() *contracts.ContextPacket { return rc.session.Context }

func (rc *runContext) Output(taskID string) (map[string]any, bool) {
	out, ok := rc.r.outputs[taskID]
	return out, ok
}

// Reason runs one bounded nucleus invocation for this task and mirrors its
// metrics into the ledger as a NUCLEUS_INFERENCE entry.
func (rc *runContext) Reason(ctx context.Context, prompt string, tools []llm.ToolDefinition) (*llm.Response, error) {
	if rc.x.nucleus == nil {
		return nil, contracts.NewRunError(contracts.KindTaskError, rc.spec.ID, "no nucleus configured")
	}
	offered := append(append([]llm.ToolDefinition{}, rc.userTools...), tools...)

	res, err := rc.x.nucleus.Invoke(ctx, rc.session, prompt, offered)
	if err != nil {
		return nil, err
	}
	if _, lerr := rc.r.ledger.Append(ledger.EventNucleusInference, map[string]any{
		"task_id":              rc.spec.ID,
		"rounds":               res.Metrics.Rounds,
		"estimated_tokens":     res.Metrics.EstimatedTokens,
		"budget_exhausted":     res.Metrics.BudgetExhausted,
		"directives_requested": res.Metrics.DirectivesRequested,
	}); lerr != nil {
		return nil, contracts.WrapRunError(contracts.KindPlanInvalid, rc.spec.ID, lerr, "ledger")
	}
	return res.Response, nil
}
