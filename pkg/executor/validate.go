package executor

import (
	"context"
	"errors"

	"github.com/acm-runtime/acm/pkg/contracts"
	"github.com/acm-runtime/acm/pkg/ledger"
	"github.com/acm-runtime/acm/pkg/policy"
	"github.com/acm-runtime/acm/pkg/registry"
)

// validate checks the plan before anything executes: structural integrity,
// acyclicity, capability resolution, guard and verification syntax, the
// capability map pin, the context binding, and plan admission policy. It
// also initializes the task records.
func (x *Executor) validate(ctx context.Context, r *run) error {
	plan := &r.plan
	if plan.ID == "" {
		return contracts.NewRunError(contracts.KindPlanInvalid, "", "plan has no id")
	}

	for i := range plan.Tasks {
		spec := &plan.Tasks[i]
		if spec.ID == "" {
			return contracts.NewRunError(contracts.KindPlanInvalid, "", "task %d has no id", i)
		}
		if _, dup := r.tasks[spec.ID]; dup {
			return contracts.NewRunError(contracts.KindPlanInvalid, spec.ID, "duplicate task id")
		}
		r.tasks[spec.ID] = &contracts.TaskRecord{Status: contracts.TaskPending}

		if _, err := x.registry.Resolve(spec.Capability); err != nil {
			if errors.Is(err, registry.ErrCapabilityNotFound) {
				return contracts.WrapRunError(contracts.KindCapabilityMissing, spec.ID, err, "resolve capability")
			}
			return contracts.WrapRunError(contracts.KindPlanInvalid, spec.ID, err, "resolve capability")
		}
		if spec.Retry != nil && spec.Retry.Attempts < 0 {
			return contracts.NewRunError(contracts.KindPlanInvalid, spec.ID, "negative retry attempts")
		}
		for _, assertion := range spec.Verification {
			if _, err := x.guards.Compile(assertion); err != nil {
				return contracts.WrapRunError(contracts.KindPlanInvalid, spec.ID, err, "verification assertion")
			}
		}
	}

	for _, e := range plan.Edges {
		if plan.Task(e.From) == nil {
			return contracts.NewRunError(contracts.KindPlanInvalid, "", "edge from unknown task %q", e.From)
		}
		if plan.Task(e.To) == nil {
			return contracts.NewRunError(contracts.KindPlanInvalid, "", "edge to unknown task %q", e.To)
		}
		if e.From == e.To {
			return contracts.NewRunError(contracts.KindPlanInvalid, e.From, "self edge")
		}
		if e.Guard != "" {
			if _, err := x.guards.Compile(e.Guard); err != nil {
				return contracts.WrapRunError(contracts.KindPlanInvalid, e.To, err, "edge guard")
			}
		}
	}

	if err := acyclic(plan); err != nil {
		return err
	}

	if err := x.registry.CheckPlanVersion(plan.CapabilityMapVersion); err != nil {
		return contracts.WrapRunError(contracts.KindPlanInvalid, "", err, "capability map pin")
	}

	// The plan must have been produced against the context it runs with.
	if plan.ContextRef != "" {
		ref, err := r.cp.Ref()
		if err != nil {
			return contracts.WrapRunError(contracts.KindPlanInvalid, "", err, "context ref")
		}
		if ref != plan.ContextRef {
			return contracts.NewRunError(contracts.KindPlanInvalid, "",
				"plan context ref %s does not match bound context %s", plan.ContextRef, ref)
		}
	}

	if x.policy != nil {
		decision, err := x.policy.Evaluate(ctx, policy.ActionPlanAdmit, map[string]any{
			"plan": map[string]any{
				"id":         plan.ID,
				"task_count": len(plan.Tasks),
				"rationale":  plan.Rationale,
			},
			"context": r.cp.Facts,
		})
		if err != nil {
			return contracts.WrapRunError(contracts.KindPolicyDenied, "", err, "plan admission")
		}
		if _, err := r.ledger.Append(ledger.EventPolicyPre, map[string]any{
			"action": string(policy.ActionPlanAdmit),
			"allow":  decision.Allow,
			"reason": decision.Reason,
		}); err != nil {
			return contracts.WrapRunError(contracts.KindPlanInvalid, "", err, "ledger")
		}
		if !decision.Allow {
			return contracts.NewRunError(contracts.KindPolicyDenied, "", "plan not admitted: %s", decision.Reason)
		}
	}
	return nil
}

// acyclic runs Kahn's algorithm over the plan graph.
func acyclic(plan *contracts.Plan) error {
	indegree := make(map[string]int, len(plan.Tasks))
	for _, t := range plan.Tasks {
		indegree[t.ID] = 0
	}
	for _, e := range plan.Edges {
		indegree[e.To]++
	}

	var queue []string
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, e := range plan.Outgoing(id) {
			indegree[e.To]--
			if indegree[e.To] == 0 {
				queue = append(queue, e.To)
			}
		}
	}
	if visited != len(plan.Tasks) {
		return contracts.NewRunError(contracts.KindPlanInvalid, "", "plan graph has a cycle")
	}
	return nil
}
