package executor

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/acm-runtime/acm/pkg/contracts"
	"github.com/acm-runtime/acm/pkg/ledger"
	"github.com/acm-runtime/acm/pkg/nucleus"
	"github.com/acm-runtime/acm/pkg/policy"
)

// runTask drives one task through the full lifecycle: preflight, policy
// pre-gate, bounded attempts with backoff, output validation, policy
// post-gate, postcheck, and verification. Preflight runs once per task, not
// per attempt. On final failure it records ERROR followed by
// TASK_END{failed} and returns the typed error.
func (x *Executor) runTask(ctx context.Context, r *run, spec contracts.TaskSpec) error {
	record := r.tasks[spec.ID]
	record.Status = contracts.TaskRunning

	taskCtx, span := x.inst.StartTask(ctx, spec.ID, spec.Capability)
	started := x.clock()
	log := x.log.With("run_id", r.id, "task_id", spec.ID, "capability", spec.Capability)

	fail := func(err error) error {
		record.Status = contracts.TaskFailed
		record.Error = err.Error()
		_, _ = r.ledger.Append(ledger.EventError, map[string]any{
			"task_id": spec.ID,
			"kind":    string(contracts.KindOf(err)),
			"message": err.Error(),
		})
		_, _ = r.ledger.Append(ledger.EventTaskEnd, map[string]any{
			"task_id": spec.ID,
			"status":  string(contracts.TaskFailed),
			"attempt": record.Attempt,
		})
		log.Error("task failed", "error", err, "attempt", record.Attempt)
		x.inst.EndTask(taskCtx, span, spec.ID, string(contracts.TaskFailed), x.clock().Sub(started))
		return err
	}

	rc, err := x.newRunContext(r, spec)
	if err != nil {
		record.Attempt = 1
		return fail(err)
	}
	if x.nucleus != nil {
		if err := x.nucleus.RunPreflight(taskCtx, rc.session, spec.Input); err != nil {
			record.Attempt = 1
			return fail(err)
		}
		r.cp = rc.session.Context
	}

	limits, err := x.preGate(taskCtx, r, spec)
	if err != nil {
		record.Attempt = 1
		return fail(err)
	}

	timeout := x.taskTimeout
	attempts := DefaultRetryAttempts
	retry := contracts.RetrySpec{Backoff: contracts.BackoffFixed, BaseMs: DefaultRetryBaseMs}
	if spec.Retry != nil {
		retry = *spec.Retry
		if retry.Attempts > 0 {
			attempts = retry.Attempts
		}
		if retry.BaseMs <= 0 {
			retry.BaseMs = DefaultRetryBaseMs
		}
	}
	if limits != nil {
		if limits.TimeoutMs > 0 {
			timeout = time.Duration(limits.TimeoutMs) * time.Millisecond
		}
		if limits.Retries > 0 && limits.Retries+1 < attempts {
			attempts = limits.Retries + 1
		}
	}

	if err := x.registry.ValidateInput(spec.Capability, spec.Input); err != nil {
		record.Attempt = 1
		return fail(contracts.WrapRunError(contracts.KindPlanInvalid, spec.ID, err, "input"))
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		record.Attempt = attempt
		if _, err := r.ledger.Append(ledger.EventTaskStart, map[string]any{
			"task_id":    spec.ID,
			"capability": spec.Capability,
			"attempt":    attempt,
		}); err != nil {
			return fail(contracts.WrapRunError(contracts.KindPlanInvalid, spec.ID, err, "ledger"))
		}

		output, err := x.attempt(taskCtx, r, spec, rc, timeout)
		if err == nil {
			record.Status = contracts.TaskSucceeded
			record.Output = output
			r.outputs[spec.ID] = output
			if _, err := r.ledger.Append(ledger.EventTaskEnd, map[string]any{
				"task_id": spec.ID,
				"status":  string(contracts.TaskSucceeded),
				"attempt": attempt,
			}); err != nil {
				return fail(contracts.WrapRunError(contracts.KindPlanInvalid, spec.ID, err, "ledger"))
			}
			log.Info("task succeeded", "attempt", attempt)
			x.inst.EndTask(taskCtx, span, spec.ID, string(contracts.TaskSucceeded), x.clock().Sub(started))
			return nil
		}

		lastErr = err
		if !contracts.KindOf(err).Retryable() || attempt == attempts {
			break
		}

		delay := backoffDelay(retry, r.id, spec.ID, attempt)
		record.Status = contracts.TaskRetrying
		if _, err := r.ledger.Append(ledger.EventTaskRetry, map[string]any{
			"task_id":  spec.ID,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    lastErr.Error(),
		}); err != nil {
			return fail(contracts.WrapRunError(contracts.KindPlanInvalid, spec.ID, err, "ledger"))
		}
		x.inst.RecordRetry(taskCtx, spec.ID)
		log.Warn("task retrying", "attempt", attempt, "delay", delay, "error", lastErr)
		if err := x.sleep(ctx, delay); err != nil {
			return fail(contracts.WrapRunError(contracts.KindCancelled, spec.ID, err, "retry wait"))
		}
		record.Status = contracts.TaskRunning
	}
	return fail(lastErr)
}

// preGate evaluates task.pre policy and records the decision for guards.
// A nil policy engine skips the gate.
func (x *Executor) preGate(ctx context.Context, r *run, spec contracts.TaskSpec) (*contracts.PolicyLimits, error) {
	if x.policy == nil {
		return nil, nil
	}
	decision, err := x.policy.Evaluate(ctx, policy.ActionTaskPre, map[string]any{
		"capability": spec.Capability,
		"task_id":    spec.ID,
		"input":      spec.Input,
		"context":    r.cp.Facts,
	})
	if err != nil {
		return nil, contracts.WrapRunError(contracts.KindPolicyDenied, spec.ID, err, "pre-gate")
	}
	r.decisions[spec.ID] = map[string]any{"allow": decision.Allow, "reason": decision.Reason}
	if _, err := r.ledger.Append(ledger.EventPolicyPre, map[string]any{
		"action":  string(policy.ActionTaskPre),
		"task_id": spec.ID,
		"allow":   decision.Allow,
		"reason":  decision.Reason,
	}); err != nil {
		return nil, contracts.WrapRunError(contracts.KindPlanInvalid, spec.ID, err, "ledger")
	}
	if !decision.Allow {
		return nil, contracts.NewRunError(contracts.KindPolicyDenied, spec.ID, "denied: %s", decision.Reason)
	}
	return decision.Limits, nil
}

// attempt executes one try: capability execution under timeout, output
// validation, policy post-gate, postcheck, verification.
func (x *Executor) attempt(ctx context.Context, r *run, spec contracts.TaskSpec, rc *runContext, timeout time.Duration) (map[string]any, error) {
	task, err := x.registry.Resolve(spec.Capability)
	if err != nil {
		return nil, contracts.WrapRunError(contracts.KindCapabilityMissing, spec.ID, err, "resolve")
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := task.Execute(execCtx, rc, spec.Input)
		done <- outcome{out, err}
	}()

	var output map[string]any
	select {
	case o := <-done:
		r.cp = rc.session.Context
		if o.err != nil {
			if kind := contracts.KindOf(o.err); kind != "" {
				return nil, o.err
			}
			return nil, contracts.WrapRunError(contracts.KindTaskError, spec.ID, o.err, "execute")
		}
		output = o.output
	case <-execCtx.Done():
		r.cp = rc.session.Context
		if ctx.Err() != nil {
			return nil, contracts.WrapRunError(contracts.KindCancelled, spec.ID, ctx.Err(), "execute")
		}
		return nil, contracts.NewRunError(contracts.KindTimeout, spec.ID, "timed out after %s", timeout)
	}

	if err := x.registry.ValidateOutput(spec.Capability, output); err != nil {
		return nil, contracts.WrapRunError(contracts.KindVerificationFailed, spec.ID, err, "output")
	}

	if err := x.postGate(ctx, r, spec, output); err != nil {
		return nil, err
	}

	if x.nucleus != nil {
		check, err := x.nucleus.RunPostcheck(ctx, rc.session, output)
		if err != nil {
			return nil, contracts.WrapRunError(contracts.KindTaskError, spec.ID, err, "postcheck")
		}
		switch check.Status {
		case nucleus.PostcheckNeedsCompensation:
			return nil, contracts.NewRunError(contracts.KindVerificationFailed, spec.ID, "postcheck: %s", check.Reason)
		case nucleus.PostcheckEscalate:
			return nil, contracts.NewRunError(contracts.KindEscalated, spec.ID, "escalated: %s", check.Reason)
		}
	}

	if err := x.verify(r, spec, output); err != nil {
		return nil, err
	}
	return output, nil
}

func (x *Executor) postGate(ctx context.Context, r *run, spec contracts.TaskSpec, output map[string]any) error {
	if x.policy == nil {
		return nil
	}
	decision, err := x.policy.Evaluate(ctx, policy.ActionTaskPost, map[string]any{
		"capability": spec.Capability,
		"task_id":    spec.ID,
		"input":      spec.Input,
		"output":     output,
		"context":    r.cp.Facts,
	})
	if err != nil {
		return contracts.WrapRunError(contracts.KindPolicyDenied, spec.ID, err, "post-gate")
	}
	if _, err := r.ledger.Append(ledger.EventPolicyPost, map[string]any{
		"action":  string(policy.ActionTaskPost),
		"task_id": spec.ID,
		"allow":   decision.Allow,
		"reason":  decision.Reason,
	}); err != nil {
		return contracts.WrapRunError(contracts.KindPlanInvalid, spec.ID, err, "ledger")
	}
	if !decision.Allow {
		return contracts.NewRunError(contracts.KindPolicyDenied, spec.ID, "output rejected: %s", decision.Reason)
	}
	return nil
}

// verify evaluates the task's verification assertions against its output.
// Every assertion is recorded; the first false one fails the task.
func (x *Executor) verify(r *run, spec contracts.TaskSpec, output map[string]any) error {
	if len(spec.Verification) == 0 {
		return nil
	}
	env := x.guardEnv(r)
	env["output"] = output
	for _, assertion := range spec.Verification {
		expr, err := x.guards.Compile(assertion)
		if err != nil {
			return contracts.WrapRunError(contracts.KindPlanInvalid, spec.ID, err, "verification")
		}
		passed := expr.Eval(env)
		if _, err := r.ledger.Append(ledger.EventVerification, map[string]any{
			"task_id":   spec.ID,
			"assertion": assertion,
			"passed":    passed,
		}); err != nil {
			return contracts.WrapRunError(contracts.KindPlanInvalid, spec.ID, err, "ledger")
		}
		if !passed {
			return contracts.NewRunError(contracts.KindVerificationFailed, spec.ID,
				"assertion %q failed", assertion)
		}
	}
	return nil
}

// backoffDelay computes the wait before the next attempt. Jitter is a pure
// function of (runID, taskID, attempt) so replays wait identical delays.
func backoffDelay(retry contracts.RetrySpec, runID, taskID string, attempt int) time.Duration {
	base := float64(retry.BaseMs)
	var ms float64
	switch retry.Backoff {
	case contracts.BackoffExponential:
		ms = base * math.Pow(2, float64(attempt-1))
	default:
		ms = base
	}
	if retry.Jitter {
		// Full jitter: uniform over [0, ms).
		ms = ms * jitterFraction(runID, taskID, attempt)
	}
	return time.Duration(ms) * time.Millisecond
}

func jitterFraction(runID, taskID string, attempt int) float64 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", runID, taskID, attempt)))
	n := binary.BigEndian.Uint64(sum[:8])
	return float64(n) / float64(math.MaxUint64)
}
