// Package executor runs validated plans to completion: deterministic
// topological scheduling with edge guards, per-task policy gates, bounded
// retries, verification, and an append-only run ledger. One Executor is
// reusable across runs; all per-run state lives in the run struct.
package executor

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/acm-runtime/acm/pkg/contracts"
	"github.com/acm-runtime/acm/pkg/guard"
	"github.com/acm-runtime/acm/pkg/ledger"
	"github.com/acm-runtime/acm/pkg/nucleus"
	"github.com/acm-runtime/acm/pkg/observability"
	"github.com/acm-runtime/acm/pkg/policy"
	"github.com/acm-runtime/acm/pkg/registry"
	"github.com/acm-runtime/acm/pkg/retrieval"
	"github.com/acm-runtime/acm/pkg/scope"
)

// Defaults applied when neither the plan nor policy limits say otherwise.
const (
	DefaultTaskTimeout   = 30 * time.Second
	DefaultRetryAttempts = 1
	DefaultRetryBaseMs   = 1000
)

// Run statuses.
const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// SleepFunc waits for d or until ctx is done. Injectable for tests.
type SleepFunc func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Snapshot is the state handed to the checkpoint hook after a task reaches a
// terminal status.
type Snapshot struct {
	RunID        string
	Index        int // count of terminal tasks so far
	Goal         contracts.Goal
	Plan         contracts.Plan
	Context      *contracts.ContextPacket
	Scope        []contracts.Artifact // unpromoted scope artifacts
	Completed    map[string]map[string]any
	LedgerPrefix []ledger.Entry
}

// CheckpointFunc persists a snapshot and returns its checkpoint ID.
type CheckpointFunc func(ctx context.Context, snap Snapshot) (string, error)

// Request describes one run. Completed and LedgerPrefix are set only when
// resuming from a checkpoint.
type Request struct {
	RunID   string // generated when empty
	Goal    contracts.Goal
	Plan    contracts.Plan
	Context *contracts.ContextPacket

	// Resume state: the checkpoint being resumed from, outputs of
	// already-completed tasks, scope artifacts to restore, and the ledger
	// prefix recorded before the checkpoint.
	CheckpointID   string
	Completed      map[string]map[string]any
	SeedArtifacts  []contracts.Artifact
	LedgerPrefix   []ledger.Entry
	CompletedCount int
}

// Result is the outcome of a run. On a fatal error the result still carries
// the partial state for inspection.
type Result struct {
	RunID          string
	Status         string
	Tasks          map[string]*contracts.TaskRecord
	Context        *contracts.ContextPacket
	Ledger         *ledger.Ledger
	Scope          *scope.Scope
	CompletedCount int
}

// Executor schedules and runs plans.
type Executor struct {
	registry *registry.CapabilityRegistry
	policy   policy.Engine
	nucleus  *nucleus.Nucleus
	pipeline *retrieval.Pipeline
	tools    *registry.ToolRegistry
	guards   *guard.Evaluator
	inst     *observability.Instrumentation
	log      *slog.Logger

	clock func() time.Time
	sleep SleepFunc

	taskTimeout        time.Duration
	checkpointInterval int
	checkpoint         CheckpointFunc
	scopeOpts          []scope.Option
}

// Option configures an executor.
type Option func(*Executor)

// WithPolicy installs the policy engine. Without one, plan admission and the
// task pre/post gates are skipped entirely and no POLICY_* entries are
// recorded.
func WithPolicy(e policy.Engine) Option { return func(x *Executor) { x.policy = e } }

// WithNucleus installs the reasoning nucleus used for preflight, postcheck,
// and RunContext.Reason.
func WithNucleus(n *nucleus.Nucleus) Option { return func(x *Executor) { x.nucleus = n } }

// WithPipeline installs the context retrieval pipeline.
func WithPipeline(p *retrieval.Pipeline) Option { return func(x *Executor) { x.pipeline = p } }

// WithTools installs the tool registry exposed to tasks through Reason.
func WithTools(t *registry.ToolRegistry) Option { return func(x *Executor) { x.tools = t } }

// WithLogger overrides the structured logger.
func WithLogger(l *slog.Logger) Option { return func(x *Executor) { x.log = l } }

// WithInstrumentation installs OpenTelemetry instrumentation.
func WithInstrumentation(i *observability.Instrumentation) Option {
	return func(x *Executor) { x.inst = i }
}

// WithClock overrides the clock for deterministic tests.
func WithClock(clock func() time.Time) Option { return func(x *Executor) { x.clock = clock } }

// WithSleeper overrides the retry sleeper for deterministic tests.
func WithSleeper(s SleepFunc) Option { return func(x *Executor) { x.sleep = s } }

// WithTaskTimeout overrides the default per-task timeout.
func WithTaskTimeout(d time.Duration) Option { return func(x *Executor) { x.taskTimeout = d } }

// WithCheckpoint installs the checkpoint hook, invoked after every interval-th
// task reaching a terminal status (succeeded, failed, or skipped).
func WithCheckpoint(interval int, fn CheckpointFunc) Option {
	return func(x *Executor) {
		x.checkpointInterval = interval
		x.checkpoint = fn
	}
}

// WithScopeOptions sets budgets for the run's internal context scope.
func WithScopeOptions(opts ...scope.Option) Option {
	return func(x *Executor) { x.scopeOpts = opts }
}

// New creates an executor over the given capability registry.
func New(reg *registry.CapabilityRegistry, opts ...Option) *Executor {
	x := &Executor{
		registry:    reg,
		guards:      guard.NewEvaluator(),
		log:         slog.Default(),
		clock:       time.Now,
		sleep:       defaultSleep,
		taskTimeout: DefaultTaskTimeout,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// run is the per-run mutable state.
type run struct {
	id        string
	goal      contracts.Goal
	plan      contracts.Plan
	cp        *contracts.ContextPacket
	scope     *scope.Scope
	ledger    *ledger.Ledger
	tasks     map[string]*contracts.TaskRecord
	outputs   map[string]map[string]any
	decisions map[string]map[string]any // taskID -> last pre-decision, for guards
	completed int
}

// Execute runs the plan to completion. The returned error is nil when every
// task either succeeded, was skipped, or failed with a live compensation
// path; any other failure is fatal and typed as a RunError.
func (x *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	r := &run{
		id:        req.RunID,
		goal:      req.Goal,
		plan:      req.Plan,
		cp:        req.Context,
		ledger:    ledger.New().WithClock(x.clock),
		tasks:     make(map[string]*contracts.TaskRecord, len(req.Plan.Tasks)),
		outputs:   make(map[string]map[string]any),
		decisions: make(map[string]map[string]any),
		completed: req.CompletedCount,
	}
	if r.id == "" {
		r.id = uuid.NewString()
	}
	if r.cp == nil {
		r.cp = &contracts.ContextPacket{}
	}
	r.scope = scope.New(x.scopeOpts...)

	result := func(status string) *Result {
		return &Result{
			RunID:          r.id,
			Status:         status,
			Tasks:          r.tasks,
			Context:        r.cp,
			Ledger:         r.ledger,
			Scope:          r.scope,
			CompletedCount: r.completed,
		}
	}

	ctx, span := x.inst.StartRun(ctx, r.id, r.plan.ID)
	log := x.log.With("run_id", r.id, "plan_id", r.plan.ID)

	fatal := func(err error) (*Result, error) {
		_, _ = r.ledger.Append(ledger.EventError, map[string]any{
			"kind":    string(contracts.KindOf(err)),
			"message": err.Error(),
		})
		log.Error("run failed", "error", err)
		x.inst.EndRun(ctx, span, RunFailed)
		return result(RunFailed), err
	}

	if err := x.validate(ctx, r); err != nil {
		return fatal(err)
	}

	if err := x.seed(r, req); err != nil {
		return fatal(err)
	}

	if len(req.LedgerPrefix) == 0 {
		planHash, err := r.plan.Hash()
		if err != nil {
			return fatal(contracts.WrapRunError(contracts.KindPlanInvalid, "", err, "hash plan"))
		}
		if _, err := r.ledger.Append(ledger.EventPlanSelected, map[string]any{
			"plan_id":     r.plan.ID,
			"plan_hash":   planHash,
			"goal_id":     r.goal.ID,
			"context_ref": r.plan.ContextRef,
			"task_count":  len(r.plan.Tasks),
		}); err != nil {
			return fatal(contracts.WrapRunError(contracts.KindPlanInvalid, "", err, "ledger"))
		}
	}

	log.Info("run started", "tasks", len(r.plan.Tasks))

	for {
		if err := ctx.Err(); err != nil {
			return fatal(contracts.WrapRunError(contracts.KindCancelled, "", err, "run cancelled"))
		}
		next := x.nextReady(r)
		if next == nil {
			break
		}
		spec := *next

		admitted, err := x.admit(r, spec.ID)
		if err != nil {
			return fatal(err)
		}
		if !admitted {
			r.tasks[spec.ID].Status = contracts.TaskSkipped
			if _, err := r.ledger.Append(ledger.EventTaskEnd, map[string]any{
				"task_id": spec.ID,
				"status":  string(contracts.TaskSkipped),
			}); err != nil {
				return fatal(contracts.WrapRunError(contracts.KindPlanInvalid, spec.ID, err, "ledger"))
			}
			log.Info("task skipped", "task_id", spec.ID)
			if err := x.advance(ctx, r); err != nil {
				return fatal(err)
			}
			continue
		}

		if err := x.runTask(ctx, r, spec); err != nil {
			// Escalations terminate the run outright; compensation edges do
			// not apply to them.
			if contracts.KindOf(err) == contracts.KindEscalated || !x.compensated(r, spec.ID) {
				return fatal(err)
			}
			log.Warn("task failed, compensation path live", "task_id", spec.ID, "error", err)
			if err := x.advance(ctx, r); err != nil {
				return fatal(err)
			}
			continue
		}

		if err := x.advance(ctx, r); err != nil {
			return fatal(err)
		}
	}

	log.Info("run finished", "completed", r.completed)
	x.inst.EndRun(ctx, span, RunSucceeded)
	return result(RunSucceeded), nil
}

// seed restores resume state: completed tasks are marked succeeded without
// re-execution, the ledger continues from the recorded prefix, and restored
// scope artifacts are re-appended.
func (x *Executor) seed(r *run, req Request) error {
	if len(req.LedgerPrefix) > 0 {
		if err := r.ledger.Seed(req.LedgerPrefix); err != nil {
			return contracts.WrapRunError(contracts.KindPlanInvalid, "", err, "resume")
		}
	}
	for _, a := range req.SeedArtifacts {
		if _, err := r.scope.Append(a); err != nil {
			return contracts.WrapRunError(contracts.KindPlanInvalid, "", err, "resume scope")
		}
	}
	if len(req.Completed) == 0 {
		return nil
	}
	ids := make([]string, 0, len(req.Completed))
	for id := range req.Completed {
		if r.plan.Task(id) == nil {
			return contracts.NewRunError(contracts.KindPlanInvalid, id, "resume: completed task not in plan")
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out := req.Completed[id]
		r.tasks[id] = &contracts.TaskRecord{Status: contracts.TaskSucceeded, Output: out}
		r.outputs[id] = out
		if _, err := r.ledger.Append(ledger.EventTaskResumed, map[string]any{
			"task_id":       id,
			"checkpoint_id": req.CheckpointID,
		}); err != nil {
			return contracts.WrapRunError(contracts.KindPlanInvalid, id, err, "ledger")
		}
	}
	return nil
}

// nextReady returns the pending task whose upstream tasks are all terminal,
// lowest task ID first. Nil when nothing is runnable.
func (x *Executor) nextReady(r *run) *contracts.TaskSpec {
	var candidates []string
	for _, spec := range r.plan.Tasks {
		if r.tasks[spec.ID].Status != contracts.TaskPending {
			continue
		}
		ready := true
		for _, e := range r.plan.Incoming(spec.ID) {
			if !r.tasks[e.From].Status.Terminal() {
				ready = false
				break
			}
		}
		if ready {
			candidates = append(candidates, spec.ID)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Strings(candidates)
	return r.plan.Task(candidates[0])
}

// admit evaluates every incoming edge of the task and records a GUARD_EVAL
// per edge. One admitting edge is enough; the task is skipped only when every
// incoming edge refuses. An unguarded edge admits unless its source failed; a
// guarded edge admits iff the guard is true, regardless of source status
// (this is the compensation path). A task with no incoming edges admits.
func (x *Executor) admit(r *run, taskID string) (bool, error) {
	edges := r.plan.Incoming(taskID)
	admitted := len(edges) == 0
	for _, e := range edges {
		var value bool
		if e.Guard == "" {
			value = r.tasks[e.From].Status != contracts.TaskFailed
		} else {
			expr, err := x.guards.Compile(e.Guard)
			if err != nil {
				return false, contracts.WrapRunError(contracts.KindPlanInvalid, taskID, err, "guard")
			}
			value = expr.Eval(x.guardEnv(r))
		}
		if _, err := r.ledger.Append(ledger.EventGuardEval, map[string]any{
			"from":  e.From,
			"to":    e.To,
			"guard": e.Guard,
			"value": value,
		}); err != nil {
			return false, contracts.WrapRunError(contracts.KindPlanInvalid, taskID, err, "ledger")
		}
		if value {
			admitted = true
		}
	}
	return admitted, nil
}

// compensated reports whether a failed task has at least one outgoing guarded
// edge whose guard currently evaluates true. Without one the failure is
// fatal to the run.
func (x *Executor) compensated(r *run, taskID string) bool {
	env := x.guardEnv(r)
	for _, e := range r.plan.Outgoing(taskID) {
		if e.Guard == "" {
			continue
		}
		expr, err := x.guards.Compile(e.Guard)
		if err != nil {
			continue
		}
		if expr.Eval(env) {
			return true
		}
	}
	return false
}

// guardEnv builds the evaluation environment shared by guards and
// verification assertions: context facts, succeeded task outputs, and
// recorded policy decisions.
func (x *Executor) guardEnv(r *run) map[string]any {
	return map[string]any{
		"context": r.cp.Facts,
		"outputs": anyMap(r.outputs),
		"policy":  anyMap(r.decisions),
	}
}

func anyMap[V any](in map[string]V) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// advance counts a task that just reached a terminal status and writes an
// interval checkpoint when due.
func (x *Executor) advance(ctx context.Context, r *run) error {
	r.completed++
	if x.checkpoint != nil && x.checkpointInterval > 0 && r.completed%x.checkpointInterval == 0 {
		return x.writeCheckpoint(ctx, r)
	}
	return nil
}

func (x *Executor) writeCheckpoint(ctx context.Context, r *run) error {
	snap := Snapshot{
		RunID:        r.id,
		Index:        r.completed,
		Goal:         r.goal,
		Plan:         r.plan,
		Context:      r.cp,
		Scope:        r.scope.Unpromoted(r.cp),
		Completed:    make(map[string]map[string]any, len(r.outputs)),
		LedgerPrefix: r.ledger.Entries(),
	}
	for id, out := range r.outputs {
		snap.Completed[id] = out
	}
	id, err := x.checkpoint(ctx, snap)
	if err != nil {
		return contracts.WrapRunError(contracts.KindTaskError, "", err, "checkpoint")
	}
	if _, err := r.ledger.Append(ledger.EventCheckpointWritten, map[string]any{
		"checkpoint_id": id,
		"index":         snap.Index,
	}); err != nil {
		return contracts.WrapRunError(contracts.KindPlanInvalid, "", err, "ledger")
	}
	return nil
}
