// Package resume couples the executor with a checkpoint store: runs write
// periodic snapshots, and interrupted runs restart from the last snapshot
// without re-executing completed tasks. An optional Redis lease guarantees a
// run is resumed by at most one runner at a time.
package resume

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acm-runtime/acm/pkg/checkpoint"
	"github.com/acm-runtime/acm/pkg/executor"
	"github.com/acm-runtime/acm/pkg/ledger"
	"github.com/acm-runtime/acm/pkg/registry"
)

// Runner executes plans with checkpointing and resume.
type Runner struct {
	store    checkpoint.Store
	interval int
	lease    *checkpoint.Lease
	holder   string
	registry *registry.CapabilityRegistry
	opts     []executor.Option
	clock    func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLease guards runs with a distributed lease.
func WithLease(l *checkpoint.Lease) RunnerOption {
	return func(r *Runner) { r.lease = l }
}

// WithRunnerClock overrides the checkpoint timestamp clock.
func WithRunnerClock(clock func() time.Time) RunnerOption {
	return func(r *Runner) { r.clock = clock }
}

// NewRunner creates a runner that checkpoints every interval completed tasks.
// The executor options are applied to every run.
func NewRunner(store checkpoint.Store, interval int, reg *registry.CapabilityRegistry, execOpts []executor.Option, opts ...RunnerOption) (*Runner, error) {
	if store == nil {
		return nil, fmt.Errorf("resume: store is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("resume: interval must be positive, got %d", interval)
	}
	r := &Runner{
		store:    store,
		interval: interval,
		registry: reg,
		opts:     execOpts,
		holder:   uuid.NewString(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run executes the request with checkpointing enabled.
func (r *Runner) Run(ctx context.Context, req executor.Request) (*executor.Result, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if r.lease != nil {
		if err := r.lease.Acquire(ctx, req.RunID, r.holder); err != nil {
			return nil, err
		}
		defer func() { _ = r.lease.Release(context.WithoutCancel(ctx), req.RunID, r.holder) }()
	}

	save := func(ctx context.Context, snap executor.Snapshot) (string, error) {
		cp := &checkpoint.Checkpoint{
			RunID:          snap.RunID,
			ID:             checkpoint.IDForIndex(snap.Index),
			Index:          snap.Index,
			CreatedAt:      r.clock(),
			Goal:           snap.Goal,
			Plan:           snap.Plan,
			Context:        snap.Context,
			ScopeArtifacts: snap.Scope,
			Completed:      snap.Completed,
			LedgerPrefix:   snap.LedgerPrefix,
		}
		if err := r.store.Save(ctx, cp); err != nil {
			return "", err
		}
		return cp.ID, nil
	}

	opts := append(append([]executor.Option{}, r.opts...), executor.WithCheckpoint(r.interval, save))
	return executor.New(r.registry, opts...).Execute(ctx, req)
}

// Resume restarts a run from the named checkpoint, or from the latest one
// when checkpointID is empty. The checkpoint's plan is verified against the
// PLAN_SELECTED entry in its own ledger prefix before anything executes.
func (r *Runner) Resume(ctx context.Context, runID, checkpointID string) (*executor.Result, error) {
	var cp *checkpoint.Checkpoint
	var err error
	if checkpointID == "" {
		cp, err = r.store.Latest(ctx, runID)
	} else {
		cp, err = r.store.Load(ctx, runID, checkpointID)
	}
	if err != nil {
		return nil, err
	}
	if cp.RunID != runID {
		return nil, fmt.Errorf("resume: checkpoint %s belongs to run %s, not %s", cp.ID, cp.RunID, runID)
	}
	if err := verifyPlan(cp); err != nil {
		return nil, err
	}

	return r.Run(ctx, executor.Request{
		RunID:          runID,
		Goal:           cp.Goal,
		Plan:           cp.Plan,
		Context:        cp.Context,
		CheckpointID:   cp.ID,
		Completed:      cp.Completed,
		SeedArtifacts:  cp.ScopeArtifacts,
		LedgerPrefix:   cp.LedgerPrefix,
		CompletedCount: cp.Index,
	})
}

// verifyPlan recomputes the plan hash and compares it to the PLAN_SELECTED
// entry in the checkpoint's ledger prefix. A mismatch means the checkpoint
// was assembled from state that never ran together.
func verifyPlan(cp *checkpoint.Checkpoint) error {
	hash, err := cp.Plan.Hash()
	if err != nil {
		return fmt.Errorf("resume: hash plan: %w", err)
	}
	for _, e := range cp.LedgerPrefix {
		if e.Type != ledger.EventPlanSelected {
			continue
		}
		recorded, _ := e.Details["plan_hash"].(string)
		if recorded != hash {
			return fmt.Errorf("resume: checkpoint %s plan hash %s diverges from recorded %s", cp.ID, hash, recorded)
		}
		return nil
	}
	return fmt.Errorf("resume: checkpoint %s ledger prefix has no plan selection", cp.ID)
}

// DiffLedgers returns the index of the first entry where the two ledgers
// diverge, comparing content hashes. It returns -1 when one ledger is a
// prefix of the other (no divergence).
func DiffLedgers(a, b []ledger.Entry) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i].ContentHash != b[i].ContentHash {
			return i
		}
	}
	return -1
}

// Replayable reports whether a run can continue from the checkpoint: every
// completed task must exist in the plan and the context packet must be
// present.
func Replayable(cp *checkpoint.Checkpoint) error {
	if cp.Context == nil {
		return fmt.Errorf("resume: checkpoint %s has no context packet", cp.ID)
	}
	for taskID := range cp.Completed {
		if cp.Plan.Task(taskID) == nil {
			return fmt.Errorf("resume: checkpoint %s completed task %s missing from plan", cp.ID, taskID)
		}
	}
	return nil
}
