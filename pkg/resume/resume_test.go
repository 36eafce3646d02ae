package resume

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acm-runtime/acm/pkg/checkpoint"
	"github.com/acm-runtime/acm/pkg/contracts"
	"github.com/acm-runtime/acm/pkg/executor"
	"github.com/acm-runtime/acm/pkg/ledger"
	"github.com/acm-runtime/acm/pkg/registry"
)

// countingRegistry registers an echo capability that counts executions.
func countingRegistry(t *testing.T, calls *map[string]int) *registry.CapabilityRegistry {
	t.Helper()
	reg, err := registry.NewCapabilityRegistry("1.0.0")
	require.NoError(t, err)
	require.NoError(t, reg.Register(registry.Capability{Name: "echo"},
		registry.TaskFunc(func(_ context.Context, run registry.RunContext, input map[string]any) (map[string]any, error) {
			(*calls)[run.TaskID()]++
			return input, nil
		})))
	return reg
}

func linearPlan() contracts.Plan {
	return contracts.Plan{
		ID: "p1",
		Tasks: []contracts.TaskSpec{
			{ID: "t1", Capability: "echo", Input: map[string]any{"n": 1}},
			{ID: "t2", Capability: "echo", Input: map[string]any{"n": 2}},
			{ID: "t3", Capability: "echo", Input: map[string]any{"n": 3}},
		},
		Edges: []contracts.Edge{{From: "t1", To: "t2"}, {From: "t2", To: "t3"}},
	}
}

func TestRunner_CheckpointsEveryInterval(t *testing.T) {
	store := checkpoint.NewInMemoryStore()
	calls := map[string]int{}
	runner, err := NewRunner(store, 1, countingRegistry(t, &calls), nil)
	require.NoError(t, err)

	res, err := runner.Run(context.Background(), executor.Request{
		RunID: "run-1",
		Goal:  contracts.Goal{ID: "g1"},
		Plan:  linearPlan(),
	})
	require.NoError(t, err)
	assert.Equal(t, executor.RunSucceeded, res.Status)

	ids, err := store.List(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"chk-1", "chk-2", "chk-3"}, ids)

	latest, err := store.Latest(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Index)
	assert.Len(t, latest.Completed, 3)
	require.NoError(t, Replayable(latest))
}

func TestRunner_ResumeSkipsCompletedTasks(t *testing.T) {
	store := checkpoint.NewInMemoryStore()
	firstCalls := map[string]int{}
	first, err := NewRunner(store, 1, countingRegistry(t, &firstCalls), nil)
	require.NoError(t, err)
	_, err = first.Run(context.Background(), executor.Request{RunID: "run-1", Plan: linearPlan()})
	require.NoError(t, err)

	// Resume from chk-2: only t3 should execute.
	resumeCalls := map[string]int{}
	second, err := NewRunner(store, 1, countingRegistry(t, &resumeCalls), nil)
	require.NoError(t, err)
	res, err := second.Resume(context.Background(), "run-1", "chk-2")
	require.NoError(t, err)

	assert.Equal(t, executor.RunSucceeded, res.Status)
	assert.Equal(t, map[string]int{"t3": 1}, resumeCalls)
	assert.Equal(t, contracts.TaskSucceeded, res.Tasks["t1"].Status)
	assert.Equal(t, contracts.TaskSucceeded, res.Tasks["t2"].Status)

	// The resumed ledger extends the original prefix, names the checkpoint
	// it resumed from, and stays verifiable.
	require.NoError(t, res.Ledger.Verify())
	resumed := 0
	for _, e := range res.Ledger.Entries() {
		if e.Type == ledger.EventTaskResumed {
			resumed++
			assert.Equal(t, "chk-2", e.Details["checkpoint_id"])
		}
	}
	assert.Equal(t, 2, resumed)
}

func TestRunner_ResumeLatestByDefault(t *testing.T) {
	store := checkpoint.NewInMemoryStore()
	calls := map[string]int{}
	runner, err := NewRunner(store, 1, countingRegistry(t, &calls), nil)
	require.NoError(t, err)
	_, err = runner.Run(context.Background(), executor.Request{RunID: "run-1", Plan: linearPlan()})
	require.NoError(t, err)

	resumeCalls := map[string]int{}
	second, err := NewRunner(store, 1, countingRegistry(t, &resumeCalls), nil)
	require.NoError(t, err)
	res, err := second.Resume(context.Background(), "run-1", "")
	require.NoError(t, err)
	assert.Empty(t, resumeCalls, "latest checkpoint has every task completed")
	assert.Equal(t, executor.RunSucceeded, res.Status)
}

func TestRunner_ResumeUnknownRun(t *testing.T) {
	runner, err := NewRunner(checkpoint.NewInMemoryStore(), 1, countingRegistry(t, &map[string]int{}), nil)
	require.NoError(t, err)
	_, err = runner.Resume(context.Background(), "ghost", "")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestRunner_ResumeRejectsTamperedPlan(t *testing.T) {
	store := checkpoint.NewInMemoryStore()
	calls := map[string]int{}
	runner, err := NewRunner(store, 1, countingRegistry(t, &calls), nil)
	require.NoError(t, err)
	_, err = runner.Run(context.Background(), executor.Request{RunID: "run-1", Plan: linearPlan()})
	require.NoError(t, err)

	cp, err := store.Load(context.Background(), "run-1", "chk-1")
	require.NoError(t, err)
	cp.Plan.Tasks[0].Input = map[string]any{"n": 999}
	require.NoError(t, store.Save(context.Background(), cp))

	_, err = runner.Resume(context.Background(), "run-1", "chk-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "diverges")
}

func TestNewRunner_Validation(t *testing.T) {
	_, err := NewRunner(nil, 1, nil, nil)
	assert.Error(t, err)
	_, err = NewRunner(checkpoint.NewInMemoryStore(), 0, nil, nil)
	assert.Error(t, err)
}

func TestDiffLedgers(t *testing.T) {
	l := ledger.New()
	_, err := l.Append(ledger.EventPlanSelected, map[string]any{"plan_id": "p1"})
	require.NoError(t, err)
	_, err = l.Append(ledger.EventTaskStart, map[string]any{"task_id": "t1"})
	require.NoError(t, err)
	a := l.Entries()

	// Prefix relationship: no divergence.
	assert.Equal(t, -1, DiffLedgers(a, a[:1]))
	assert.Equal(t, -1, DiffLedgers(a[:1], a))
	assert.Equal(t, -1, DiffLedgers(a, a))

	// A mutated entry diverges at its index.
	b := make([]ledger.Entry, len(a))
	copy(b, a)
	b[1].ContentHash = "tampered"
	assert.Equal(t, 1, DiffLedgers(a, b))
}

func TestReplayable(t *testing.T) {
	cp := &checkpoint.Checkpoint{
		RunID:     "r",
		ID:        "chk-1",
		Plan:      linearPlan(),
		Context:   &contracts.ContextPacket{},
		Completed: map[string]map[string]any{"t1": {}},
	}
	assert.NoError(t, Replayable(cp))

	cp.Completed["ghost"] = map[string]any{}
	assert.Error(t, Replayable(cp))

	delete(cp.Completed, "ghost")
	cp.Context = nil
	assert.Error(t, Replayable(cp))
}

func TestRunner_RunGeneratesRunID(t *testing.T) {
	store := checkpoint.NewInMemoryStore()
	calls := map[string]int{}
	runner, err := NewRunner(store, 1, countingRegistry(t, &calls), nil)
	require.NoError(t, err)
	res, err := runner.Run(context.Background(), executor.Request{Plan: linearPlan()})
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)

	_, err = store.Latest(context.Background(), res.RunID)
	assert.NoError(t, err)
}

func TestRunner_StoreFailureIsFatal(t *testing.T) {
	calls := map[string]int{}
	runner, err := NewRunner(failingStore{}, 1, countingRegistry(t, &calls), nil)
	require.NoError(t, err)
	_, err = runner.Run(context.Background(), executor.Request{Plan: linearPlan()})
	require.Error(t, err)
	assert.Equal(t, contracts.KindTaskError, contracts.KindOf(err))
}

type failingStore struct{}

func (failingStore) Save(context.Context, *checkpoint.Checkpoint) error {
	return errors.New("disk full")
}
func (failingStore) Load(context.Context, string, string) (*checkpoint.Checkpoint, error) {
	return nil, checkpoint.ErrNotFound
}
func (failingStore) Latest(context.Context, string) (*checkpoint.Checkpoint, error) {
	return nil, checkpoint.ErrNotFound
}
func (failingStore) List(context.Context, string) ([]string, error) { return nil, nil }
