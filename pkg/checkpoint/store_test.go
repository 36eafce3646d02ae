package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acm-runtime/acm/pkg/contracts"
)

func sample(runID string, index int) *Checkpoint {
	return &Checkpoint{
		RunID:     runID,
		ID:        IDForIndex(index),
		Index:     index,
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Goal:      contracts.Goal{ID: "g1", Intent: "test"},
		Plan: contracts.Plan{
			ID:    "p1",
			Tasks: []contracts.TaskSpec{{ID: "t1", Capability: "echo"}},
		},
		Context:   &contracts.ContextPacket{Facts: map[string]any{"k": "v"}},
		Completed: map[string]map[string]any{"t1": {"ok": true}},
	}
}

// storeSuite exercises the Store contract against any implementation.
func storeSuite(t *testing.T, store Store) {
	ctx := context.Background()

	_, err := store.Load(ctx, "run-1", "chk-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Latest(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Save(ctx, sample("run-1", 1)))
	require.NoError(t, store.Save(ctx, sample("run-1", 2)))
	require.NoError(t, store.Save(ctx, sample("run-2", 1)))

	got, err := store.Load(ctx, "run-1", "chk-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Index)
	assert.Equal(t, "g1", got.Goal.ID)
	assert.Equal(t, "v", got.Context.Facts["k"])
	assert.Equal(t, map[string]any{"ok": true}, got.Completed["t1"])

	latest, err := store.Latest(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "chk-2", latest.ID)

	ids, err := store.List(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"chk-1", "chk-2"}, ids)

	// Save is an upsert.
	updated := sample("run-1", 2)
	updated.Completed["t2"] = map[string]any{"ok": true}
	require.NoError(t, store.Save(ctx, updated))
	got, err = store.Load(ctx, "run-1", "chk-2")
	require.NoError(t, err)
	assert.Len(t, got.Completed, 2)

	// Runs are isolated.
	ids, err = store.List(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"chk-1"}, ids)
}

func TestInMemoryStore(t *testing.T) {
	storeSuite(t, NewInMemoryStore())
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	storeSuite(t, store)
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()
	storeSuite(t, store)
}

func TestCheckpointValidate(t *testing.T) {
	assert.Error(t, (&Checkpoint{ID: "chk-1"}).Validate())
	assert.Error(t, (&Checkpoint{RunID: "r"}).Validate())
	assert.Error(t, (&Checkpoint{RunID: "r", ID: "chk-1", Index: -1}).Validate())
	assert.NoError(t, (&Checkpoint{RunID: "r", ID: "chk-0"}).Validate())
}

func TestIDForIndex(t *testing.T) {
	assert.Equal(t, "chk-7", IDForIndex(7))
}
