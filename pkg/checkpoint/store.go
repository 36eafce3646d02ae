package checkpoint

import (
	"context"
	"sort"
	"sync"
)

// Store persists and retrieves checkpoints. Save overwrites an existing
// checkpoint with the same (run, id) pair.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, runID, checkpointID string) (*Checkpoint, error)
	// Latest returns the checkpoint with the highest index for the run.
	Latest(ctx context.Context, runID string) (*Checkpoint, error)
	// List returns the run's checkpoint IDs ordered by index.
	List(ctx context.Context, runID string) ([]string, error)
}

// InMemoryStore is a Store for tests and ephemeral runs.
type InMemoryStore struct {
	mu   sync.RWMutex
	runs map[string]map[string]*Checkpoint
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{runs: make(map[string]map[string]*Checkpoint)}
}

// Save implements Store.
func (s *InMemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[cp.RunID]
	if !ok {
		run = make(map[string]*Checkpoint)
		s.runs[cp.RunID] = run
	}
	clone := *cp
	run[cp.ID] = &clone
	return nil
}

// Load implements Store.
func (s *InMemoryStore) Load(_ context.Context, runID, checkpointID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cp, ok := s.runs[runID][checkpointID]; ok {
		clone := *cp
		return &clone, nil
	}
	return nil, ErrNotFound
}

// Latest implements Store.
func (s *InMemoryStore) Latest(_ context.Context, runID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Checkpoint
	for _, cp := range s.runs[runID] {
		if latest == nil || cp.Index > latest.Index {
			latest = cp
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	clone := *latest
	return &clone, nil
}

// List implements Store.
func (s *InMemoryStore) List(_ context.Context, runID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run := s.runs[runID]
	cps := make([]*Checkpoint, 0, len(run))
	for _, cp := range run {
		cps = append(cps, cp)
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].Index < cps[j].Index })
	ids := make([]string, len(cps))
	for i, cp := range cps {
		ids[i] = cp.ID
	}
	return ids, nil
}
