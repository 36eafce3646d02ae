// Package scope provides the per-task internal context scope: an
// append-only, content-addressed artifact store with size budgets.
// A scope lives for one task (or one planner call); artifacts survive
// the task boundary only by promotion into the context packet.
package scope

import (
	"errors"
	"fmt"
	"sync"

	"github.com/acm-runtime/acm/pkg/contracts"
)

// Budget errors. Callers decide whether exceeding a budget is fatal or
// simply truncates a retrieval batch.
var (
	ErrTooManyArtifacts = errors.New("scope: artifact count budget exceeded")
	ErrTooManyBytes     = errors.New("scope: byte budget exceeded")
)

// AppendObserver is notified after each accepted append. Used by the
// executor to mirror scope appends into the run ledger.
type AppendObserver func(contracts.Artifact)

// Scope is the mutable per-task artifact store. Append-only within a task;
// sizeBytes only grows.
type Scope struct {
	mu           sync.RWMutex
	artifacts    map[string]contracts.Artifact
	order        []string
	sizeBytes    int64
	maxArtifacts int
	maxBytes     int64
	observer     AppendObserver
}

// Option configures a scope at construction.
type Option func(*Scope)

// WithMaxArtifacts caps the number of distinct artifacts. Zero means no cap.
func WithMaxArtifacts(n int) Option {
	return func(s *Scope) { s.maxArtifacts = n }
}

// WithMaxBytes caps the cumulative artifact size. Zero means no cap.
func WithMaxBytes(n int64) Option {
	return func(s *Scope) { s.maxBytes = n }
}

// WithObserver registers the append mirror.
func WithObserver(obs AppendObserver) Option {
	return func(s *Scope) { s.observer = obs }
}

// New creates an empty scope.
func New(opts ...Option) *Scope {
	s := &Scope{artifacts: make(map[string]contracts.Artifact)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append adds an artifact. Appending an artifact whose ID is already present
// is a no-op (idempotent) and reports added=false. Budget violations reject
// the append and leave the scope unchanged.
func (s *Scope) Append(a contracts.Artifact) (added bool, err error) {
	if a.ID == "" {
		return false, fmt.Errorf("scope: artifact of type %q has no id", a.Type)
	}

	s.mu.Lock()
	if _, exists := s.artifacts[a.ID]; exists {
		s.mu.Unlock()
		return false, nil
	}
	if s.maxArtifacts > 0 && len(s.order) >= s.maxArtifacts {
		s.mu.Unlock()
		return false, ErrTooManyArtifacts
	}
	if s.maxBytes > 0 && s.sizeBytes+a.SizeBytes > s.maxBytes {
		s.mu.Unlock()
		return false, ErrTooManyBytes
	}
	s.artifacts[a.ID] = a
	s.order = append(s.order, a.ID)
	s.sizeBytes += a.SizeBytes
	obs := s.observer
	s.mu.Unlock()

	if obs != nil {
		obs(a)
	}
	return true, nil
}

// Get returns the artifact with the given ID.
func (s *Scope) Get(id string) (contracts.Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	return a, ok
}

// Artifacts returns all artifacts in append order.
func (s *Scope) Artifacts() []contracts.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.Artifact, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.artifacts[id])
	}
	return out
}

// Len returns the number of distinct artifacts.
func (s *Scope) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// SizeBytes returns the cumulative size of all artifacts.
func (s *Scope) SizeBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sizeBytes
}

// Unpromoted returns artifacts not yet promoted into cp, in append order.
// This is the checkpoint snapshot: promoted artifacts are already carried by
// the context packet and would be redundant.
func (s *Scope) Unpromoted(cp *contracts.ContextPacket) []contracts.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.Artifact
	for _, id := range s.order {
		if cp == nil || !cp.HasAugmentation(id) {
			out = append(out, s.artifacts[id])
		}
	}
	return out
}
