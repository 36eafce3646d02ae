// Package contracts defines the data model shared by every ACM runtime
// subsystem: goals, context packets, artifacts, plans, task state, policy
// decisions, and the run error taxonomy. Types here are plain values with
// no behavior beyond hashing and copy-on-write helpers; ownership rules are
// enforced by the executor, not by these structs.
package contracts

// Goal is the caller's statement of intent. Immutable once created; the
// planner and the nucleus consume it, the runtime never mutates it.
type Goal struct {
	ID          string         `json:"id"`
	Intent      string         `json:"intent"`
	Constraints map[string]any `json:"constraints,omitempty"`
}
