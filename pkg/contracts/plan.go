package contracts

import "github.com/acm-runtime/acm/pkg/canonicalize"

// Plan is a directed acyclic graph of tasks with optional edge guards.
// Produced by the planner, validated and executed by the runtime.
type Plan struct {
	ID                   string     `json:"id"`
	ContextRef           string     `json:"context_ref"`
	CapabilityMapVersion string     `json:"capability_map_version,omitempty"`
	Tasks                []TaskSpec `json:"tasks"`
	Edges                []Edge     `json:"edges,omitempty"`
	Rationale            string     `json:"rationale,omitempty"`
}

// Edge defines a partial-order constraint between two tasks. Guard is a pure
// boolean expression over {context, outputs, policy}; empty means
// unconditional.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Guard string `json:"guard,omitempty"`
}

// BackoffKind selects the retry delay schedule.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exp"
)

// RetrySpec bounds per-task retry behavior. Attempts counts total executions,
// so Attempts=1 means no retries.
type RetrySpec struct {
	Attempts int         `json:"attempts"`
	Backoff  BackoffKind `json:"backoff,omitempty"`
	BaseMs   int64       `json:"base_ms,omitempty"`
	Jitter   bool        `json:"jitter,omitempty"`
}

// TaskSpec is a single node of the plan, bound to a named capability.
type TaskSpec struct {
	ID           string         `json:"id"`
	Capability   string         `json:"capability"`
	Input        map[string]any `json:"input,omitempty"`
	Retry        *RetrySpec     `json:"retry,omitempty"`
	Verification []string       `json:"verification,omitempty"`
	Tools        []string       `json:"tools,omitempty"`
}

// Task returns the spec for id, or nil if the plan does not contain it.
func (p *Plan) Task(id string) *TaskSpec {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// Incoming returns the edges pointing at task id, in declaration order.
func (p *Plan) Incoming(id string) []Edge {
	var edges []Edge
	for _, e := range p.Edges {
		if e.To == id {
			edges = append(edges, e)
		}
	}
	return edges
}

// Outgoing returns the edges leaving task id, in declaration order.
func (p *Plan) Outgoing(id string) []Edge {
	var edges []Edge
	for _, e := range p.Edges {
		if e.From == id {
			edges = append(edges, e)
		}
	}
	return edges
}

func hashCanonical(v any) (string, error) {
	return canonicalize.CanonicalHash(v)
}

// Hash returns the content address of the plan.
func (p *Plan) Hash() (string, error) {
	return hashCanonical(p)
}
