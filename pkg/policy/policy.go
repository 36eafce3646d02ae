// Package policy defines the policy engine hook consulted at plan admission
// and around each task. Engines are pluggable; the runtime ships a CEL-backed
// engine and an allow-all default. Evaluation on the deny path is fail-closed:
// an engine error is a denial, never a silent allow.
package policy

import (
	"context"

	"github.com/acm-runtime/acm/pkg/contracts"
)

// Action enumerates the policy evaluation points.
type Action string

const (
	ActionPlanAdmit Action = "plan.admit"
	ActionTaskPre   Action = "task.pre"
	ActionTaskPost  Action = "task.post"
)

// Engine evaluates one action against an action-specific payload.
type Engine interface {
	Evaluate(ctx context.Context, action Action, payload map[string]any) (contracts.PolicyDecision, error)
}

// AllowAll is the default engine when no policy is configured.
type AllowAll struct{}

// Evaluate always allows.
func (AllowAll) Evaluate(context.Context, Action, map[string]any) (contracts.PolicyDecision, error) {
	return contracts.PolicyDecision{Allow: true}, nil
}
