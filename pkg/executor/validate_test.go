package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acm-runtime/acm/pkg/contracts"
	"github.com/acm-runtime/acm/pkg/ledger"
	"github.com/acm-runtime/acm/pkg/policy"
)

func executeInvalid(t *testing.T, plan contracts.Plan, cp *contracts.ContextPacket) error {
	t.Helper()
	x := New(testRegistry(t, nil))
	_, err := x.Execute(context.Background(), Request{Plan: plan, Context: cp})
	require.Error(t, err)
	return err
}

func TestExecute_EmptyPlanSucceeds(t *testing.T) {
	x := New(testRegistry(t, nil))
	res, err := x.Execute(context.Background(), Request{Plan: contracts.Plan{ID: "p1"}})
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, res.Status)
	assert.Empty(t, res.Tasks)
	assert.Equal(t, 0, res.CompletedCount)

	// No tasks means the ledger records the plan selection and nothing else.
	entries := res.Ledger.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.EventPlanSelected, entries[0].Type)
}

func TestValidate_RejectsMissingPlanID(t *testing.T) {
	err := executeInvalid(t, contracts.Plan{
		Tasks: []contracts.TaskSpec{{ID: "t1", Capability: "echo"}},
	}, nil)
	assert.Equal(t, contracts.KindPlanInvalid, contracts.KindOf(err))
}

func TestValidate_RejectsDuplicateTaskIDs(t *testing.T) {
	err := executeInvalid(t, contracts.Plan{
		ID: "p1",
		Tasks: []contracts.TaskSpec{
			{ID: "t1", Capability: "echo"},
			{ID: "t1", Capability: "echo"},
		},
	}, nil)
	assert.Equal(t, contracts.KindPlanInvalid, contracts.KindOf(err))
}

func TestValidate_RejectsUnknownCapability(t *testing.T) {
	err := executeInvalid(t, contracts.Plan{
		ID:    "p1",
		Tasks: []contracts.TaskSpec{{ID: "t1", Capability: "nonexistent"}},
	}, nil)
	assert.Equal(t, contracts.KindCapabilityMissing, contracts.KindOf(err))
}

func TestValidate_RejectsDanglingEdge(t *testing.T) {
	err := executeInvalid(t, contracts.Plan{
		ID:    "p1",
		Tasks: []contracts.TaskSpec{{ID: "t1", Capability: "echo"}},
		Edges: []contracts.Edge{{From: "t1", To: "ghost"}},
	}, nil)
	assert.Equal(t, contracts.KindPlanInvalid, contracts.KindOf(err))
}

func TestValidate_RejectsCycle(t *testing.T) {
	err := executeInvalid(t, contracts.Plan{
		ID: "p1",
		Tasks: []contracts.TaskSpec{
			{ID: "t1", Capability: "echo"},
			{ID: "t2", Capability: "echo"},
		},
		Edges: []contracts.Edge{
			{From: "t1", To: "t2"},
			{From: "t2", To: "t1"},
		},
	}, nil)
	assert.Equal(t, contracts.KindPlanInvalid, contracts.KindOf(err))
}

func TestValidate_RejectsSelfEdge(t *testing.T) {
	err := executeInvalid(t, contracts.Plan{
		ID:    "p1",
		Tasks: []contracts.TaskSpec{{ID: "t1", Capability: "echo"}},
		Edges: []contracts.Edge{{From: "t1", To: "t1"}},
	}, nil)
	assert.Equal(t, contracts.KindPlanInvalid, contracts.KindOf(err))
}

func TestValidate_RejectsBadGuardSyntax(t *testing.T) {
	err := executeInvalid(t, contracts.Plan{
		ID: "p1",
		Tasks: []contracts.TaskSpec{
			{ID: "t1", Capability: "echo"},
			{ID: "t2", Capability: "echo"},
		},
		Edges: []contracts.Edge{{From: "t1", To: "t2", Guard: "outputs.t1 ="}},
	}, nil)
	assert.Equal(t, contracts.KindPlanInvalid, contracts.KindOf(err))
}

func TestValidate_RejectsBadVerificationSyntax(t *testing.T) {
	err := executeInvalid(t, contracts.Plan{
		ID: "p1",
		Tasks: []contracts.TaskSpec{{
			ID: "t1", Capability: "echo",
			Verification: []string{"output.x &&"},
		}},
	}, nil)
	assert.Equal(t, contracts.KindPlanInvalid, contracts.KindOf(err))
}

func TestValidate_RejectsNewerCapabilityPin(t *testing.T) {
	err := executeInvalid(t, contracts.Plan{
		ID:                   "p1",
		CapabilityMapVersion: "2.0.0",
		Tasks:                []contracts.TaskSpec{{ID: "t1", Capability: "echo"}},
	}, nil)
	assert.Equal(t, contracts.KindPlanInvalid, contracts.KindOf(err))
}

func TestValidate_RejectsContextRefMismatch(t *testing.T) {
	err := executeInvalid(t, contracts.Plan{
		ID:         "p1",
		ContextRef: "sha-of-some-other-context",
		Tasks:      []contracts.TaskSpec{{ID: "t1", Capability: "echo"}},
	}, &contracts.ContextPacket{Facts: map[string]any{"k": "v"}})
	assert.Equal(t, contracts.KindPlanInvalid, contracts.KindOf(err))
}

func TestValidate_AcceptsMatchingContextRef(t *testing.T) {
	cp := &contracts.ContextPacket{Facts: map[string]any{"k": "v"}}
	ref, err := cp.Ref()
	require.NoError(t, err)

	x := New(testRegistry(t, nil))
	res, err := x.Execute(context.Background(), Request{
		Plan: contracts.Plan{
			ID:         "p1",
			ContextRef: ref,
			Tasks:      []contracts.TaskSpec{{ID: "t1", Capability: "echo"}},
		},
		Context: cp,
	})
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, res.Status)
}

type denyPlans struct{}

func (denyPlans) Evaluate(_ context.Context, action policy.Action, _ map[string]any) (contracts.PolicyDecision, error) {
	if action == policy.ActionPlanAdmit {
		return contracts.PolicyDecision{Allow: false, Reason: "plans frozen"}, nil
	}
	return contracts.PolicyDecision{Allow: true}, nil
}

func TestValidate_PlanAdmissionDenied(t *testing.T) {
	x := New(testRegistry(t, nil), WithPolicy(denyPlans{}))
	_, err := x.Execute(context.Background(), Request{
		Plan: contracts.Plan{
			ID:    "p1",
			Tasks: []contracts.TaskSpec{{ID: "t1", Capability: "echo"}},
		},
	})
	require.Error(t, err)
	assert.Equal(t, contracts.KindPolicyDenied, contracts.KindOf(err))
}
