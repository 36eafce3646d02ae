package ledger

// EventType is the closed set of ledger event types. Appends with an
// unknown type are rejected so the ledger stays machine-auditable.
type EventType string

const (
	EventPlanSelected        EventType = "PLAN_SELECTED"
	EventGuardEval           EventType = "GUARD_EVAL"
	EventTaskStart           EventType = "TASK_START"
	EventTaskRetry           EventType = "TASK_RETRY"
	EventTaskEnd             EventType = "TASK_END"
	EventPolicyPre           EventType = "POLICY_PRE"
	EventPolicyPost          EventType = "POLICY_POST"
	EventVerification        EventType = "VERIFICATION"
	EventNucleusInference    EventType = "NUCLEUS_INFERENCE"
	EventContextInternalized EventType = "CONTEXT_INTERNALIZED"
	EventError               EventType = "ERROR"
	EventCheckpointWritten   EventType = "CHECKPOINT_WRITTEN"
	EventTaskResumed         EventType = "TASK_RESUMED"
)

var knownEvents = map[EventType]struct{}{
	EventPlanSelected:        {},
	EventGuardEval:           {},
	EventTaskStart:           {},
	EventTaskRetry:           {},
	EventTaskEnd:             {},
	EventPolicyPre:           {},
	EventPolicyPost:          {},
	EventVerification:        {},
	EventNucleusInference:    {},
	EventContextInternalized: {},
	EventError:               {},
	EventCheckpointWritten:   {},
	EventTaskResumed:         {},
}

// Known reports whether t belongs to the event taxonomy.
func (t EventType) Known() bool {
	_, ok := knownEvents[t]
	return ok
}
