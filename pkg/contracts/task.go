package contracts

// TaskStatus is the per-task execution state machine:
// pending → running → (succeeded | failed | retrying → running | skipped).
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskRetrying  TaskStatus = "retrying"
	TaskSkipped   TaskStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskSkipped
}

// TaskRecord tracks one task's execution state. Owned exclusively by the
// executor during a run.
type TaskRecord struct {
	Status    TaskStatus     `json:"status"`
	Attempt   int            `json:"attempt"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Narrative string         `json:"narrative,omitempty"`
}
