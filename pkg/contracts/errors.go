package contracts

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed taxonomy of run failures.
type ErrorKind string

const (
	KindPlanInvalid        ErrorKind = "PlanInvalid"
	KindCapabilityMissing  ErrorKind = "CapabilityMissing"
	KindPolicyDenied       ErrorKind = "PolicyDenied"
	KindTaskError          ErrorKind = "TaskError"
	KindVerificationFailed ErrorKind = "VerificationFailed"
	KindContextUnavailable ErrorKind = "ContextUnavailable"
	KindTimeout            ErrorKind = "Timeout"
	KindCancelled          ErrorKind = "Cancelled"
	KindEscalated          ErrorKind = "Escalated"
)

// Retryable reports whether failures of this kind are eligible for retry.
// Timeouts count as transient task errors; everything else expresses a
// contract violation and retrying cannot help.
func (k ErrorKind) Retryable() bool {
	return k == KindTaskError || k == KindTimeout
}

// RunError is the typed failure carried out of a run. TaskID is empty for
// pre-execution (plan-level) failures.
type RunError struct {
	Kind    ErrorKind
	TaskID  string
	Message string
	Err     error
}

func (e *RunError) Error() string {
	switch {
	case e.TaskID != "" && e.Err != nil:
		return fmt.Sprintf("%s: task %s: %s: %v", e.Kind, e.TaskID, e.Message, e.Err)
	case e.TaskID != "":
		return fmt.Sprintf("%s: task %s: %s", e.Kind, e.TaskID, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *RunError) Unwrap() error { return e.Err }

// NewRunError builds a RunError with a formatted message.
func NewRunError(kind ErrorKind, taskID, format string, args ...any) *RunError {
	return &RunError{Kind: kind, TaskID: taskID, Message: fmt.Sprintf(format, args...)}
}

// WrapRunError builds a RunError around an underlying cause.
func WrapRunError(kind ErrorKind, taskID string, err error, message string) *RunError {
	return &RunError{Kind: kind, TaskID: taskID, Message: message, Err: err}
}

// KindOf extracts the error kind, or empty string for foreign errors.
func KindOf(err error) ErrorKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}
