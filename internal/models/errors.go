package models

import "errors"

// FailureKind classifies terminal download outcomes so callers can decide
// between retry, restart and surfacing to the user
type FailureKind string

const (
	FailureTransient    FailureKind = "retries_exhausted"
	FailureNonResumable FailureKind = "non_resumable"
	FailureConfig       FailureKind = "configuration"
	FailureMerge        FailureKind = "merge"
	FailureCancelled    FailureKind = "cancelled"
)

// TaskError attaches a failure kind to an underlying cause
type TaskError struct {
	Kind FailureKind
	Err  error
}

func (e *TaskError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *TaskError) Unwrap() error { return e.Err }

// NewTaskError wraps err with a failure kind
func NewTaskError(kind FailureKind, err error) *TaskError {
	return &TaskError{Kind: kind, Err: err}
}

// KindOf extracts the failure kind from err, defaulting to retries_exhausted
// for untyped errors
func KindOf(err error) FailureKind {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	return FailureTransient
}
