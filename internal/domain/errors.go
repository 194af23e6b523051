package domain

import (
	"errors"
	"fmt"
)

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// StateTransitionError is returned when a requested state transition is not
// an edge of the task state machine, or when the stored state no longer
// matches the state the caller observed. The record is left unchanged.
type StateTransitionError struct {
	TaskID string
	From   State
	To     State
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("task %s: illegal state transition %s → %s", e.TaskID, e.From, e.To)
}

// ValidationError is returned for malformed requests. It is rejected before
// enqueue and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ConflictError is returned when an idempotency key is reused with a
// different request fingerprint. No task is created.
type ConflictError struct {
	Key            string
	ExistingTaskID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q already bound to task %s with a different fingerprint", e.Key, e.ExistingTaskID)
}

// NoCapacityError signals that no instance can accept the task right now.
// It is a routing condition, not a caller error: the task waits in a queue.
// A circuit-open rejection is reported through the same type.
type NoCapacityError struct {
	Pool     string
	Instance string
	Reason   string
}

func (e *NoCapacityError) Error() string {
	if e.Instance != "" {
		return fmt.Sprintf("instance %s/%s unavailable: %s", e.Pool, e.Instance, e.Reason)
	}
	return fmt.Sprintf("pool %s has no available capacity: %s", e.Pool, e.Reason)
}

// BackendError wraps a failure from a remote scanner backend. Permanent
// errors (bad target, rejected credentials) are never retried and carry no
// circuit-breaker penalty; everything else is treated as transient.
type BackendError struct {
	Op        string
	Permanent bool
	Err       error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// TransientBackendError wraps err as a retryable backend failure.
func TransientBackendError(op string, err error) error {
	return &BackendError{Op: op, Err: err}
}

// PermanentBackendError wraps err as a non-retryable backend failure.
func PermanentBackendError(op string, err error) error {
	return &BackendError{Op: op, Permanent: true, Err: err}
}

// IsPermanentBackend reports whether err is a backend failure that must not
// be retried.
func IsPermanentBackend(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Permanent
}

// IsTransientBackend reports whether err is a retryable backend failure.
func IsTransientBackend(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && !be.Permanent
}
