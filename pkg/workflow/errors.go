// Package workflow defines the domain model shared by the engine, the
// task queue, and the workers: definitions, instances, tasks, leases,
// events, and the classified error taxonomy. All types serialize to JSON
// for storage in the KV layer.
package workflow

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassValidation rejects input at definition time. Never retried.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassConflict marks optimistic-concurrency and lock contention.
	// Retried transparently with bounded backoff by the same caller.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassLeaseLost marks a worker whose stored lease no longer
	// matches. The task outcome is discarded; another worker reclaims.
	ErrorClassLeaseLost ErrorClass = "lease_lost"

	// ErrorClassScript marks sandbox failures (timeout, OOM, throw, host
	// denied). Counted against max_retries.
	ErrorClassScript ErrorClass = "script"

	// ErrorClassTransient marks network and transient store failures.
	// Counted against retries with a shorter backoff.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassFatal marks corrupt definitions, missing states, and
	// impossible transitions. Requires operator action.
	ErrorClassFatal ErrorClass = "fatal"
)

// EngineError is a classified error with workflow context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Instance is the instance ID the error relates to, if any.
	Instance string `json:"instance,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Instance != "" {
		return fmt.Sprintf("[%s] %s (instance=%s)%s", e.Class, e.Message, e.Instance, e.suffix())
	}
	return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, e.suffix())
}

func (e *EngineError) suffix() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

// NewValidationError creates a definition-time rejection.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassValidation, Message: message, Err: err}
}

// NewConflictError creates a contention error retried by the caller.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewLeaseLostError creates the error returned when a worker's stored lease
// no longer matches.
func NewLeaseLostError(message string) *EngineError {
	return &EngineError{Class: ErrorClassLeaseLost, Message: message, Code: CodeLeaseLost}
}

// NewScriptError creates a sandbox failure surfaced as a task failure.
func NewScriptError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassScript, Message: message, Err: err}
}

// NewTransientError creates a retryable infrastructure failure.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewFatalError creates a non-recoverable failure requiring operator action.
func NewFatalError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassFatal, Message: message, Err: err}
}

// WithCode adds an error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithInstance adds instance context.
func (e *EngineError) WithInstance(instanceID string) *EngineError {
	e.Instance = instanceID
	return e
}

// WithOperation adds operation context.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// classOf returns the classification of err, defaulting to transient for
// unclassified errors so infrastructure hiccups stay retryable.
func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassTransient
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return classOf(err) == ErrorClassValidation }

// IsConflict reports whether err is a contention error.
func IsConflict(err error) bool { return classOf(err) == ErrorClassConflict }

// IsLeaseLost reports whether err means the caller's lease was superseded.
func IsLeaseLost(err error) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Class == ErrorClassLeaseLost
}

// IsFatal reports whether err requires operator action.
func IsFatal(err error) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Class == ErrorClassFatal
}

// IsRetryable reports whether err may succeed on retry.
func IsRetryable(err error) bool {
	c := classOf(err)
	return c == ErrorClassConflict || c == ErrorClassTransient
}

// Common error codes.
const (
	CodeValidation             = "VALIDATION_ERROR"
	CodeNotFound               = "NOT_FOUND"
	CodeAlreadyExists          = "ALREADY_EXISTS"
	CodeInstanceBusy           = "INSTANCE_BUSY"
	CodeInstancePaused         = "INSTANCE_PAUSED"
	CodeInstanceCancelled      = "INSTANCE_CANCELLED"
	CodeInstanceTerminal       = "INSTANCE_TERMINAL"
	CodeNoApplicableTransition = "NO_APPLICABLE_TRANSITION"
	CodeDuplicateIdempotency   = "DUPLICATE_IDEMPOTENCY_KEY"
	CodeLeaseLost              = "LEASE_LOST"
	CodePermissionDenied       = "PERMISSION_DENIED"
)

// Sentinel errors for the engine's public operations.
var (
	// ErrInstanceBusy means a live worker currently holds the instance lock.
	ErrInstanceBusy = &EngineError{Class: ErrorClassConflict, Message: "instance lock is held", Code: CodeInstanceBusy}

	// ErrNoApplicableTransition means no transition matched the event. The
	// condition is non-fatal; the engine records EventIgnored.
	ErrNoApplicableTransition = &EngineError{Class: ErrorClassValidation, Message: "no applicable transition", Code: CodeNoApplicableTransition}

	// ErrInstancePaused means the instance defers events until resumed.
	ErrInstancePaused = &EngineError{Class: ErrorClassValidation, Message: "instance is paused", Code: CodeInstancePaused}

	// ErrInstanceCancelled means running work must abort.
	ErrInstanceCancelled = &EngineError{Class: ErrorClassValidation, Message: "instance is cancelled", Code: CodeInstanceCancelled}

	// ErrLeaseLost means the caller's task lease was superseded.
	ErrLeaseLost = &EngineError{Class: ErrorClassLeaseLost, Message: "task lease lost", Code: CodeLeaseLost}

	// ErrDuplicateIdempotencyKey means a result already exists for the key.
	ErrDuplicateIdempotencyKey = &EngineError{Class: ErrorClassValidation, Message: "idempotency key already has a result", Code: CodeDuplicateIdempotency}
)
