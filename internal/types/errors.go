package types

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies an error for propagation and retry decisions.
// Classification happens at the origin; callers retry only kinds whose
// Retryable method reports true, and only while a retry budget remains.
type ErrorKind string

const (
	// KindValidation covers malformed definitions, unknown references,
	// duplicate IDs, and missing required parameters. Surfaced aggregated,
	// never retried.
	KindValidation ErrorKind = "validation"

	// KindTransition covers attempts to move through an illegal execution
	// or node state edge. Fatal; indicates an engine bug.
	KindTransition ErrorKind = "transition"

	// KindCancelled is signal propagation. Not a user error, but it travels
	// the error channel so awaiting code unwinds.
	KindCancelled ErrorKind = "cancelled"

	// KindTransient covers network failures, timeouts, lock contention,
	// pool exhaustion with queueing, and storage I/O. Retryable.
	KindTransient ErrorKind = "transient"

	// KindPermanent covers not-found, permission-denied, decryption
	// failures, and invalid configuration. Not retryable.
	KindPermanent ErrorKind = "permanent"

	// KindExhausted covers pools full with no queue slot, forced cache
	// eviction, and exceeded budgets. Retryable with backoff.
	KindExhausted ErrorKind = "exhausted"

	// KindConflict covers version mismatches on compare-and-swap updates.
	// Retryable by re-reading and re-attempting.
	KindConflict ErrorKind = "conflict"
)

// Retryable reports whether errors of this kind may be retried.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransient, KindExhausted, KindConflict:
		return true
	default:
		return false
	}
}

// ErrorCode is a namespaced, stable error code.
type ErrorCode string

// Workflow and planning error codes.
const (
	WORKFLOW_INVALID        ErrorCode = "WORKFLOW_INVALID"
	WORKFLOW_CYCLE          ErrorCode = "WORKFLOW_CYCLE"
	WORKFLOW_NODE_NOT_FOUND ErrorCode = "WORKFLOW_NODE_NOT_FOUND"
)

// Execution error codes.
const (
	EXECUTION_INVALID_TRANSITION ErrorCode = "EXECUTION_INVALID_TRANSITION"
	EXECUTION_CANCELLED          ErrorCode = "EXECUTION_CANCELLED"
	EXECUTION_TIMEOUT            ErrorCode = "EXECUTION_TIMEOUT"
	EXECUTION_NODE_FAILED        ErrorCode = "EXECUTION_NODE_FAILED"
	PARAMETER_RESOLUTION_FAILED  ErrorCode = "PARAMETER_RESOLUTION_FAILED"
)

// Action error codes.
const (
	ACTION_NOT_FOUND         ErrorCode = "ACTION_NOT_FOUND"
	ACTION_FAILED            ErrorCode = "ACTION_FAILED"
	ACTION_CAPABILITY_DENIED ErrorCode = "ACTION_CAPABILITY_DENIED"
)

// Resource error codes.
const (
	RESOURCE_NOT_FOUND      ErrorCode = "RESOURCE_NOT_FOUND"
	RESOURCE_CYCLE          ErrorCode = "RESOURCE_CYCLE"
	RESOURCE_POOL_EXHAUSTED ErrorCode = "RESOURCE_POOL_EXHAUSTED"
	RESOURCE_POOL_CLOSED    ErrorCode = "RESOURCE_POOL_CLOSED"
	RESOURCE_UNHEALTHY      ErrorCode = "RESOURCE_UNHEALTHY"
	RESOURCE_CREATE_FAILED  ErrorCode = "RESOURCE_CREATE_FAILED"
)

// Credential and storage error codes.
const (
	CREDENTIAL_NOT_FOUND      ErrorCode = "CREDENTIAL_NOT_FOUND"
	CREDENTIAL_INVALID        ErrorCode = "CREDENTIAL_INVALID"
	CREDENTIAL_EXPIRED        ErrorCode = "CREDENTIAL_EXPIRED"
	CREDENTIAL_TOO_LARGE      ErrorCode = "CREDENTIAL_TOO_LARGE"
	PERMISSION_DENIED         ErrorCode = "PERMISSION_DENIED"
	DECRYPTION_FAILED         ErrorCode = "DECRYPTION_FAILED"
	ENCRYPTION_FAILED         ErrorCode = "ENCRYPTION_FAILED"
	STORAGE_READ_FAILED       ErrorCode = "STORAGE_READ_FAILED"
	STORAGE_WRITE_FAILED      ErrorCode = "STORAGE_WRITE_FAILED"
	STORAGE_TIMEOUT           ErrorCode = "STORAGE_TIMEOUT"
	ROTATION_CONFLICT         ErrorCode = "ROTATION_CONFLICT"
	ROTATION_VERSION_MISMATCH ErrorCode = "ROTATION_VERSION_MISMATCH"
)

// Resilience error codes.
const (
	CIRCUIT_OPEN        ErrorCode = "CIRCUIT_OPEN"
	BULKHEAD_FULL       ErrorCode = "BULKHEAD_FULL"
	RATE_LIMITED        ErrorCode = "RATE_LIMITED"
	OPERATION_TIMED_OUT ErrorCode = "OPERATION_TIMED_OUT"
)

// Error is the structured error used across Nebula. It carries a stable
// code, a kind for retry classification, a human message, and an optional
// cause. Context fields (entity IDs, field paths) go into Fields; secret
// material must never be attached.
type Error struct {
	Kind    ErrorKind
	Code    ErrorCode
	Message string
	Fields  map[string]string
	Cause   error
}

// Error implements the error interface.
// Format: "[CODE] message" or "[CODE] message: cause".
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches by error code so sentinel comparisons work across wrapping.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// Retryable reports whether the error's kind permits retry.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// With attaches a context field and returns the error for chaining.
// Non-string values are rendered with fmt.Sprint.
func (e *Error) With(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[key] = fmt.Sprint(value)
	return e
}

// NewError creates a new Error with the given kind, code, and message.
func NewError(kind ErrorKind, code ErrorCode, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// WrapError creates a new Error wrapping an existing cause.
func WrapError(kind ErrorKind, code ErrorCode, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// IsRetryable classifies an arbitrary error: a *Error answers from its
// kind, anything else is conservatively not retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// KindOf extracts the ErrorKind of an error, or KindPermanent for errors
// outside the taxonomy.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPermanent
}

// IsCancelled reports whether err is a cancellation travelling the error
// channel.
func IsCancelled(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return KindOf(err) == KindCancelled
}

// ValidationErrors aggregates every validation failure found in one pass so
// callers see all problems at once instead of fixing them one by one.
type ValidationErrors struct {
	Errors []*Error
}

// Add appends a validation error.
func (v *ValidationErrors) Add(code ErrorCode, message string) {
	v.Errors = append(v.Errors, NewError(KindValidation, code, message))
}

// Addf appends a validation error with a formatted message.
func (v *ValidationErrors) Addf(code ErrorCode, format string, args ...any) {
	v.Add(code, fmt.Sprintf(format, args...))
}

// HasErrors reports whether any failures were collected.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// ErrOrNil returns the aggregate as an error, or nil when empty.
func (v *ValidationErrors) ErrOrNil() error {
	if !v.HasErrors() {
		return nil
	}
	return v
}

// Error implements the error interface, joining all messages.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}
	msgs := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d validation errors: %s", len(v.Errors), strings.Join(msgs, "; "))
}

// Unwrap exposes the collected errors to errors.Is / errors.As.
func (v *ValidationErrors) Unwrap() []error {
	out := make([]error, len(v.Errors))
	for i, e := range v.Errors {
		out[i] = e
	}
	return out
}
