// Package errors defines the coded error type and the envelope shape used
// by every operation result that crosses a transport boundary.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Error codes. The taxonomy is closed; transports map codes to their own
// status conventions without inspecting messages.
const (
	CodeTaskNotFound        = "TASK_NOT_FOUND"
	CodeTaskAlreadyClaimed  = "TASK_ALREADY_CLAIMED"
	CodeTaskNotAssigned     = "TASK_NOT_ASSIGNED"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeInvalidAgent        = "INVALID_AGENT"
	CodeInvalidCapabilities = "INVALID_CAPABILITIES"
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeSessionNotActive    = "SESSION_NOT_ACTIVE"
	CodeSessionNotPaused    = "SESSION_NOT_PAUSED"
	CodeContextNotFound     = "CONTEXT_NOT_FOUND"
	CodeLockNotFound        = "LOCK_NOT_FOUND"
	CodeFileAlreadyLocked   = "FILE_ALREADY_LOCKED"
	CodePartialGrant        = "PARTIAL_GRANT"
	CodeHandoffNotFound     = "HANDOFF_NOT_FOUND"
	CodeHandoffNotForAgent  = "HANDOFF_NOT_FOR_AGENT"
	CodeConflictNotFound    = "CONFLICT_NOT_FOUND"
	CodeToolError           = "TOOL_ERROR"
	CodeRateLimited         = "RATE_LIMITED"
	CodeEnqueueError        = "ENQUEUE_ERROR"
	CodeDequeueError        = "DEQUEUE_ERROR"
	CodeUpdateTaskError     = "UPDATE_TASK_ERROR"
	CodeLockStoreError      = "UPDATE_LOCK_ERROR"
	CodeContextSaveError    = "CONTEXT_SAVE_ERROR"
	CodeInternal            = "INTERNAL_ERROR"
)

// Error is the coded error carried through every layer. Retryable tells the
// caller whether the same request may succeed later without modification.
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetails attaches structured context to the error and returns it.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// New builds a non-retryable coded error.
func New(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Retryable builds a coded error the caller may retry as-is.
func Retryable(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// Wrap builds a retryable storage-class error around an underlying cause.
func Wrap(code string, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: true, cause: cause}
}

func TaskNotFound(id string) *Error {
	return New(CodeTaskNotFound, "task %s not found", id)
}

func TaskAlreadyClaimed(id string) *Error {
	return New(CodeTaskAlreadyClaimed, "task %s is already claimed", id)
}

func TaskNotAssigned(id, agent string) *Error {
	return New(CodeTaskNotAssigned, "task %s is not assigned to %s", id, agent)
}

func InvalidTransition(id, from, to string) *Error {
	return New(CodeInvalidTransition, "task %s cannot move from %s to %s", id, from, to)
}

func InvalidAgent(agent string) *Error {
	return New(CodeInvalidAgent, "agent %q may not invoke this operation", agent)
}

func InvalidCapabilities(msg string) *Error {
	return New(CodeInvalidCapabilities, "%s", msg)
}

func InvalidArgument(format string, args ...any) *Error {
	return New(CodeInvalidArgument, format, args...)
}

func SessionNotFound(id string) *Error {
	return New(CodeSessionNotFound, "session %s not found", id)
}

func SessionNotActive(id string) *Error {
	return New(CodeSessionNotActive, "session %s is not active", id)
}

func SessionNotPaused(id string) *Error {
	return New(CodeSessionNotPaused, "session %s is not paused", id)
}

func ContextNotFound(id string) *Error {
	return New(CodeContextNotFound, "context %s not found", id)
}

func LockNotFound(token string) *Error {
	return New(CodeLockNotFound, "no lock for token %s", token)
}

func FileAlreadyLocked(path, holder string) *Error {
	e := New(CodeFileAlreadyLocked, "file %s is locked by %s", path, holder)
	e.Retryable = true
	return e
}

func HandoffNotFound(id string) *Error {
	return New(CodeHandoffNotFound, "handoff %s not found", id)
}

func HandoffNotForAgent(id, agent string) *Error {
	return New(CodeHandoffNotForAgent, "handoff %s is not addressed to %s", id, agent)
}

func ConflictNotFound(id string) *Error {
	return New(CodeConflictNotFound, "conflict %s not found", id)
}

func ToolError(format string, args ...any) *Error {
	e := New(CodeToolError, format, args...)
	e.Retryable = true
	return e
}

func UnknownTool(name string) *Error {
	return ToolError("unknown tool %q", name)
}

// CodeOf extracts the code from err, or INTERNAL_ERROR for foreign errors.
func CodeOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable reports whether err carries the retryable flag.
func IsRetryable(err error) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Retryable
}

// AsError converts err to *Error, wrapping foreign errors as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Message: err.Error(), cause: err}
}

// HTTPStatus maps a coded error to an HTTP response status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeTaskNotFound, CodeSessionNotFound, CodeContextNotFound,
		CodeLockNotFound, CodeHandoffNotFound, CodeConflictNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeEnqueueError, CodeDequeueError, CodeUpdateTaskError,
		CodeLockStoreError, CodeContextSaveError, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// Envelope is the uniform result shape for every core operation.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// OK wraps data in a success envelope.
func OK(data any) Envelope {
	return Envelope{Success: true, Data: data}
}

// Fail wraps err in a failure envelope.
func Fail(err error) Envelope {
	return Envelope{Success: false, Error: AsError(err)}
}
