package pipeline

import "errors"

// ErrInvalidRequest indicates a malformed request, such as an empty
// node execution id on a node-scoped interrupt.
var ErrInvalidRequest = errors.New("invalid request")

// ErrInterruptConflict indicates that an exclusive interrupt of the same
// type is already active for the target.
var ErrInterruptConflict = errors.New("interrupt conflict: an active interrupt of this type already exists")

// ErrPreconditionFailed indicates the target node is not in the status the
// operation requires (for example MARK_SUCCESS outside INTERVENTION_WAITING).
var ErrPreconditionFailed = errors.New("precondition failed")

// ErrInterruptProcessingFailed indicates an accepted interrupt could not
// take effect, for example because the node already left every abortable
// status.
var ErrInterruptProcessingFailed = errors.New("interrupt processing failed")

// ErrUnsupportedInterrupt indicates an interrupt type (or scope) has no
// handler.
var ErrUnsupportedInterrupt = errors.New("unsupported interrupt")

// ErrInvalidTransition indicates a malformed status transition request: an
// unknown target status or an empty precondition set.
var ErrInvalidTransition = errors.New("invalid status transition")

// InterruptError carries structured detail about a rejected or failed
// interrupt. It wraps one of the sentinel errors above, so callers match it
// with errors.Is.
type InterruptError struct {
	// Code is a machine-readable error code.
	Code string

	// Message is the human-readable description.
	Message string

	InterruptID     string
	NodeExecutionID string

	// Cause is the sentinel (or downstream error) this error wraps.
	Cause error
}

// Error implements the error interface.
func (e *InterruptError) Error() string {
	msg := e.Message
	if e.NodeExecutionID != "" {
		msg = "node " + e.NodeExecutionID + ": " + msg
	}
	if e.InterruptID != "" {
		msg = "interrupt " + e.InterruptID + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error for error wrapping support.
func (e *InterruptError) Unwrap() error {
	return e.Cause
}
