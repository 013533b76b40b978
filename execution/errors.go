package execution

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced synchronously to callers. Sandbox-level failures
// are not errors in this sense: they are recorded on the execution record
// as a failed or timeout status and observed by polling.
var (
	// ErrNotFound indicates an unknown execution id.
	ErrNotFound = errors.New("execution not found")

	// ErrCapacityExceeded indicates the queued backlog is at its configured
	// depth cap. The caller may retry after backoff.
	ErrCapacityExceeded = errors.New("execution queue at capacity")

	// ErrRetryExhausted indicates the record has consumed all configured
	// retries. The caller must resubmit as a new logical execution.
	ErrRetryExhausted = errors.New("retry budget exhausted")

	// ErrInvalidInput indicates the submitted payload failed validation
	// against the agent's declared input schema.
	ErrInvalidInput = errors.New("invalid input payload")

	// ErrAgentNotFound indicates the referenced agent has no runnable bundle.
	ErrAgentNotFound = errors.New("agent bundle not found")
)

// TransitionError reports an attempted status change that is not a legal
// edge for the record's current status, e.g. retrying a completed record.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("execution %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}
