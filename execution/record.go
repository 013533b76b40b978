package execution

import (
	"crypto/rand"
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status is the lifecycle state of an execution record.
type Status string

// Execution statuses. Queued, Initializing and Running are transient;
// the rest are terminal until an explicit retry re-queues the record.
const (
	StatusQueued       Status = "queued"
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTimeout      Status = "timeout"
	StatusCancelled    Status = "cancelled"
)

// transitions lists the legal forward edges of the status state machine.
// Retry is not an edge here: it is modelled as Store.Requeue, which resets
// the record back to queued from a retriable terminal status.
var transitions = map[Status][]Status{
	StatusQueued:       {StatusInitializing, StatusCancelled},
	StatusInitializing: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:      {StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled},
}

// Terminal reports whether no further automatic transition can occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Retriable reports whether a caller-initiated retry may re-queue a record
// in this status.
func (s Status) Retriable() bool {
	switch s {
	case StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusInitializing, StatusRunning,
		StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Record is one execution of agent code. The id is stable across retries of
// the same logical execution; RetryCount tracks how many attempts have been
// consumed.
type Record struct {
	ID           string `json:"id"`
	AgentID      string `json:"agentId"`
	SubmissionID string `json:"submissionId,omitempty"`
	BountyID     string `json:"bountyId,omitempty"`

	Status Status `json:"status"`

	// Input is the caller-supplied payload, opaque to the orchestrator.
	Input json.RawMessage `json:"input,omitempty"`
	// Output is set if and only if Status is completed.
	Output json.RawMessage `json:"output,omitempty"`
	// Logs is append-only text captured from the sandboxed run. Retries
	// append to it rather than clearing it, preserving attempt history.
	Logs string `json:"logs,omitempty"`
	// ErrorMessage is set if and only if Status is failed or timeout.
	ErrorMessage string `json:"errorMessage,omitempty"`

	QueuedAt    time.Time  `json:"queuedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	// ExecutionTimeMs is CompletedAt - StartedAt for attempts that ran.
	ExecutionTimeMs int64 `json:"executionTimeMs,omitempty"`

	TimeoutMs  int `json:"timeoutMs"`
	RetryCount int `json:"retryCount"`
	MaxRetries int `json:"maxRetries"`
}

// The shared monotonic source keeps ids strictly increasing even within
// one millisecond; ulid.Monotonic is not safe for concurrent use.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a new ULID execution id. ULIDs sort by creation time, so
// listings ordered by id are also ordered most-recent-last.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewRecord creates a queued record for the given agent and input.
func NewRecord(agentID string, input json.RawMessage, timeoutMs, maxRetries int) *Record {
	return &Record{
		ID:         NewID(),
		AgentID:    agentID,
		Status:     StatusQueued,
		Input:      input,
		QueuedAt:   time.Now().UTC(),
		TimeoutMs:  timeoutMs,
		MaxRetries: maxRetries,
	}
}
