package execution

import (
	"context"
	"encoding/json"
	"time"
)

// Store persists execution records. Every transition method is a conditional
// swap: it applies only when the record is currently in the expected source
// status and reports whether the swap won. Losing a swap is not an error;
// it means another writer (completion, timeout, or cancellation) got there
// first and the caller's transition is a no-op.
type Store interface {
	// Create persists a new record in status queued.
	Create(ctx context.Context, rec *Record) error

	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// ListByAgent returns the agent's records, most recent first.
	// limit <= 0 applies the store's default.
	ListByAgent(ctx context.Context, agentID string, limit int) ([]*Record, error)

	// ListByStatus returns records currently in the status, oldest first.
	// limit <= 0 returns all. Used to rebuild the dispatch queue after a
	// restart.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error)

	// CountByStatus returns how many records are currently in the status.
	CountByStatus(ctx context.Context, status Status) (int, error)

	// MarkInitializing moves queued → initializing.
	MarkInitializing(ctx context.Context, id string) (bool, error)

	// MarkRunning moves initializing → running and sets startedAt.
	MarkRunning(ctx context.Context, id string, startedAt time.Time) (bool, error)

	// Complete moves running → completed, storing output, appending logs,
	// and fixing completedAt and the derived execution time.
	Complete(ctx context.Context, id string, output json.RawMessage, logs string, completedAt time.Time) (bool, error)

	// Fail moves initializing|running → failed with the captured error text.
	Fail(ctx context.Context, id string, errMsg, logs string, completedAt time.Time) (bool, error)

	// MarkTimeout moves running → timeout with the captured error text.
	MarkTimeout(ctx context.Context, id string, errMsg, logs string, completedAt time.Time) (bool, error)

	// MarkCancelled moves queued|initializing|running → cancelled.
	MarkCancelled(ctx context.Context, id string, completedAt time.Time) (bool, error)

	// Requeue moves failed|timeout|cancelled → queued when retryCount is
	// still below maxRetries: increments retryCount, clears output, error
	// and timing fields, and stamps a fresh queuedAt. Logs are retained.
	Requeue(ctx context.Context, id string, queuedAt time.Time) (bool, error)

	// Close releases the store's resources.
	Close() error
}
