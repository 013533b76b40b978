package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/isdmx/runbox/execution"
)

const defaultListLimit = 50

// memoryRecord wraps one record with its own lock, so transitions on
// unrelated records never contend.
type memoryRecord struct {
	mu  sync.Mutex
	rec execution.Record
}

// MemoryStore is an in-memory execution.Store. The outer lock guards the
// map only; every status transition is a conditional swap under the
// record's own lock.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memoryRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*memoryRecord)}
}

// Create persists a new record
func (s *MemoryStore) Create(_ context.Context, rec *execution.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rec
	s.records[rec.ID] = &memoryRecord{rec: clone}
	return nil
}

// Get returns a copy of the record or ErrNotFound
func (s *MemoryStore) Get(_ context.Context, id string) (*execution.Record, error) {
	mr, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	clone := mr.rec
	return &clone, nil
}

// ListByAgent returns the agent's records, most recent first
func (s *MemoryStore) ListByAgent(_ context.Context, agentID string, limit int) ([]*execution.Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	s.mu.RLock()
	matches := make([]*memoryRecord, 0)
	for _, mr := range s.records {
		if mr.rec.AgentID == agentID {
			matches = append(matches, mr)
		}
	}
	s.mu.RUnlock()

	out := make([]*execution.Record, 0, len(matches))
	for _, mr := range matches {
		mr.mu.Lock()
		clone := mr.rec
		mr.mu.Unlock()
		out = append(out, &clone)
	}

	// ULIDs are time-ordered, so id order is creation order.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListByStatus returns records in the status, oldest first
func (s *MemoryStore) ListByStatus(_ context.Context, status execution.Status, limit int) ([]*execution.Record, error) {
	s.mu.RLock()
	all := make([]*memoryRecord, 0, len(s.records))
	for _, mr := range s.records {
		all = append(all, mr)
	}
	s.mu.RUnlock()

	out := make([]*execution.Record, 0)
	for _, mr := range all {
		mr.mu.Lock()
		if mr.rec.Status == status {
			clone := mr.rec
			out = append(out, &clone)
		}
		mr.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByStatus returns how many records are currently in the status
func (s *MemoryStore) CountByStatus(_ context.Context, status execution.Status) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, mr := range s.records {
		mr.mu.Lock()
		if mr.rec.Status == status {
			count++
		}
		mr.mu.Unlock()
	}
	return count, nil
}

// MarkInitializing moves queued → initializing
func (s *MemoryStore) MarkInitializing(_ context.Context, id string) (bool, error) {
	return s.swap(id, func(rec *execution.Record) bool {
		if rec.Status != execution.StatusQueued {
			return false
		}
		rec.Status = execution.StatusInitializing
		return true
	})
}

// MarkRunning moves initializing → running and sets startedAt
func (s *MemoryStore) MarkRunning(_ context.Context, id string, startedAt time.Time) (bool, error) {
	return s.swap(id, func(rec *execution.Record) bool {
		if rec.Status != execution.StatusInitializing {
			return false
		}
		rec.Status = execution.StatusRunning
		rec.StartedAt = &startedAt
		return true
	})
}

// Complete moves running → completed
func (s *MemoryStore) Complete(_ context.Context, id string, output json.RawMessage, logs string, completedAt time.Time) (bool, error) {
	return s.swap(id, func(rec *execution.Record) bool {
		if rec.Status != execution.StatusRunning {
			return false
		}
		rec.Status = execution.StatusCompleted
		rec.Output = output
		rec.Logs += logs
		finish(rec, completedAt)
		return true
	})
}

// Fail moves initializing|running → failed
func (s *MemoryStore) Fail(_ context.Context, id string, errMsg, logs string, completedAt time.Time) (bool, error) {
	return s.swap(id, func(rec *execution.Record) bool {
		if rec.Status != execution.StatusInitializing && rec.Status != execution.StatusRunning {
			return false
		}
		rec.Status = execution.StatusFailed
		rec.ErrorMessage = errMsg
		rec.Logs += logs
		finish(rec, completedAt)
		return true
	})
}

// MarkTimeout moves running → timeout
func (s *MemoryStore) MarkTimeout(_ context.Context, id string, errMsg, logs string, completedAt time.Time) (bool, error) {
	return s.swap(id, func(rec *execution.Record) bool {
		if rec.Status != execution.StatusRunning {
			return false
		}
		rec.Status = execution.StatusTimeout
		rec.ErrorMessage = errMsg
		rec.Logs += logs
		finish(rec, completedAt)
		return true
	})
}

// MarkCancelled moves queued|initializing|running → cancelled
func (s *MemoryStore) MarkCancelled(_ context.Context, id string, completedAt time.Time) (bool, error) {
	return s.swap(id, func(rec *execution.Record) bool {
		if rec.Status.Terminal() {
			return false
		}
		rec.Status = execution.StatusCancelled
		finish(rec, completedAt)
		return true
	})
}

// Requeue moves failed|timeout|cancelled → queued while retry budget remains
func (s *MemoryStore) Requeue(_ context.Context, id string, queuedAt time.Time) (bool, error) {
	return s.swap(id, func(rec *execution.Record) bool {
		if !rec.Status.Retriable() || rec.RetryCount >= rec.MaxRetries {
			return false
		}
		rec.Status = execution.StatusQueued
		rec.RetryCount++
		rec.Output = nil
		rec.ErrorMessage = ""
		rec.StartedAt = nil
		rec.CompletedAt = nil
		rec.ExecutionTimeMs = 0
		rec.QueuedAt = queuedAt
		return true
	})
}

// Ping reports the store as always reachable. It backs the readiness check
// in tests and deployments running without a database.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Close releases nothing for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) lookup(id string) (*memoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mr, ok := s.records[id]
	if !ok {
		return nil, execution.ErrNotFound
	}
	return mr, nil
}

func (s *MemoryStore) swap(id string, apply func(*execution.Record) bool) (bool, error) {
	mr, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	return apply(&mr.rec), nil
}

func finish(rec *execution.Record, completedAt time.Time) {
	rec.CompletedAt = &completedAt
	if rec.StartedAt != nil {
		rec.ExecutionTimeMs = completedAt.Sub(*rec.StartedAt).Milliseconds()
	}
}
