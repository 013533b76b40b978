package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/agents"
	"github.com/isdmx/runbox/execution"
)

func openStores(t *testing.T) map[string]execution.Store {
	t.Helper()

	sqlStore, err := Open("sqlite", filepath.Join(t.TempDir(), "runbox.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })

	return map[string]execution.Store{
		"Memory": NewMemoryStore(),
		"SQLite": sqlStore,
	}
}

func newQueued(t *testing.T, s execution.Store, agentID string, maxRetries int) *execution.Record {
	t.Helper()
	rec := execution.NewRecord(agentID, json.RawMessage(`{"n":1}`), 30000, maxRetries)
	require.NoError(t, s.Create(context.Background(), rec))
	return rec
}

// driveToRunning walks a record through queued → initializing → running
func driveToRunning(t *testing.T, s execution.Store, id string) {
	t.Helper()
	ctx := context.Background()
	ok, err := s.MarkInitializing(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.MarkRunning(ctx, id, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStoreLifecycle(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newQueued(t, s, "agent-1", 3)

			got, err := s.Get(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, execution.StatusQueued, got.Status)
			assert.JSONEq(t, `{"n":1}`, string(got.Input))
			assert.Nil(t, got.StartedAt)

			driveToRunning(t, s, rec.ID)

			got, err = s.Get(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, execution.StatusRunning, got.Status)
			require.NotNil(t, got.StartedAt)

			completedAt := time.Now().UTC().Add(120 * time.Millisecond)
			ok, err := s.Complete(ctx, rec.ID, json.RawMessage(`{"out":true}`), "run log\n", completedAt)
			require.NoError(t, err)
			require.True(t, ok)

			got, err = s.Get(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, execution.StatusCompleted, got.Status)
			assert.JSONEq(t, `{"out":true}`, string(got.Output))
			assert.Contains(t, got.Logs, "run log")
			require.NotNil(t, got.CompletedAt)
			assert.GreaterOrEqual(t, got.ExecutionTimeMs, int64(0))
		})
	}
}

func TestStoreGetUnknown(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "01XXXXXXXXXXXXXXXXXXXXXXXX")
			assert.ErrorIs(t, err, execution.ErrNotFound)
		})
	}
}

func TestStoreConditionalSwapLosesCleanly(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newQueued(t, s, "agent-1", 3)
			driveToRunning(t, s, rec.ID)

			now := time.Now().UTC()
			won, err := s.MarkCancelled(ctx, rec.ID, now)
			require.NoError(t, err)
			require.True(t, won)

			// The losing writers are no-ops, not errors.
			ok, err := s.Complete(ctx, rec.ID, json.RawMessage(`{}`), "", now)
			require.NoError(t, err)
			assert.False(t, ok)
			ok, err = s.MarkTimeout(ctx, rec.ID, "too slow", "", now)
			require.NoError(t, err)
			assert.False(t, ok)

			got, err := s.Get(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, execution.StatusCancelled, got.Status)
			assert.Empty(t, got.Output, "output must never be set off the completed path")
		})
	}
}

func TestStoreRequeue(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newQueued(t, s, "agent-1", 1)
			driveToRunning(t, s, rec.ID)

			now := time.Now().UTC()
			ok, err := s.MarkTimeout(ctx, rec.ID, "deadline exceeded", "attempt log\n", now)
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = s.Requeue(ctx, rec.ID, now.Add(time.Second))
			require.NoError(t, err)
			require.True(t, ok)

			got, err := s.Get(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, execution.StatusQueued, got.Status)
			assert.Equal(t, 1, got.RetryCount)
			assert.Empty(t, got.ErrorMessage)
			assert.Nil(t, got.StartedAt)
			assert.Nil(t, got.CompletedAt)
			assert.Contains(t, got.Logs, "attempt log", "logs survive a requeue")

			// Budget exhausted: the next requeue must lose.
			driveToRunning(t, s, rec.ID)
			ok, err = s.MarkTimeout(ctx, rec.ID, "deadline exceeded", "", now)
			require.NoError(t, err)
			require.True(t, ok)
			ok, err = s.Requeue(ctx, rec.ID, now)
			require.NoError(t, err)
			assert.False(t, ok)

			got, err = s.Get(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, execution.StatusTimeout, got.Status)
			assert.Equal(t, 1, got.RetryCount)
		})
	}
}

func TestStoreRequeueRejectsCompleted(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newQueued(t, s, "agent-1", 3)
			driveToRunning(t, s, rec.ID)
			ok, err := s.Complete(ctx, rec.ID, json.RawMessage(`{}`), "", time.Now().UTC())
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = s.Requeue(ctx, rec.ID, time.Now().UTC())
			require.NoError(t, err)
			assert.False(t, ok, "completed records are not retriable")
		})
	}
}

func TestStoreListByAgent(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := newQueued(t, s, "agent-1", 3)
			second := newQueued(t, s, "agent-1", 3)
			newQueued(t, s, "agent-2", 3)

			list, err := s.ListByAgent(ctx, "agent-1", 0)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, second.ID, list[0].ID, "most recent first")
			assert.Equal(t, first.ID, list[1].ID)

			list, err = s.ListByAgent(ctx, "agent-1", 1)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, second.ID, list[0].ID)
		})
	}
}

func TestStoreListByStatus(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := newQueued(t, s, "agent-1", 3)
			second := newQueued(t, s, "agent-1", 3)
			running := newQueued(t, s, "agent-1", 3)
			driveToRunning(t, s, running.ID)

			queued, err := s.ListByStatus(ctx, execution.StatusQueued, 0)
			require.NoError(t, err)
			require.Len(t, queued, 2)
			assert.Equal(t, first.ID, queued[0].ID, "oldest first")
			assert.Equal(t, second.ID, queued[1].ID)

			runs, err := s.ListByStatus(ctx, execution.StatusRunning, 0)
			require.NoError(t, err)
			require.Len(t, runs, 1)
			assert.Equal(t, running.ID, runs[0].ID)

			limited, err := s.ListByStatus(ctx, execution.StatusQueued, 1)
			require.NoError(t, err)
			require.Len(t, limited, 1)
			assert.Equal(t, first.ID, limited[0].ID)
		})
	}
}

func TestStoreCountByStatus(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			newQueued(t, s, "agent-1", 3)
			newQueued(t, s, "agent-1", 3)
			rec := newQueued(t, s, "agent-1", 3)
			driveToRunning(t, s, rec.ID)

			queued, err := s.CountByStatus(ctx, execution.StatusQueued)
			require.NoError(t, err)
			assert.Equal(t, 2, queued)

			running, err := s.CountByStatus(ctx, execution.StatusRunning)
			require.NoError(t, err)
			assert.Equal(t, 1, running)
		})
	}
}

func TestSQLStoreAgents(t *testing.T) {
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "runbox.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	agent := &agents.Agent{
		ID:          "agent-1",
		Name:        "summarizer",
		Language:    "python",
		Source:      "print('hi')",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}
	require.NoError(t, s.SaveAgent(ctx, agent))

	got, err := s.Resolve(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "summarizer", got.Name)
	assert.Equal(t, "python", got.Language)
	assert.JSONEq(t, `{"type":"object"}`, string(got.InputSchema))

	// Upsert replaces in place.
	agent.Source = "print('v2')"
	require.NoError(t, s.SaveAgent(ctx, agent))
	got, err = s.Resolve(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "print('v2')", got.Source)

	_, err = s.Resolve(ctx, "agent-404")
	assert.ErrorIs(t, err, agents.ErrUnknownAgent)
}

func TestSQLStoreHealth(t *testing.T) {
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "runbox.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "database", s.Name())
	assert.True(t, s.IsAvailable())
	require.NoError(t, s.Ping(context.Background()))

	result := s.HealthCheck(context.Background())
	assert.True(t, result.Connected)
	assert.Empty(t, result.Error)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "dsn", zaptest.NewLogger(t))
	require.Error(t, err)
}
