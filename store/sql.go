package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq" // postgres driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // embedded sqlite driver

	"github.com/isdmx/runbox/agents"
	"github.com/isdmx/runbox/execution"
	"github.com/isdmx/runbox/health"
)

// Timestamps are stored as unix milliseconds so the schema is identical in
// meaning across sqlite and postgres.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS executions (
	id                TEXT PRIMARY KEY,
	agent_id          TEXT NOT NULL,
	submission_id     TEXT NOT NULL DEFAULT '',
	bounty_id         TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	input             TEXT,
	output            TEXT,
	logs              TEXT NOT NULL DEFAULT '',
	error_message     TEXT NOT NULL DEFAULT '',
	queued_at         INTEGER NOT NULL,
	started_at        INTEGER,
	completed_at      INTEGER,
	execution_time_ms INTEGER NOT NULL DEFAULT 0,
	timeout_ms        INTEGER NOT NULL,
	retry_count       INTEGER NOT NULL DEFAULT 0,
	max_retries       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_agent ON executions(agent_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);

CREATE TABLE IF NOT EXISTS agents (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL DEFAULT '',
	language     TEXT NOT NULL,
	source       TEXT NOT NULL,
	bundle       BLOB,
	input_schema TEXT
);`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS executions (
	id                TEXT PRIMARY KEY,
	agent_id          TEXT NOT NULL,
	submission_id     TEXT NOT NULL DEFAULT '',
	bounty_id         TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	input             TEXT,
	output            TEXT,
	logs              TEXT NOT NULL DEFAULT '',
	error_message     TEXT NOT NULL DEFAULT '',
	queued_at         BIGINT NOT NULL,
	started_at        BIGINT,
	completed_at      BIGINT,
	execution_time_ms BIGINT NOT NULL DEFAULT 0,
	timeout_ms        INTEGER NOT NULL,
	retry_count       INTEGER NOT NULL DEFAULT 0,
	max_retries       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_agent ON executions(agent_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);

CREATE TABLE IF NOT EXISTS agents (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL DEFAULT '',
	language     TEXT NOT NULL,
	source       TEXT NOT NULL,
	bundle       BYTEA,
	input_schema TEXT
);`

// SQLStore implements execution.Store and agents.Resolver over a relational
// database. It is also the readiness probe: the instance can accept traffic
// exactly when the primary database answers a ping.
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
}

// Open connects to the configured database and ensures the schema exists
func Open(driver, dsn string, logger *zap.Logger) (*SQLStore, error) {
	switch driver {
	case "sqlite":
		if dir := filepath.Dir(dsn); dir != "." && !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	case "postgres":
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite" {
		// The embedded driver serializes writes; a single connection avoids
		// SQLITE_BUSY under concurrent transitions.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLStore{db: db, driver: driver, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("database ready", zap.String("driver", driver))
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.driver == "postgres" {
		schema = postgresSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// rebind converts ?-style placeholders to $n for postgres
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Create persists a new record in status queued
func (s *SQLStore) Create(ctx context.Context, rec *execution.Record) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO executions
			(id, agent_id, submission_id, bounty_id, status, input, logs,
			 queued_at, timeout_ms, retry_count, max_retries)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.AgentID, rec.SubmissionID, rec.BountyID, string(rec.Status),
		nullString(string(rec.Input)), rec.Logs,
		rec.QueuedAt.UnixMilli(), rec.TimeoutMs, rec.RetryCount, rec.MaxRetries)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

const selectColumns = `
	id, agent_id, submission_id, bounty_id, status, input, output, logs,
	error_message, queued_at, started_at, completed_at, execution_time_ms,
	timeout_ms, retry_count, max_retries`

// Get returns the record or execution.ErrNotFound
func (s *SQLStore) Get(ctx context.Context, id string) (*execution.Record, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+selectColumns+` FROM executions WHERE id = ?`), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, execution.ErrNotFound
	}
	return rec, err
}

// ListByAgent returns the agent's records, most recent first. ULIDs are
// time-ordered, so id order is creation order.
func (s *SQLStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]*execution.Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+selectColumns+`
		FROM executions WHERE agent_id = ?
		ORDER BY id DESC LIMIT ?`), agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*execution.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListByStatus returns records in the status, oldest first
func (s *SQLStore) ListByStatus(ctx context.Context, status execution.Status, limit int) ([]*execution.Record, error) {
	query := `SELECT ` + selectColumns + ` FROM executions WHERE status = ? ORDER BY id ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions by status: %w", err)
	}
	defer rows.Close()

	var out []*execution.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountByStatus returns how many records are currently in the status
func (s *SQLStore) CountByStatus(ctx context.Context, status execution.Status) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM executions WHERE status = ?`),
		string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return count, nil
}

// MarkInitializing moves queued → initializing
func (s *SQLStore) MarkInitializing(ctx context.Context, id string) (bool, error) {
	return s.swap(ctx, `
		UPDATE executions SET status = 'initializing'
		WHERE id = ? AND status = 'queued'`, id)
}

// MarkRunning moves initializing → running and sets startedAt
func (s *SQLStore) MarkRunning(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	return s.swap(ctx, `
		UPDATE executions SET status = 'running', started_at = ?
		WHERE id = ? AND status = 'initializing'`, startedAt.UnixMilli(), id)
}

// Complete moves running → completed
func (s *SQLStore) Complete(ctx context.Context, id string, output json.RawMessage, logs string, completedAt time.Time) (bool, error) {
	ms, err := s.elapsedMs(ctx, id, completedAt)
	if err != nil {
		return false, err
	}
	return s.swap(ctx, `
		UPDATE executions
		SET status = 'completed', output = ?, logs = logs || ?,
		    completed_at = ?, execution_time_ms = ?
		WHERE id = ? AND status = 'running'`,
		nullString(string(output)), logs, completedAt.UnixMilli(), ms, id)
}

// Fail moves initializing|running → failed
func (s *SQLStore) Fail(ctx context.Context, id string, errMsg, logs string, completedAt time.Time) (bool, error) {
	ms, err := s.elapsedMs(ctx, id, completedAt)
	if err != nil {
		return false, err
	}
	return s.swap(ctx, `
		UPDATE executions
		SET status = 'failed', error_message = ?, logs = logs || ?,
		    completed_at = ?, execution_time_ms = ?
		WHERE id = ? AND status IN ('initializing', 'running')`,
		errMsg, logs, completedAt.UnixMilli(), ms, id)
}

// MarkTimeout moves running → timeout
func (s *SQLStore) MarkTimeout(ctx context.Context, id string, errMsg, logs string, completedAt time.Time) (bool, error) {
	ms, err := s.elapsedMs(ctx, id, completedAt)
	if err != nil {
		return false, err
	}
	return s.swap(ctx, `
		UPDATE executions
		SET status = 'timeout', error_message = ?, logs = logs || ?,
		    completed_at = ?, execution_time_ms = ?
		WHERE id = ? AND status = 'running'`,
		errMsg, logs, completedAt.UnixMilli(), ms, id)
}

// MarkCancelled moves queued|initializing|running → cancelled
func (s *SQLStore) MarkCancelled(ctx context.Context, id string, completedAt time.Time) (bool, error) {
	ms, err := s.elapsedMs(ctx, id, completedAt)
	if err != nil {
		return false, err
	}
	return s.swap(ctx, `
		UPDATE executions
		SET status = 'cancelled', completed_at = ?, execution_time_ms = ?
		WHERE id = ? AND status IN ('queued', 'initializing', 'running')`,
		completedAt.UnixMilli(), ms, id)
}

// Requeue moves failed|timeout|cancelled → queued while retry budget remains
func (s *SQLStore) Requeue(ctx context.Context, id string, queuedAt time.Time) (bool, error) {
	return s.swap(ctx, `
		UPDATE executions
		SET status = 'queued', retry_count = retry_count + 1,
		    output = NULL, error_message = '', started_at = NULL,
		    completed_at = NULL, execution_time_ms = 0, queued_at = ?
		WHERE id = ? AND status IN ('failed', 'timeout', 'cancelled')
		  AND retry_count < max_retries`,
		queuedAt.UnixMilli(), id)
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Resolve implements agents.Resolver from the agents table
func (s *SQLStore) Resolve(ctx context.Context, agentID string) (*agents.Agent, error) {
	var (
		agent  agents.Agent
		bundle []byte
		schema sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, name, language, source, bundle, input_schema
		FROM agents WHERE id = ?`), agentID).
		Scan(&agent.ID, &agent.Name, &agent.Language, &agent.Source, &bundle, &schema)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", agents.ErrUnknownAgent, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	agent.BundleTar = bundle
	if schema.Valid && schema.String != "" {
		agent.InputSchema = json.RawMessage(schema.String)
	}
	return &agent, nil
}

// SaveAgent inserts or replaces an agent bundle
func (s *SQLStore) SaveAgent(ctx context.Context, agent *agents.Agent) error {
	query := `
		INSERT INTO agents (id, name, language, source, bundle, input_schema)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, language = excluded.language,
			source = excluded.source, bundle = excluded.bundle,
			input_schema = excluded.input_schema`
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		agent.ID, agent.Name, agent.Language, agent.Source,
		agent.BundleTar, nullString(string(agent.InputSchema)))
	if err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}
	return nil
}

// Ping answers the readiness check with a database round trip
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Name implements health.Probe
func (s *SQLStore) Name() string { return "database" }

// IsAvailable implements health.Probe; the primary database is always
// configured.
func (s *SQLStore) IsAvailable() bool { return true }

// HealthCheck implements health.Probe
func (s *SQLStore) HealthCheck(ctx context.Context) health.CheckResult {
	start := time.Now()
	if err := s.db.PingContext(ctx); err != nil {
		return health.CheckResult{Connected: false, Error: err.Error()}
	}
	return health.CheckResult{Connected: true, LatencyMs: time.Since(start).Milliseconds()}
}

func (s *SQLStore) swap(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to apply transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		// Either the record is unknown or another writer won the swap;
		// distinguish so callers can surface ErrNotFound.
		var one int
		err := s.db.QueryRowContext(ctx,
			s.rebind(`SELECT 1 FROM executions WHERE id = ?`), lastArg(args)).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return false, execution.ErrNotFound
		}
		if err != nil {
			return false, fmt.Errorf("failed to check execution existence: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// elapsedMs computes completedAt - startedAt for the record. startedAt is
// immutable once running, so reading it before the swap is race-free.
func (s *SQLStore) elapsedMs(ctx context.Context, id string, completedAt time.Time) (int64, error) {
	var startedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT started_at FROM executions WHERE id = ?`), id).Scan(&startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, execution.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read started_at: %w", err)
	}
	if !startedAt.Valid {
		return 0, nil
	}
	return completedAt.UnixMilli() - startedAt.Int64, nil
}

func scanRecord(row interface{ Scan(...any) error }) (*execution.Record, error) {
	var (
		rec           execution.Record
		status        string
		input, output sql.NullString
		queuedAt      int64
		startedAt     sql.NullInt64
		completedAt   sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.AgentID, &rec.SubmissionID, &rec.BountyID,
		&status, &input, &output, &rec.Logs, &rec.ErrorMessage,
		&queuedAt, &startedAt, &completedAt, &rec.ExecutionTimeMs,
		&rec.TimeoutMs, &rec.RetryCount, &rec.MaxRetries)
	if err != nil {
		return nil, err
	}

	rec.Status = execution.Status(status)
	if input.Valid && input.String != "" {
		rec.Input = json.RawMessage(input.String)
	}
	if output.Valid && output.String != "" {
		rec.Output = json.RawMessage(output.String)
	}
	rec.QueuedAt = time.UnixMilli(queuedAt).UTC()
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64).UTC()
		rec.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		rec.CompletedAt = &t
	}
	return &rec, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// lastArg returns the trailing id argument of a transition query
func lastArg(args []any) any {
	return args[len(args)-1]
}
