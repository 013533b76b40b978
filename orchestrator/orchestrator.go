package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/agents"
	"github.com/isdmx/runbox/execution"
	"github.com/isdmx/runbox/pool"
	"github.com/isdmx/runbox/sandbox"
	"github.com/isdmx/runbox/stream"
)

// acquireRecheckInterval bounds how stale a queued record's status can get
// while its worker waits for a warm instance.
var acquireRecheckInterval = 500 * time.Millisecond

const archiveTimeout = 10 * time.Second

// Config holds scheduling knobs.
type Config struct {
	Workers        int
	QueueDepth     int
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxRetries     int
	CancelGrace    time.Duration
}

// SubmitRequest describes one execution submission.
type SubmitRequest struct {
	AgentID      string          `json:"agentId"`
	SubmissionID string          `json:"submissionId,omitempty"`
	BountyID     string          `json:"bountyId,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	TimeoutMs    int             `json:"timeoutMs,omitempty"`
}

// EventSink receives lifecycle events; stream.Publisher implements it.
type EventSink interface {
	Publish(ctx context.Context, event stream.Event)
}

// Archiver receives terminal logs and artifacts; objectstore.Client
// implements it.
type Archiver interface {
	ArchiveLogs(ctx context.Context, executionID, logs string) error
	ArchiveArtifacts(ctx context.Context, executionID string, artifactsTar []byte) error
}

// Orchestrator owns the dispatch queue, the workers and the per-run
// watchdogs.
type Orchestrator struct {
	store     execution.Store
	resolver  agents.Resolver
	pool      *pool.Pool
	languages sandbox.Languages
	events    EventSink
	archive   Archiver
	logger    *zap.Logger
	cfg       Config

	queue chan string
	// queued is the admission counter. It is reserved before a record is
	// created and released when a worker dequeues, so it never exceeds
	// QueueDepth and the buffered channel send below never blocks.
	queued atomic.Int64

	// cancels maps a running execution id to its attempt-context cancel,
	// letting Cancel stop the harness cooperatively.
	cancels sync.Map

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates an orchestrator. Call Start to launch the workers.
func New(store execution.Store, resolver agents.Resolver, p *pool.Pool, languages sandbox.Languages, events EventSink, archive Archiver, logger *zap.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:     store,
		resolver:  resolver,
		pool:      p,
		languages: languages,
		events:    events,
		archive:   archive,
		logger:    logger,
		cfg:       cfg,
		queue:     make(chan string, cfg.QueueDepth),
		done:      make(chan struct{}),
	}
}

// Start rebuilds the dispatch queue from the durable store, then launches
// the worker goroutines.
func (o *Orchestrator) Start() {
	o.recoverBacklog()
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
}

// recoverBacklog re-adopts records a previous process left behind. Orphaned
// initializing/running records are failed (their instances died with the
// process; the failure stays retriable). Queued records are re-enqueued in
// id order, up to the admission budget.
func (o *Orchestrator) recoverBacklog() {
	ctx := context.Background()

	for _, status := range []execution.Status{execution.StatusInitializing, execution.StatusRunning} {
		recs, err := o.store.ListByStatus(ctx, status, 0)
		if err != nil {
			o.logger.Error("failed to scan orphaned executions",
				zap.String("status", string(status)), zap.Error(err))
			continue
		}
		for _, rec := range recs {
			swapped, err := o.store.Fail(ctx, rec.ID,
				"execution interrupted: orchestrator restarted mid-run", "", time.Now().UTC())
			o.logSwap("fail", rec.ID, swapped, err)
			if swapped {
				o.publish(rec.ID, rec.AgentID, execution.StatusFailed, rec.RetryCount)
			}
		}
	}

	recs, err := o.store.ListByStatus(ctx, execution.StatusQueued, 0)
	if err != nil {
		o.logger.Error("failed to scan queued backlog", zap.Error(err))
		return
	}
	for i, rec := range recs {
		if !o.reserve() {
			o.logger.Warn("queued backlog exceeds queue depth, leaving remainder queued",
				zap.Int("remaining", len(recs)-i))
			break
		}
		o.queue <- rec.ID
	}
	if len(recs) > 0 {
		o.logger.Info("recovered queued backlog", zap.Int("records", len(recs)))
	}
}

// Stop stops dispatching and waits for in-flight runs, bounded by the cancel
// grace period. Queued records stay queued; the next Start re-adopts them.
func (o *Orchestrator) Stop() {
	close(o.done)

	finished := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(o.cfg.CancelGrace):
		o.logger.Warn("shutdown grace expired with runs still in flight")
	}
}

// Submit validates, persists and enqueues a new execution. It never blocks:
// a full queue is rejected with ErrCapacityExceeded.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*execution.Record, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("%w: agentId is required", execution.ErrInvalidInput)
	}

	agent, err := o.resolver.Resolve(ctx, req.AgentID)
	if err != nil {
		if errors.Is(err, agents.ErrUnknownAgent) {
			return nil, fmt.Errorf("%w: %s", execution.ErrAgentNotFound, req.AgentID)
		}
		return nil, fmt.Errorf("failed to resolve agent: %w", err)
	}
	if len(req.Input) > 0 {
		if err := agents.ValidateInput(agent, req.Input); err != nil {
			return nil, fmt.Errorf("%w: %v", execution.ErrInvalidInput, err)
		}
	}

	if !o.reserve() {
		return nil, execution.ErrCapacityExceeded
	}

	rec := execution.NewRecord(req.AgentID, req.Input, o.clampTimeout(req.TimeoutMs), o.cfg.MaxRetries)
	rec.SubmissionID = req.SubmissionID
	rec.BountyID = req.BountyID

	if err := o.store.Create(ctx, rec); err != nil {
		o.release()
		return nil, fmt.Errorf("failed to persist execution: %w", err)
	}

	o.publish(rec.ID, rec.AgentID, execution.StatusQueued, rec.RetryCount)
	o.queue <- rec.ID
	return rec, nil
}

// Cancel stops an execution. Queued records are cancelled in place; running
// records get a cooperative stop and their instance is discarded. Cancelling
// an already-terminal record is an idempotent no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*execution.Record, error) {
	rec, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, nil
	}

	swapped, err := o.store.MarkCancelled(ctx, id, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if swapped {
		o.publish(id, rec.AgentID, execution.StatusCancelled, rec.RetryCount)
		if cancel, ok := o.cancels.Load(id); ok {
			cancel.(context.CancelFunc)()
		}
	}

	return o.store.Get(ctx, id)
}

// Retry re-queues a failed, timed-out or cancelled record under its original
// id, consuming one unit of its retry budget.
func (o *Orchestrator) Retry(ctx context.Context, id string) (*execution.Record, error) {
	rec, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Status.Retriable() {
		return nil, &execution.TransitionError{ID: id, From: rec.Status, To: execution.StatusQueued}
	}
	if rec.RetryCount >= rec.MaxRetries {
		return nil, fmt.Errorf("%w: %d of %d retries used", execution.ErrRetryExhausted, rec.RetryCount, rec.MaxRetries)
	}

	if !o.reserve() {
		return nil, execution.ErrCapacityExceeded
	}

	swapped, err := o.store.Requeue(ctx, id, time.Now().UTC())
	if err != nil {
		o.release()
		return nil, err
	}
	if !swapped {
		// Another caller retried or the record changed underneath us.
		o.release()
		return nil, &execution.TransitionError{ID: id, From: rec.Status, To: execution.StatusQueued}
	}

	rec, err = o.store.Get(ctx, id)
	if err != nil {
		o.release()
		return nil, err
	}

	o.publish(id, rec.AgentID, execution.StatusQueued, rec.RetryCount)
	o.queue <- id
	return rec, nil
}

// Get returns the execution record or execution.ErrNotFound
func (o *Orchestrator) Get(ctx context.Context, id string) (*execution.Record, error) {
	return o.store.Get(ctx, id)
}

// ListByAgent returns the agent's executions, most recent first
func (o *Orchestrator) ListByAgent(ctx context.Context, agentID string, limit int) ([]*execution.Record, error) {
	return o.store.ListByAgent(ctx, agentID, limit)
}

func (o *Orchestrator) clampTimeout(timeoutMs int) int {
	if timeoutMs <= 0 {
		return int(o.cfg.DefaultTimeout / time.Millisecond)
	}
	if max := int(o.cfg.MaxTimeout / time.Millisecond); timeoutMs > max {
		return max
	}
	return timeoutMs
}

func (o *Orchestrator) reserve() bool {
	for {
		n := o.queued.Load()
		if n >= int64(o.cfg.QueueDepth) {
			return false
		}
		if o.queued.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (o *Orchestrator) release() {
	o.queued.Add(-1)
}

func (o *Orchestrator) publish(id, agentID string, status execution.Status, retryCount int) {
	if o.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	o.events.Publish(ctx, stream.Event{
		ExecutionID: id,
		AgentID:     agentID,
		Status:      status,
		RetryCount:  retryCount,
		At:          time.Now().UTC(),
	})
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.done:
			return
		case id := <-o.queue:
			o.release()
			o.run(id)
		}
	}
}

// run drives one dequeued record through a full attempt.
func (o *Orchestrator) run(id string) {
	ctx := context.Background()

	rec, err := o.store.Get(ctx, id)
	if err != nil {
		o.logger.Error("dequeued unknown execution", zap.String("execution", id), zap.Error(err))
		return
	}
	// Cancelled-while-queued never claims an instance.
	if rec.Status != execution.StatusQueued {
		return
	}

	lease := o.acquireFor(id)
	if lease == nil {
		return
	}

	swapped, err := o.store.MarkInitializing(ctx, id)
	if err != nil || !swapped {
		// Cancelled while waiting for an instance; the untouched instance
		// goes straight back.
		o.pool.Release(lease, true)
		return
	}
	o.publish(id, rec.AgentID, execution.StatusInitializing, rec.RetryCount)

	agent, err := o.resolver.Resolve(ctx, rec.AgentID)
	if err != nil {
		o.failInitializing(ctx, rec, lease, fmt.Sprintf("agent bundle not resolvable: %v", err))
		return
	}
	lang, ok := o.languages[agent.Language]
	if !ok {
		o.failInitializing(ctx, rec, lease, fmt.Sprintf("no harness configured for language %q", agent.Language))
		return
	}

	// The cancel func must be registered before the record turns running, so
	// a Cancel that wins the running→cancelled swap always finds it and never
	// leaves the harness ticking out its full timeout.
	timeout := time.Duration(rec.TimeoutMs) * time.Millisecond
	runCtx, cancelRun := context.WithTimeout(context.Background(), timeout)
	o.cancels.Store(id, cancelRun)

	startedAt := time.Now().UTC()
	swapped, err = o.store.MarkRunning(ctx, id, startedAt)
	if err != nil || !swapped {
		o.cancels.Delete(id)
		cancelRun()
		o.pool.Release(lease, true)
		return
	}
	o.publish(id, rec.AgentID, execution.StatusRunning, rec.RetryCount)

	o.execute(rec, agent, lang, lease, runCtx, cancelRun)
}

// execute runs the harness under the timeout watchdog and settles the record.
func (o *Orchestrator) execute(rec *execution.Record, agent *agents.Agent, lang sandbox.Language, lease *pool.Lease, runCtx context.Context, cancel context.CancelFunc) {
	ctx := context.Background()

	defer func() {
		o.cancels.Delete(rec.ID)
		cancel()
	}()

	result, execErr := lease.Instance().Exec(runCtx, sandbox.ExecSpec{
		Language:  agent.Language,
		Code:      agent.Source,
		BundleTar: agent.BundleTar,
		Input:     rec.Input,
		Env:       lang.Environment,
	})

	completedAt := time.Now().UTC()
	logs := combineLogs(result)

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		// Watchdog fired. The instance may still be running agent code, so
		// it is destroyed rather than recycled.
		swapped, err := o.store.MarkTimeout(ctx, rec.ID,
			fmt.Sprintf("execution exceeded %dms budget", rec.TimeoutMs), logs, completedAt)
		o.logSwap("timeout", rec.ID, swapped, err)
		if swapped {
			o.publish(rec.ID, rec.AgentID, execution.StatusTimeout, rec.RetryCount)
		}
		o.pool.Release(lease, false)

	case errors.Is(runCtx.Err(), context.Canceled):
		// Cooperative stop: Cancel already owns the terminal transition and
		// the event; this path only disposes of the instance.
		o.pool.Release(lease, false)

	case execErr != nil:
		swapped, err := o.store.Fail(ctx, rec.ID,
			fmt.Sprintf("sandbox execution failed: %v", execErr), logs, completedAt)
		o.logSwap("fail", rec.ID, swapped, err)
		if swapped {
			o.publish(rec.ID, rec.AgentID, execution.StatusFailed, rec.RetryCount)
		}
		o.pool.Release(lease, false)

	case result.ExitCode != 0:
		swapped, err := o.store.Fail(ctx, rec.ID,
			fmt.Sprintf("agent exited with code %d", result.ExitCode), logs, completedAt)
		o.logSwap("fail", rec.ID, swapped, err)
		if swapped {
			o.publish(rec.ID, rec.AgentID, execution.StatusFailed, rec.RetryCount)
		}
		o.pool.Release(lease, true)

	case len(result.Output) == 0 || !json.Valid(result.Output):
		swapped, err := o.store.Fail(ctx, rec.ID,
			"agent produced no result: exit 0 without well-formed output", logs, completedAt)
		o.logSwap("fail", rec.ID, swapped, err)
		if swapped {
			o.publish(rec.ID, rec.AgentID, execution.StatusFailed, rec.RetryCount)
		}
		o.pool.Release(lease, true)

	default:
		swapped, err := o.store.Complete(ctx, rec.ID, result.Output, logs, completedAt)
		o.logSwap("complete", rec.ID, swapped, err)
		if swapped {
			o.publish(rec.ID, rec.AgentID, execution.StatusCompleted, rec.RetryCount)
		}
		o.pool.Release(lease, true)
	}

	o.archiveAsync(rec.ID, logs, result.ArtifactsTar)
}

// acquireFor waits for a warm instance, giving up on shutdown or when the
// record stops being queued (cancelled while waiting).
func (o *Orchestrator) acquireFor(id string) *pool.Lease {
	ticker := time.NewTicker(acquireRecheckInterval)
	defer ticker.Stop()

	for {
		if lease := o.pool.Acquire(); lease != nil {
			return lease
		}

		select {
		case <-o.done:
			return nil
		case <-o.pool.AvailableCh():
		case <-ticker.C:
			rec, err := o.store.Get(context.Background(), id)
			if err != nil || rec.Status != execution.StatusQueued {
				return nil
			}
		}
	}
}

func (o *Orchestrator) failInitializing(ctx context.Context, rec *execution.Record, lease *pool.Lease, msg string) {
	swapped, err := o.store.Fail(ctx, rec.ID, msg, "", time.Now().UTC())
	o.logSwap("fail", rec.ID, swapped, err)
	if swapped {
		o.publish(rec.ID, rec.AgentID, execution.StatusFailed, rec.RetryCount)
	}
	o.pool.Release(lease, true)
}

// archiveAsync ships terminal logs and artifacts to the object store. Best
// effort: archive failures are logged, never reflected on the record.
func (o *Orchestrator) archiveAsync(id, logs string, artifactsTar []byte) {
	if o.archive == nil {
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()

		if logs != "" {
			if err := o.archive.ArchiveLogs(ctx, id, logs); err != nil {
				o.logger.Warn("log archival failed", zap.String("execution", id), zap.Error(err))
			}
		}
		if len(artifactsTar) > 0 {
			if err := o.archive.ArchiveArtifacts(ctx, id, artifactsTar); err != nil {
				o.logger.Warn("artifact archival failed", zap.String("execution", id), zap.Error(err))
			}
		}
	}()
}

func (o *Orchestrator) logSwap(transition, id string, swapped bool, err error) {
	if err != nil {
		o.logger.Error("transition failed",
			zap.String("transition", transition), zap.String("execution", id), zap.Error(err))
		return
	}
	if !swapped {
		o.logger.Debug("transition lost to a concurrent writer",
			zap.String("transition", transition), zap.String("execution", id))
	}
}

func combineLogs(result sandbox.ExecResult) string {
	var b strings.Builder
	if result.Stdout != "" {
		b.WriteString(result.Stdout)
		if !strings.HasSuffix(result.Stdout, "\n") {
			b.WriteByte('\n')
		}
	}
	if result.Stderr != "" {
		b.WriteString(result.Stderr)
		if !strings.HasSuffix(result.Stderr, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
