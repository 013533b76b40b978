package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/execution"
	"github.com/isdmx/runbox/health"
)

// Event is one execution lifecycle transition.
type Event struct {
	ExecutionID string           `json:"executionId"`
	AgentID     string           `json:"agentId"`
	Status      execution.Status `json:"status"`
	RetryCount  int              `json:"retryCount"`
	At          time.Time        `json:"at"`
}

// Publisher appends lifecycle events to a redis stream and answers the
// broker health probe and per-topic lag queries. A Publisher constructed
// without a redis client is a valid no-op.
type Publisher struct {
	client *redis.Client
	logger *zap.Logger
	stream string
	group  string
}

// New creates a publisher on the given stream prefix. Pass a nil client to
// disable publication.
func New(client *redis.Client, prefix, group string, logger *zap.Logger) (*Publisher, error) {
	p := &Publisher{
		client: client,
		logger: logger,
		stream: prefix + ":executions",
		group:  group,
	}
	if client == nil {
		return p, nil
	}

	// Pre-create the consumer group so lag is measurable before the first
	// consumer connects.
	res := client.XGroupCreateMkStream(context.Background(), p.stream, p.group, "0")
	if err := res.Err(); err != nil && !strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to ensure stream group: %w", err)
	}
	return p, nil
}

// Publish appends one event. Failures are logged and swallowed so a broker
// outage never fails an execution transition.
func (p *Publisher) Publish(ctx context.Context, event Event) {
	if p.client == nil {
		return
	}
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"execution_id": event.ExecutionID,
			"agent_id":     event.AgentID,
			"status":       string(event.Status),
			"retry_count":  event.RetryCount,
			"at":           event.At.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		p.logger.Warn("failed to publish lifecycle event",
			zap.String("execution_id", event.ExecutionID),
			zap.String("status", string(event.Status)),
			zap.Error(err))
	}
}

// Lag returns the per-topic consumer lag: entries added but not yet
// delivered to the consumer group, plus delivered-but-unacked entries.
func (p *Publisher) Lag(ctx context.Context) (map[string]int64, error) {
	if p.client == nil {
		return nil, nil
	}

	lag := make(map[string]int64)
	groups, err := p.client.XInfoGroups(ctx, p.stream).Result()
	if err != nil {
		// A stream that has never seen an event has no lag to report.
		if strings.Contains(err.Error(), "no such key") {
			return lag, nil
		}
		return nil, fmt.Errorf("failed to read stream groups: %w", err)
	}

	for _, g := range groups {
		if g.Name != p.group {
			continue
		}
		lag[p.stream] = g.Lag + g.Pending
	}
	return lag, nil
}

// Name implements health.Probe
func (p *Publisher) Name() string { return "broker" }

// IsAvailable implements health.Probe
func (p *Publisher) IsAvailable() bool { return p.client != nil }

// HealthCheck implements health.Probe with a stream length round trip
func (p *Publisher) HealthCheck(ctx context.Context) health.CheckResult {
	if p.client == nil {
		return health.CheckResult{Connected: false, Error: "not configured"}
	}
	start := time.Now()
	if err := p.client.XLen(ctx, p.stream).Err(); err != nil {
		return health.CheckResult{Connected: false, Error: err.Error()}
	}
	return health.CheckResult{Connected: true, LatencyMs: time.Since(start).Milliseconds()}
}
