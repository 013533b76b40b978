package health

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/flags"
	"github.com/isdmx/runbox/pool"
	"github.com/isdmx/runbox/sandbox"
)

type stubProbe struct {
	name      string
	available bool
	result    CheckResult
	delay     time.Duration
	panics    bool
}

func (p stubProbe) Name() string      { return p.name }
func (p stubProbe) IsAvailable() bool { return p.available }

func (p stubProbe) HealthCheck(ctx context.Context) CheckResult {
	if p.panics {
		panic("probe exploded")
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return CheckResult{Connected: false, Error: ctx.Err().Error()}
		}
	}
	return p.result
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type stubLag struct {
	available bool
	lag       map[string]int64
	err       error
}

func (s stubLag) IsAvailable() bool { return s.available }
func (s stubLag) Lag(context.Context) (map[string]int64, error) {
	return s.lag, s.err
}

type noopBackend struct{}

func (noopBackend) Name() string { return "noop" }
func (noopBackend) Provision(context.Context) (sandbox.Instance, error) {
	return nil, errors.New("not provisioning in tests")
}

func newTestAggregator(t *testing.T, probes []Probe, pinger Pinger, lag LagSource, extra ...MetricsSource) *Aggregator {
	t.Helper()
	p := pool.New(noopBackend{}, zaptest.NewLogger(t), pool.Config{MaxSize: 4})
	f := flags.New(map[string]bool{"artifact_archival": true, "payments": false})
	return NewAggregator(zaptest.NewLogger(t), probes, p, f, pinger, lag, extra...)
}

func TestLivenessAllHealthy(t *testing.T) {
	probes := []Probe{
		stubProbe{name: "database", available: true, result: CheckResult{Connected: true, LatencyMs: 3}},
		stubProbe{name: "cache", available: true, result: CheckResult{Connected: true, LatencyMs: 1}},
	}
	agg := newTestAggregator(t, probes, stubPinger{}, nil)

	report := agg.Liveness(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.False(t, report.Degraded())
	assert.Len(t, report.Dependencies, 2)
	assert.True(t, report.Dependencies["database"].Connected)
	assert.Equal(t, int64(3), report.Dependencies["database"].LatencyMs)
	assert.NotEmpty(t, report.Runtime.GoVersion)
	assert.Equal(t, 4, report.Pool.MaxSize)
	assert.True(t, report.Flags["artifact_archival"])
}

func TestLivenessUnconfiguredIsHealthyByAbsence(t *testing.T) {
	probes := []Probe{
		stubProbe{name: "database", available: true, result: CheckResult{Connected: true}},
		stubProbe{name: "cache", available: false},
		stubProbe{name: "objectstore", available: false},
	}
	agg := newTestAggregator(t, probes, stubPinger{}, nil)

	report := agg.Liveness(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.False(t, report.Dependencies["cache"].Configured)
	assert.False(t, report.Dependencies["cache"].Connected)
}

func TestLivenessConfiguredButDownDegrades(t *testing.T) {
	probes := []Probe{
		stubProbe{name: "database", available: true, result: CheckResult{Connected: true}},
		stubProbe{name: "cache", available: true, result: CheckResult{Connected: false, Error: "connection refused"}},
	}
	agg := newTestAggregator(t, probes, stubPinger{}, nil)

	report := agg.Liveness(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.True(t, report.Degraded())
	assert.Equal(t, "connection refused", report.Dependencies["cache"].Error)
	// The healthy dependency is still reported.
	assert.True(t, report.Dependencies["database"].Connected)
}

func TestLivenessIsolatesPanickingProbe(t *testing.T) {
	probes := []Probe{
		stubProbe{name: "database", available: true, result: CheckResult{Connected: true}},
		stubProbe{name: "broker", available: true, panics: true},
	}
	agg := newTestAggregator(t, probes, stubPinger{}, nil)

	report := agg.Liveness(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.True(t, report.Dependencies["database"].Connected)
	assert.Contains(t, report.Dependencies["broker"].Error, "probe panic")
}

func TestLivenessProbesRunInParallel(t *testing.T) {
	const delay = 120 * time.Millisecond
	probes := []Probe{
		stubProbe{name: "a", available: true, delay: delay, result: CheckResult{Connected: true}},
		stubProbe{name: "b", available: true, delay: delay, result: CheckResult{Connected: true}},
		stubProbe{name: "c", available: true, delay: delay, result: CheckResult{Connected: true}},
	}
	agg := newTestAggregator(t, probes, stubPinger{}, nil)

	start := time.Now()
	report := agg.Liveness(context.Background())
	assert.Less(t, time.Since(start), 3*delay, "probes must not run sequentially")
	assert.Equal(t, StatusHealthy, report.Status)
}

func TestReady(t *testing.T) {
	agg := newTestAggregator(t, nil, stubPinger{}, nil)
	assert.NoError(t, agg.Ready(context.Background()))

	agg = newTestAggregator(t, nil, stubPinger{err: errors.New("dial tcp: refused")}, nil)
	err := agg.Ready(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database not reachable")
}

type staticSource string

func (s staticSource) WriteMetrics(w io.Writer) { _, _ = io.WriteString(w, string(s)) }

func TestMetricsExposition(t *testing.T) {
	probes := []Probe{
		stubProbe{name: "database", available: true, result: CheckResult{Connected: true, LatencyMs: 2}},
		stubProbe{name: "cache", available: true, result: CheckResult{Connected: false, Error: "down"}},
		stubProbe{name: "objectstore", available: false},
	}
	lag := stubLag{available: true, lag: map[string]int64{"runbox:executions": 7}}
	extra := staticSource("runbox_http_requests_total 42\n")
	agg := newTestAggregator(t, probes, stubPinger{}, lag, extra)

	out := agg.Metrics(context.Background())

	assert.Contains(t, out, "runbox_up 0\n", "cache down degrades the up gauge")
	assert.Contains(t, out, `runbox_component_healthy{component="database"} 1`)
	assert.Contains(t, out, `runbox_component_healthy{component="cache"} 0`)
	assert.NotContains(t, out, `component="objectstore"`, "unconfigured deps are omitted")
	assert.Contains(t, out, `runbox_component_latency_ms{component="database"} 2`)
	assert.NotContains(t, out, `runbox_component_latency_ms{component="cache"}`)
	assert.Contains(t, out, "runbox_pool_max_size 4")
	assert.Contains(t, out, `runbox_feature_flag_enabled{flag="artifact_archival"} 1`)
	assert.Contains(t, out, `runbox_feature_flag_enabled{flag="payments"} 0`)
	assert.Contains(t, out, `runbox_stream_consumer_lag{topic="runbox:executions"} 7`)
	assert.Contains(t, out, "runbox_http_requests_total 42")
	assert.Contains(t, out, "runbox_goroutines ")
	assert.Contains(t, out, "runbox_process_memory_alloc_bytes ")

	// Every metric carries HELP and TYPE headers.
	assert.Equal(t, strings.Count(out, "# HELP"), strings.Count(out, "# TYPE"))
}

func TestMetricsOmitsLagWhenUnconfigured(t *testing.T) {
	agg := newTestAggregator(t, nil, stubPinger{}, stubLag{available: false})
	out := agg.Metrics(context.Background())
	assert.NotContains(t, out, "runbox_stream_consumer_lag")

	agg = newTestAggregator(t, nil, stubPinger{}, stubLag{available: true, err: errors.New("boom")})
	out = agg.Metrics(context.Background())
	assert.NotContains(t, out, "runbox_stream_consumer_lag")
}
