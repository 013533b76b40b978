package health

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/flags"
	"github.com/isdmx/runbox/pool"
)

// Overall status values
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

const probeTimeout = 2 * time.Second

// Pinger answers the readiness check; the primary database implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LagSource reports per-topic consumer lag when a broker is configured.
type LagSource interface {
	IsAvailable() bool
	Lag(ctx context.Context) (map[string]int64, error)
}

// DependencyStatus is one dependency's slice of the liveness report.
type DependencyStatus struct {
	Configured bool `json:"configured"`
	CheckResult
	LatencySampled time.Time `json:"-"`
}

// RuntimeInfo describes the serving process.
type RuntimeInfo struct {
	GoVersion  string `json:"goVersion"`
	Goroutines int    `json:"goroutines"`
	AllocBytes uint64 `json:"allocBytes"`
	SysBytes   uint64 `json:"sysBytes"`
	UptimeSec  int64  `json:"uptimeSec"`
}

// Report is the full liveness payload.
type Report struct {
	Status       string                      `json:"status"`
	Time         time.Time                   `json:"time"`
	Runtime      RuntimeInfo                 `json:"runtime"`
	Dependencies map[string]DependencyStatus `json:"dependencies"`
	Pool         pool.Stats                  `json:"pool"`
	Flags        map[string]bool             `json:"flags"`
}

// Degraded reports whether the liveness payload maps to a non-2xx status
func (r *Report) Degraded() bool {
	return r.Status != StatusHealthy
}

// Aggregator answers the three operational questions without mutating any
// state. Construct once with every configured probe.
type Aggregator struct {
	logger    *zap.Logger
	probes    []Probe
	pool      *pool.Pool
	flags     *flags.Flags
	readiness Pinger
	lag       LagSource
	extra     []MetricsSource
	startedAt time.Time
}

// NewAggregator creates the aggregator over the configured probes
func NewAggregator(logger *zap.Logger, probes []Probe, p *pool.Pool, f *flags.Flags, readiness Pinger, lag LagSource, extra ...MetricsSource) *Aggregator {
	return &Aggregator{
		logger:    logger,
		probes:    probes,
		pool:      p,
		flags:     f,
		readiness: readiness,
		lag:       lag,
		extra:     extra,
		startedAt: time.Now(),
	}
}

// Liveness probes every dependency in parallel and assembles the full
// diagnostic report. Probes are isolated: one failing, hanging or panicking
// probe affects only its own entry.
func (a *Aggregator) Liveness(ctx context.Context) *Report {
	deps := make(map[string]DependencyStatus, len(a.probes))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, probe := range a.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			status := a.checkOne(ctx, p)
			mu.Lock()
			deps[p.Name()] = status
			mu.Unlock()
		}(probe)
	}
	wg.Wait()

	overall := StatusHealthy
	for _, dep := range deps {
		// Unconfigured dependencies are healthy by absence.
		if dep.Configured && !dep.Connected {
			overall = StatusDegraded
			break
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return &Report{
		Status: overall,
		Time:   time.Now().UTC(),
		Runtime: RuntimeInfo{
			GoVersion:  runtime.Version(),
			Goroutines: runtime.NumGoroutine(),
			AllocBytes: mem.Alloc,
			SysBytes:   mem.Sys,
			UptimeSec:  int64(time.Since(a.startedAt).Seconds()),
		},
		Dependencies: deps,
		Pool:         a.pool.Stats(),
		Flags:        a.flags.Snapshot(),
	}
}

// Ready answers the readiness check with a single database round trip
func (a *Aggregator) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := a.readiness.Ping(ctx); err != nil {
		return fmt.Errorf("database not reachable: %w", err)
	}
	return nil
}

func (a *Aggregator) checkOne(ctx context.Context, probe Probe) (status DependencyStatus) {
	status.Configured = probe.IsAvailable()
	if !status.Configured {
		return status
	}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("health probe panicked",
				zap.String("probe", probe.Name()), zap.Any("panic", r))
			status.Connected = false
			status.Error = fmt.Sprintf("probe panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	status.CheckResult = probe.HealthCheck(ctx)
	status.LatencySampled = time.Now()
	return status
}
