package pool

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/sandbox"
)

// Config holds pool sizing and lifecycle budgets.
type Config struct {
	MaxSize          int
	MaxUses          int
	ProvisionTimeout time.Duration
	ResetTimeout     time.Duration
}

// Stats is a cheap read-only snapshot for the health aggregator.
type Stats struct {
	Size      int `json:"size"`
	Available int `json:"available"`
	MaxSize   int `json:"maxSize"`
}

// Lease is one checked-out instance. The holder runs against the instance
// and must hand it back through Release exactly once.
type Lease struct {
	entry *entry
}

// Instance returns the leased sandbox instance
func (l *Lease) Instance() sandbox.Instance {
	return l.entry.inst
}

// ID returns the leased instance's id
func (l *Lease) ID() string {
	return l.entry.inst.ID()
}

type entry struct {
	inst      sandbox.Instance
	createdAt time.Time
	useCount  int
}

// Pool is the bounded warm set. All checkout/checkin goes through a single
// mutex over the idle list; Stats reads atomics only.
type Pool struct {
	backend sandbox.Backend
	logger  *zap.Logger
	cfg     Config

	mu     sync.Mutex
	idle   []*entry
	closed bool

	size      atomic.Int64 // provisioned instances, idle + leased
	available atomic.Int64 // idle instances

	wake        chan struct{} // replenisher kick
	availableCh chan struct{} // consumer notification
	done        chan struct{}
	wg          sync.WaitGroup
}

// New creates a pool over the backend. Call Start to begin replenishment.
func New(backend sandbox.Backend, logger *zap.Logger, cfg Config) *Pool {
	return &Pool{
		backend:     backend,
		logger:      logger,
		cfg:         cfg,
		wake:        make(chan struct{}, 1),
		availableCh: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Start launches the replenisher and kicks the initial warm-up
func (p *Pool) Start() {
	p.wg.Add(1)
	go p.replenisher()
	p.kick()
}

// Acquire returns an idle warm instance, or nil when none is available.
// It never blocks and never provisions inline.
func (p *Pool) Acquire() *Lease {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.idle) == 0 {
		return nil
	}

	e := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	p.available.Add(-1)
	e.useCount++

	return &Lease{entry: e}
}

// Release hands a leased instance back. A healthy instance is reset and
// returned to the warm set unless it has hit its recycle budget; an
// unhealthy one (timed out, crashed, or cancelled mid-run) is destroyed and
// replaced, since its internal state is unknown.
func (p *Pool) Release(l *Lease, healthy bool) {
	e := l.entry

	if !healthy || e.useCount >= p.cfg.MaxUses {
		p.retire(e, "unhealthy or recycled")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ResetTimeout)
	defer cancel()
	if err := e.inst.Reset(ctx); err != nil {
		p.logger.Warn("instance reset failed, retiring",
			zap.String("instance", e.inst.ID()), zap.Error(err))
		p.retire(e, "reset failed")
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(e)
		p.size.Add(-1)
		return
	}
	p.idle = append(p.idle, e)
	p.available.Add(1)
	p.mu.Unlock()

	p.notify()
}

// Stats returns the current pool counters from atomic reads
func (p *Pool) Stats() Stats {
	return Stats{
		Size:      int(p.size.Load()),
		Available: int(p.available.Load()),
		MaxSize:   p.cfg.MaxSize,
	}
}

// AvailableCh signals (coalesced) whenever an instance becomes available,
// so the orchestrator can dispatch event-driven instead of polling.
func (p *Pool) AvailableCh() <-chan struct{} {
	return p.availableCh
}

// Close stops replenishment and destroys all idle instances. Leased
// instances are destroyed as they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.available.Store(0)
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()

	for _, e := range idle {
		p.destroy(e)
		p.size.Add(-1)
	}
}

// retire destroys an instance and schedules its replacement
func (p *Pool) retire(e *entry, reason string) {
	p.logger.Debug("retiring instance",
		zap.String("instance", e.inst.ID()),
		zap.String("reason", reason),
		zap.Int("use_count", e.useCount))
	p.destroy(e)
	p.size.Add(-1)
	p.kick()
}

func (p *Pool) destroy(e *entry) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProvisionTimeout)
	defer cancel()
	if err := e.inst.Destroy(ctx); err != nil {
		p.logger.Warn("instance destroy failed",
			zap.String("instance", e.inst.ID()), zap.Error(err))
	}
}

func (p *Pool) kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) notify() {
	select {
	case p.availableCh <- struct{}{}:
	default:
	}
}

// replenisher keeps Size trending toward MaxSize. Provision failures are
// logged and retried with backoff; they never propagate to Acquire callers.
func (p *Pool) replenisher() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}

		failures := 0
		for p.size.Load() < int64(p.cfg.MaxSize) {
			select {
			case <-p.done:
				return
			default:
			}

			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProvisionTimeout)
			inst, err := p.backend.Provision(ctx)
			cancel()
			if err != nil {
				failures++
				p.logger.Warn("instance provision failed",
					zap.Int("consecutive_failures", failures), zap.Error(err))
				select {
				case <-p.done:
					return
				case <-time.After(provisionBackoff(failures)):
				}
				continue
			}
			failures = 0

			e := &entry{inst: inst, createdAt: time.Now()}

			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				p.destroy(e)
				return
			}
			p.size.Add(1)
			p.idle = append(p.idle, e)
			p.available.Add(1)
			p.mu.Unlock()

			p.notify()
		}
	}
}

// provisionBackoff is exponential with a cap and up to 20% jitter
func provisionBackoff(failures int) time.Duration {
	const (
		base       = 500 * time.Millisecond
		maxBackoff = 30 * time.Second
	)

	backoff := base
	for i := 1; i < failures && backoff < maxBackoff; i++ {
		backoff *= 2
	}
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	jitter := time.Duration(rand.Int63n(int64(backoff)/5 + 1)) //nolint:gosec // jitter does not need crypto randomness
	return backoff + jitter
}
