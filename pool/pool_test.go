package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/sandbox"
)

// fakeBackend provisions in-memory instances and can be told to fail
type fakeBackend struct {
	mu          sync.Mutex
	provisioned int
	destroyed   int
	failNext    int32 // number of upcoming provisions that should fail
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Provision(_ context.Context) (sandbox.Instance, error) {
	if atomic.LoadInt32(&b.failNext) > 0 {
		atomic.AddInt32(&b.failNext, -1)
		return nil, errors.New("provision refused")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.provisioned++
	return &fakeInstance{id: fmt.Sprintf("fake-%d", b.provisioned), backend: b}, nil
}

func (b *fakeBackend) destroyCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

type fakeInstance struct {
	id      string
	backend *fakeBackend
	resets  int
}

func (i *fakeInstance) ID() string { return i.id }

func (i *fakeInstance) Exec(_ context.Context, _ sandbox.ExecSpec) (sandbox.ExecResult, error) {
	return sandbox.ExecResult{}, nil
}

func (i *fakeInstance) Reset(_ context.Context) error {
	i.resets++
	return nil
}

func (i *fakeInstance) Destroy(_ context.Context) error {
	i.backend.mu.Lock()
	defer i.backend.mu.Unlock()
	i.backend.destroyed++
	return nil
}

func testConfig(maxSize int) Config {
	return Config{
		MaxSize:          maxSize,
		MaxUses:          3,
		ProvisionTimeout: time.Second,
		ResetTimeout:     time.Second,
	}
}

func startPool(t *testing.T, backend sandbox.Backend, cfg Config) *Pool {
	t.Helper()
	p := New(backend, zaptest.NewLogger(t), cfg)
	p.Start()
	t.Cleanup(p.Close)
	return p
}

// waitForAvailable polls until the pool has at least n idle instances
func waitForAvailable(t *testing.T, p *Pool, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if p.Stats().Available >= n {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("pool never reached %d available, stats=%+v", n, p.Stats())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPoolWarmsToMaxSize(t *testing.T) {
	p := startPool(t, &fakeBackend{}, testConfig(3))
	waitForAvailable(t, p, 3)

	stats := p.Stats()
	assert.Equal(t, 3, stats.Size)
	assert.Equal(t, 3, stats.Available)
	assert.Equal(t, 3, stats.MaxSize)
}

func TestAcquireReturnsNilWhenEmpty(t *testing.T) {
	p := startPool(t, &fakeBackend{}, testConfig(1))
	waitForAvailable(t, p, 1)

	lease := p.Acquire()
	require.NotNil(t, lease)
	assert.Nil(t, p.Acquire(), "second acquire must not block or provision inline")

	p.Release(lease, true)
}

func TestStatsInvariant(t *testing.T) {
	p := startPool(t, &fakeBackend{}, testConfig(2))
	waitForAvailable(t, p, 2)

	check := func() {
		s := p.Stats()
		assert.LessOrEqual(t, s.Available, s.Size)
		assert.LessOrEqual(t, s.Size, s.MaxSize)
	}

	check()
	lease := p.Acquire()
	require.NotNil(t, lease)
	check()
	p.Release(lease, false)
	check()
}

func TestUnhealthyReleaseDestroysAndReplenishes(t *testing.T) {
	backend := &fakeBackend{}
	p := startPool(t, backend, testConfig(2))
	waitForAvailable(t, p, 2)

	lease := p.Acquire()
	require.NotNil(t, lease)
	leasedID := lease.ID()

	p.Release(lease, false)
	assert.GreaterOrEqual(t, backend.destroyCount(), 1)

	// Replenishment restores the set with a fresh instance.
	waitForAvailable(t, p, 2)
	stats := p.Stats()
	assert.Equal(t, 2, stats.Size)

	p.mu.Lock()
	for _, e := range p.idle {
		assert.NotEqual(t, leasedID, e.inst.ID())
	}
	p.mu.Unlock()
}

func TestHealthyReleaseResetsAndReturns(t *testing.T) {
	p := startPool(t, &fakeBackend{}, testConfig(1))
	waitForAvailable(t, p, 1)

	lease := p.Acquire()
	require.NotNil(t, lease)
	inst := lease.Instance().(*fakeInstance)

	p.Release(lease, true)
	waitForAvailable(t, p, 1)

	assert.Equal(t, 1, inst.resets)
	again := p.Acquire()
	require.NotNil(t, again)
	assert.Equal(t, inst.id, again.ID(), "healthy instance is reused")
	p.Release(again, true)
}

func TestMaxUsesRecycling(t *testing.T) {
	backend := &fakeBackend{}
	cfg := testConfig(1)
	cfg.MaxUses = 2
	p := startPool(t, backend, cfg)
	waitForAvailable(t, p, 1)

	first := p.Acquire()
	require.NotNil(t, first)
	firstID := first.ID()
	p.Release(first, true)
	waitForAvailable(t, p, 1)

	second := p.Acquire()
	require.NotNil(t, second)
	assert.Equal(t, firstID, second.ID())
	p.Release(second, true) // second use hits MaxUses, instance is retired

	waitForAvailable(t, p, 1)
	third := p.Acquire()
	require.NotNil(t, third)
	assert.NotEqual(t, firstID, third.ID())
	p.Release(third, true)
}

func TestProvisionFailuresAreAbsorbed(t *testing.T) {
	backend := &fakeBackend{failNext: 2}
	p := startPool(t, backend, testConfig(1))

	// Acquire keeps returning nil while the backend refuses to provision;
	// no error ever reaches the caller.
	assert.Nil(t, p.Acquire())

	waitForAvailable(t, p, 1)
	lease := p.Acquire()
	require.NotNil(t, lease)
	p.Release(lease, true)
}

func TestAvailableChSignals(t *testing.T) {
	p := startPool(t, &fakeBackend{}, testConfig(1))

	select {
	case <-p.AvailableCh():
	case <-time.After(5 * time.Second):
		t.Fatal("no availability signal after warm-up")
	}
}

func TestCloseDestroysIdleInstances(t *testing.T) {
	backend := &fakeBackend{}
	p := New(backend, zaptest.NewLogger(t), testConfig(2))
	p.Start()
	waitForAvailable(t, p, 2)

	p.Close()
	assert.Equal(t, 2, backend.destroyCount())
	assert.Equal(t, 0, p.Stats().Size)
	assert.Nil(t, p.Acquire())
}
