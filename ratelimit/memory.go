package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

const shardCount = 32

// sweepEvery is how many Incr calls pass between expired-window sweeps.
// Shortened in tests.
var sweepEvery int64 = 1024

type window struct {
	start time.Time
	ttl   time.Duration
	count int64
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// MemoryStore is a sharded in-process counter store. Keys hash to shards so
// unrelated identities never contend on the same lock. Identities are
// attacker-controlled cardinality (remote addresses of anonymous callers),
// so expired windows are swept periodically rather than kept for the life
// of the process.
type MemoryStore struct {
	shards [shardCount]*shard
	ops    atomic.Int64
	now    func() time.Time
}

// NewMemoryStore creates an empty in-process counter store
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &shard{windows: make(map[string]*window)}
	}
	return s
}

// Incr implements CounterStore with fixed-window semantics
func (s *MemoryStore) Incr(_ context.Context, key string, windowDur time.Duration) (int64, time.Time, error) {
	sh := s.shardFor(key)
	now := s.now()

	sh.mu.Lock()
	w, ok := sh.windows[key]
	if !ok || now.Sub(w.start) >= windowDur {
		w = &window{start: now, ttl: windowDur}
		sh.windows[key] = w
	}
	w.count++
	count, reset := w.count, w.start.Add(windowDur)
	sh.mu.Unlock()

	if s.ops.Add(1)%sweepEvery == 0 {
		s.sweep(now)
	}
	return count, reset, nil
}

// sweep drops every window whose budget period has fully elapsed
func (s *MemoryStore) sweep(now time.Time) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, w := range sh.windows {
			if now.Sub(w.start) >= w.ttl {
				delete(sh.windows, key)
			}
		}
		sh.mu.Unlock()
	}
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}
