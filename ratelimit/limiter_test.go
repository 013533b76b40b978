package ratelimit

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestLimiter(t *testing.T, store CounterStore) *Limiter {
	t.Helper()
	return New(store, DefaultPresets(), zaptest.NewLogger(t))
}

func TestFixedWindowAllowThenReject(t *testing.T) {
	store := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }

	presets := Presets{
		CategoryExecution: {Window: time.Minute, MaxRequests: 2, Message: "slow down"},
		CategoryGeneral:   DefaultPresets()[CategoryGeneral],
	}
	limiter := New(store, presets, zaptest.NewLogger(t))
	limiter.now = store.now
	ctx := context.Background()

	first := limiter.Allow(ctx, "user-1", CategoryExecution)
	assert.True(t, first.Allowed)
	assert.Equal(t, 2, first.Limit)
	assert.Equal(t, 1, first.Remaining)

	second := limiter.Allow(ctx, "user-1", CategoryExecution)
	assert.True(t, second.Allowed)
	assert.Equal(t, 0, second.Remaining)

	third := limiter.Allow(ctx, "user-1", CategoryExecution)
	assert.False(t, third.Allowed)
	assert.Equal(t, 0, third.Remaining)
	assert.Equal(t, "slow down", third.Message)
	assert.Greater(t, third.RetryAfter, 0)
	assert.LessOrEqual(t, third.RetryAfter, 60)

	// A request windowMs+1 after the window start succeeds and resets.
	now = now.Add(time.Minute + time.Millisecond)
	fourth := limiter.Allow(ctx, "user-1", CategoryExecution)
	assert.True(t, fourth.Allowed)
	assert.Equal(t, 1, fourth.Remaining)
}

func TestRetryAfterMath(t *testing.T) {
	store := NewMemoryStore()
	windowStart := time.Unix(1_700_000_000, 0)
	now := windowStart
	store.now = func() time.Time { return now }

	presets := Presets{CategoryGeneral: {Window: time.Minute, MaxRequests: 1}}
	limiter := New(store, presets, zaptest.NewLogger(t))
	limiter.now = store.now
	ctx := context.Background()

	require.True(t, limiter.Allow(ctx, "id", CategoryGeneral).Allowed)

	// 10.2s into the window: 49.8s remain, rounded up to 50.
	now = windowStart.Add(10200 * time.Millisecond)
	decision := limiter.Allow(ctx, "id", CategoryGeneral)
	require.False(t, decision.Allowed)
	assert.InDelta(t, 50, decision.RetryAfter, 1)
	assert.Equal(t, windowStart.Add(time.Minute), decision.Reset)
}

func TestCategoriesAreIndependent(t *testing.T) {
	store := NewMemoryStore()
	presets := Presets{
		CategoryExecution: {Window: time.Minute, MaxRequests: 1},
		CategoryGeneral:   {Window: time.Minute, MaxRequests: 100},
	}
	limiter := New(store, presets, zaptest.NewLogger(t))
	ctx := context.Background()

	require.True(t, limiter.Allow(ctx, "user-1", CategoryExecution).Allowed)
	require.False(t, limiter.Allow(ctx, "user-1", CategoryExecution).Allowed)

	// Exhausting execution leaves general untouched, and other identities
	// keep their own execution budget.
	assert.True(t, limiter.Allow(ctx, "user-1", CategoryGeneral).Allowed)
	assert.True(t, limiter.Allow(ctx, "user-2", CategoryExecution).Allowed)
}

func TestMemoryStoreSweepsExpiredWindows(t *testing.T) {
	prev := sweepEvery
	sweepEvery = 4
	t.Cleanup(func() { sweepEvery = prev })

	current := time.Unix(1_700_000_000, 0)
	s := NewMemoryStore()
	s.now = func() time.Time { return current }
	ctx := context.Background()

	entries := func() int {
		total := 0
		for _, sh := range s.shards {
			sh.mu.Lock()
			total += len(sh.windows)
			sh.mu.Unlock()
		}
		return total
	}

	for i := 0; i < 8; i++ {
		_, _, err := s.Incr(ctx, fmt.Sprintf("203.0.113.%d", i), time.Minute)
		require.NoError(t, err)
	}
	require.Equal(t, 8, entries())

	// All eight windows expire; the next sweep evicts them instead of
	// letting one-shot identities accumulate forever.
	current = current.Add(2 * time.Minute)
	for i := int64(0); i < sweepEvery; i++ {
		_, _, err := s.Incr(ctx, "198.51.100.1", time.Minute)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, entries(), "only the live window remains")
}

type failingStore struct{}

func (failingStore) Incr(context.Context, string, time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, assert.AnError
}

func TestCounterFailureFailsOpen(t *testing.T) {
	limiter := newTestLimiter(t, failingStore{})
	decision := limiter.Allow(context.Background(), "user-1", CategoryGeneral)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 100, decision.Limit)
}

func TestResolveIdentity(t *testing.T) {
	makeToken := func(subject string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": subject})
		signed, err := token.SignedString([]byte("test-secret"))
		require.NoError(t, err)
		return signed
	}

	t.Run("PrincipalWinsOverToken", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Authorization", "Bearer "+makeToken("token-user"))
		r = r.WithContext(WithPrincipal(r.Context(), "session-user"))
		assert.Equal(t, "session-user", ResolveIdentity(r, false))
	})

	t.Run("TokenSubjectWinsOverAddress", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "10.0.0.7:1234"
		r.Header.Set("Authorization", "Bearer "+makeToken("token-user"))
		assert.Equal(t, "token-user", ResolveIdentity(r, false))
	})

	t.Run("MalformedTokenFallsThrough", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "10.0.0.7:1234"
		r.Header.Set("Authorization", "Bearer not.a.jwt")
		assert.Equal(t, "10.0.0.7", ResolveIdentity(r, false))
	})

	t.Run("RemoteAddress", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "192.0.2.4:5678"
		assert.Equal(t, "192.0.2.4", ResolveIdentity(r, false))
	})

	t.Run("ForwardedForRequiresTrust", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "10.0.0.1:80"
		r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
		assert.Equal(t, "10.0.0.1", ResolveIdentity(r, false))
		assert.Equal(t, "203.0.113.9", ResolveIdentity(r, true))
	})

	t.Run("Anonymous", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = ""
		assert.Equal(t, AnonymousIdentity, ResolveIdentity(r, false))
	})
}

func TestDefaultPresets(t *testing.T) {
	presets := DefaultPresets()

	tests := []struct {
		category Category
		window   time.Duration
		limit    int
	}{
		{CategoryGeneral, time.Minute, 100},
		{CategoryAuth, 15 * time.Minute, 10},
		{CategoryCredential, time.Minute, 5},
		{CategoryExecution, time.Minute, 20},
		{CategoryPayment, time.Minute, 10},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			preset := presets.For(tt.category)
			assert.Equal(t, tt.window, preset.Window)
			assert.Equal(t, tt.limit, preset.MaxRequests)
			assert.NotEmpty(t, preset.Message)
		})
	}

	t.Run("UnknownFallsBackToGeneral", func(t *testing.T) {
		assert.Equal(t, presets[CategoryGeneral], presets.For(Category("nonsense")))
	})
}

func TestLoadPresetsOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
presets:
  execution:
    window_ms: 30000
    max_requests: 50
  payment:
    message: "billing budget reached"
`), 0600))

	presets, err := LoadPresets(path)
	require.NoError(t, err)

	execution := presets.For(CategoryExecution)
	assert.Equal(t, 30*time.Second, execution.Window)
	assert.Equal(t, 50, execution.MaxRequests)

	payment := presets.For(CategoryPayment)
	assert.Equal(t, "billing budget reached", payment.Message)
	assert.Equal(t, 10, payment.MaxRequests, "unspecified fields keep defaults")

	assert.Equal(t, DefaultPresets()[CategoryAuth], presets.For(CategoryAuth))
}

func TestLoadPresetsErrors(t *testing.T) {
	t.Run("EmptyPathUsesDefaults", func(t *testing.T) {
		presets, err := LoadPresets("")
		require.NoError(t, err)
		assert.Equal(t, DefaultPresets(), presets)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := LoadPresets(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("BadYAML", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("presets: ["), 0600))
		_, err := LoadPresets(path)
		require.Error(t, err)
	})
}
