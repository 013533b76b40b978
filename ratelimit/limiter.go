package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Category is a route budget. Each category is counted independently:
// exhausting the execution budget leaves the general budget untouched.
type Category string

// Route categories
const (
	CategoryGeneral    Category = "general"
	CategoryAuth       Category = "auth"
	CategoryCredential Category = "credential"
	CategoryExecution  Category = "execution"
	CategoryPayment    Category = "payment"
)

// Decision is the outcome of one rate-limit check. Limit, Remaining and
// Reset are populated on every decision, allowed or not, so callers can
// self-throttle.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
	// RetryAfter is the whole seconds until the window resets; meaningful
	// only on a rejected decision.
	RetryAfter int
	Message    string
}

// CounterStore increments the fixed-window counter for a key. When no live
// window exists it starts one: count 1, expiring after window.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
}

// Limiter applies category presets over a counter store.
type Limiter struct {
	store   CounterStore
	presets Presets
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a limiter over the store and presets
func New(store CounterStore, presets Presets, logger *zap.Logger) *Limiter {
	return &Limiter{store: store, presets: presets, logger: logger, now: time.Now}
}

// Allow counts one request against the (identity, category) budget. A
// counter-store failure fails open: throttling is a cost guard, not a
// security boundary, and a degraded redis must not take the API down.
func (l *Limiter) Allow(ctx context.Context, identity string, category Category) Decision {
	preset := l.presets.For(category)
	key := string(category) + ":" + identity

	count, resetAt, err := l.store.Incr(ctx, key, preset.Window)
	if err != nil {
		l.logger.Warn("rate-limit counter unavailable, allowing request",
			zap.String("key", key), zap.Error(err))
		return Decision{
			Allowed:   true,
			Limit:     preset.MaxRequests,
			Remaining: preset.MaxRequests,
			Reset:     l.now().Add(preset.Window),
		}
	}

	remaining := preset.MaxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}

	decision := Decision{
		Allowed:   count <= int64(preset.MaxRequests),
		Limit:     preset.MaxRequests,
		Remaining: remaining,
		Reset:     resetAt,
	}
	if !decision.Allowed {
		decision.RetryAfter = retryAfterSeconds(resetAt, l.now())
		decision.Message = preset.Message
	}
	return decision
}

// retryAfterSeconds is the remaining window time rounded up to whole seconds
func retryAfterSeconds(resetAt, now time.Time) int {
	remaining := resetAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int((remaining + time.Second - 1) / time.Second)
}
