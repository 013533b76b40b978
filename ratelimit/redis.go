package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the key's window counter atomically, starting
// a fresh window on first touch.
// KEYS[1] = counter key ("<category>:<identity>")
// ARGV[1] = window length in milliseconds
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisStore keeps fixed-window counters in redis so replicas share one
// budget per key.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a redis-backed counter store
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix + ":ratelimit:"}
}

// Incr implements CounterStore with one Lua round trip
func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	res, err := fixedWindowScript.Run(ctx, s.client,
		[]string{s.prefix + key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis counter error: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return 0, time.Time{}, fmt.Errorf("unexpected counter script response: %v", res)
	}
	count, _ := values[0].(int64)
	ttlMs, _ := values[1].(int64)

	return count, time.Now().Add(time.Duration(ttlMs) * time.Millisecond), nil
}
