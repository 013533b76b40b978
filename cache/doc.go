// Package cache owns the shared redis connection.
//
// The same client backs the cache health probe, the redis-backed rate-limit
// counters and the lifecycle event stream. Redis is optional: with no
// address configured the client reports unavailable and every consumer
// falls back to its in-process implementation.
package cache
