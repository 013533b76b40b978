package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/health"
)

// Client wraps the shared redis connection. A Client constructed without an
// address is a valid, permanently-unavailable client.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New creates the shared redis client. An empty addr means redis is not
// configured; the returned client reports unavailable rather than failing.
func New(addr, password string, db int, logger *zap.Logger) *Client {
	c := &Client{logger: logger}
	if addr == "" {
		return c
	}
	c.rdb = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return c
}

// Redis returns the underlying client, nil when not configured
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Close closes the connection if one was configured
func (c *Client) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// Name implements health.Probe
func (c *Client) Name() string { return "cache" }

// IsAvailable implements health.Probe
func (c *Client) IsAvailable() bool { return c.rdb != nil }

// HealthCheck implements health.Probe with a redis PING round trip
func (c *Client) HealthCheck(ctx context.Context) health.CheckResult {
	if c.rdb == nil {
		return health.CheckResult{Connected: false, Error: "not configured"}
	}
	start := time.Now()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return health.CheckResult{Connected: false, Error: err.Error()}
	}
	return health.CheckResult{Connected: true, LatencyMs: time.Since(start).Milliseconds()}
}
