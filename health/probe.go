package health

import "context"

// CheckResult is one dependency's health probe answer.
type CheckResult struct {
	Connected bool   `json:"connected"`
	LatencyMs int64  `json:"latencyMs,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Probe is the capability every infrastructure dependency exposes to the
// aggregator. IsAvailable reports whether the dependency is configured at
// all: an unconfigured dependency is healthy-by-absence, while a configured
// one that reports disconnected degrades overall liveness.
type Probe interface {
	Name() string
	IsAvailable() bool
	HealthCheck(ctx context.Context) CheckResult
}
