// Package flags holds the process's feature-flag state.
//
// Flags are seeded from configuration at startup and readable concurrently;
// the health aggregator snapshots them for liveness payloads and metrics.
package flags
