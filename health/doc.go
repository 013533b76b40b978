// Package health aggregates liveness, readiness and metrics.
//
// Liveness fans out to every configured dependency probe in parallel,
// tolerating partial failure: a probe that is slow, failing or panicking
// never hides the others' results. A dependency that is not configured is
// healthy-by-absence; one that is configured but disconnected degrades the
// overall status. Readiness is deliberately narrower: a single database
// round trip answering "can this instance accept traffic right now."
// Metrics renders the Prometheus text exposition by hand, omitting lines
// for absent dependencies rather than emitting zeros that read as down.
package health
