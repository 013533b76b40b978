// Package store provides persistence for execution records and agents.
//
// Two implementations of execution.Store ship here: an in-memory store with
// per-record locking, and a SQL store that runs on either the embedded
// sqlite driver or postgres, selected by configuration. Both implement the
// conditional-swap transition contract: a transition applies only when the
// record is in the expected source status, so racing writers resolve to
// exactly one winner. The SQL store also reads the agents table, serving as
// the orchestrator's bundle resolver, and answers the readiness probe with
// a database round trip.
package store
