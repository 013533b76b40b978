// Package orchestrator schedules sandboxed executions over the warm pool.
//
// Submissions are admitted against a bounded FIFO queue and dispatched to a
// fixed set of workers. A worker claims a warm instance, walks the record
// through the status state machine with conditional store transitions, and
// runs the agent harness under a timeout watchdog. Competing terminal writers
// (completion, timeout, cancellation) are serialized by the store: exactly
// one transition wins and the losers become no-ops.
//
// Instance hygiene follows the outcome. Completion and code-level failure
// hand the instance back healthy for reset and reuse; infrastructure
// failures, timeouts and mid-run cancellations discard it, since its internal
// state can no longer be trusted.
package orchestrator
