// Package execution defines the execution record domain model.
//
// An ExecutionRecord is the durable representation of one logical run of
// untrusted agent code: its status, input and output payloads, captured
// logs, timing, and retry accounting. The package also defines the Status
// state machine, the error taxonomy surfaced to callers, and the Store
// contract that persistence backends implement.
//
// Status transitions are conditional swaps: a Store implementation must
// apply each transition only when the record is currently in the expected
// source status, so that concurrent completion, timeout, and cancellation
// resolve to exactly one terminal state.
package execution
