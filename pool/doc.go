// Package pool maintains the warm set of sandbox instances.
//
// The pool hides the provisioning cost of an isolated execution environment
// behind a bounded set of pre-initialized instances. Acquire never blocks:
// when no warm instance is idle it returns nil and the caller keeps its work
// queued. A background replenisher keeps the set trending toward its
// configured maximum, retrying provision failures with exponential backoff
// so they never surface to an in-flight caller.
package pool
