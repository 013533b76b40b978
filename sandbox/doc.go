// Package sandbox provides isolated execution environments for agent code.
//
// The sandbox package implements the warm-instance layer underneath the
// pool. A Backend provisions long-lived, resource-bounded instances (Docker
// or Podman containers parked on sleep infinity, or bare host directories
// for development), and each Instance stages one run at a time into its
// workspace: the agent code file, an optional supporting bundle, and
// input.json. The per-language harness runs inside the instance and writes
// its structured result to output.json.
//
// Usage:
//
//	backend, err := sandbox.NewBackend(logger, config, languages, "docker")
//	inst, err := backend.Provision(ctx)
//	result, err := inst.Exec(ctx, sandbox.ExecSpec{
//	    Language: "python",
//	    Code:     code,
//	    Input:    payload,
//	})
package sandbox
