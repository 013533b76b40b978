// Package agents defines the runnable agent bundle model.
//
// An Agent is the code side of an execution request: the language, the
// source, an optional tar of supporting files, and an optional JSON schema
// that submitted input payloads must satisfy. The orchestrator resolves the
// caller's agentId through a Resolver; the marketplace owns everything else
// about an agent.
package agents
