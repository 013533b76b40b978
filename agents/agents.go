package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrUnknownAgent indicates the agent id has no runnable bundle.
var ErrUnknownAgent = errors.New("unknown agent")

// Agent is a runnable code bundle referenced by executions.
type Agent struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
	// Source is the agent's entrypoint code, written into the workspace as
	// the language's main file.
	Source string `json:"source"`
	// BundleTar is an optional tar.gz of supporting files staged alongside
	// the source.
	BundleTar []byte `json:"-"`
	// InputSchema, when present, is a JSON schema every submitted input
	// payload must satisfy.
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Resolver looks up the runnable bundle for an agent id.
type Resolver interface {
	Resolve(ctx context.Context, agentID string) (*Agent, error)
}

// ValidateInput checks the payload against the agent's declared input
// schema. Agents without a schema accept any payload.
func ValidateInput(agent *Agent, input json.RawMessage) error {
	if len(agent.InputSchema) == 0 {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	schemaURL := "agent://" + agent.ID + "/input-schema.json"
	if err := compiler.AddResource(schemaURL, bytes.NewReader(agent.InputSchema)); err != nil {
		return fmt.Errorf("agent %s has an unreadable input schema: %w", agent.ID, err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("agent %s has an invalid input schema: %w", agent.ID, err)
	}

	var payload any
	if err := json.Unmarshal(input, &payload); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}

	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("input rejected by agent schema: %w", err)
	}
	return nil
}

// StaticResolver serves agents from an in-memory set. Used in tests and in
// deployments that sideload bundles instead of reading the agents table.
type StaticResolver struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewStaticResolver creates a resolver over the given agents
func NewStaticResolver(list ...*Agent) *StaticResolver {
	r := &StaticResolver{agents: make(map[string]*Agent, len(list))}
	for _, a := range list {
		r.agents[a.ID] = a
	}
	return r
}

// Add registers or replaces an agent
func (r *StaticResolver) Add(agent *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent.ID] = agent
}

// Resolve returns the agent or ErrUnknownAgent
func (r *StaticResolver) Resolve(_ context.Context, agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return agent, nil
}
