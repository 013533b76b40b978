package agents

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticResolver(t *testing.T) {
	resolver := NewStaticResolver(
		&Agent{ID: "agent-1", Language: "python", Source: "print(1)"},
	)

	t.Run("Known", func(t *testing.T) {
		agent, err := resolver.Resolve(context.Background(), "agent-1")
		require.NoError(t, err)
		assert.Equal(t, "python", agent.Language)
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := resolver.Resolve(context.Background(), "agent-404")
		require.ErrorIs(t, err, ErrUnknownAgent)
	})

	t.Run("Add", func(t *testing.T) {
		resolver.Add(&Agent{ID: "agent-2", Language: "go"})
		agent, err := resolver.Resolve(context.Background(), "agent-2")
		require.NoError(t, err)
		assert.Equal(t, "go", agent.Language)
	})
}

func TestValidateInput(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"n": {"type": "integer", "minimum": 0}},
		"required": ["n"]
	}`)

	tests := []struct {
		name    string
		agent   *Agent
		input   string
		wantErr bool
	}{
		{
			name:  "NoSchemaAcceptsAnything",
			agent: &Agent{ID: "a"},
			input: `"whatever"`,
		},
		{
			name:  "ValidPayload",
			agent: &Agent{ID: "a", InputSchema: schema},
			input: `{"n": 5}`,
		},
		{
			name:    "MissingRequiredField",
			agent:   &Agent{ID: "a", InputSchema: schema},
			input:   `{}`,
			wantErr: true,
		},
		{
			name:    "WrongType",
			agent:   &Agent{ID: "a", InputSchema: schema},
			input:   `{"n": "five"}`,
			wantErr: true,
		},
		{
			name:    "NotJSON",
			agent:   &Agent{ID: "a", InputSchema: schema},
			input:   `{broken`,
			wantErr: true,
		},
		{
			name:    "BrokenSchema",
			agent:   &Agent{ID: "a", InputSchema: json.RawMessage(`{"type": 42}`)},
			input:   `{}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInput(tt.agent, json.RawMessage(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}
