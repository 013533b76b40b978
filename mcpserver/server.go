package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/execution"
	"github.com/isdmx/runbox/orchestrator"
)

// Service is the execution surface the tools call; the orchestrator
// implements it.
type Service interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*execution.Record, error)
	Cancel(ctx context.Context, id string) (*execution.Record, error)
	Retry(ctx context.Context, id string) (*execution.Record, error)
	Get(ctx context.Context, id string) (*execution.Record, error)
	ListByAgent(ctx context.Context, agentID string, limit int) ([]*execution.Record, error)
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	service   Service
	mcpServer *server.MCPServer
}

// New creates a new MCPServer over the execution service
func New(cfg *config.Config, logger *zap.Logger, service Service) (*MCPServer, error) {
	s := &MCPServer{
		config:  cfg,
		logger:  logger,
		service: service,
	}

	s.mcpServer = server.NewMCPServer("runbox-orchestrator", "Sandboxed agent execution orchestrator")

	s.registerSubmitExecutionTool()
	s.registerGetExecutionTool()
	s.registerCancelExecutionTool()
	s.registerRetryExecutionTool()
	s.registerListAgentExecutionsTool()

	return s, nil
}

func (s *MCPServer) registerSubmitExecutionTool() {
	tool := mcp.Tool{
		Name:        "submit_execution",
		Description: "Submit an agent execution; returns the queued execution record",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"agent_id": map[string]any{
					"type":        "string",
					"description": "Agent whose code bundle to execute",
				},
				"input": map[string]any{
					"type":        "object",
					"description": "Input payload passed to the agent (optional)",
				},
				"timeout_ms": map[string]any{
					"type":        "integer",
					"description": "Per-attempt execution budget in milliseconds (optional, server-clamped)",
				},
			},
			Required: []string{"agent_id"},
		},
	}
	s.mcpServer.AddTool(tool, s.handleSubmitExecution)
}

func (s *MCPServer) registerGetExecutionTool() {
	tool := mcp.Tool{
		Name:        "get_execution",
		Description: "Fetch an execution record by id",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "Execution id",
				},
			},
			Required: []string{"id"},
		},
	}
	s.mcpServer.AddTool(tool, s.handleGetExecution)
}

func (s *MCPServer) registerCancelExecutionTool() {
	tool := mcp.Tool{
		Name:        "cancel_execution",
		Description: "Cancel a queued or running execution; idempotent on terminal records",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "Execution id",
				},
			},
			Required: []string{"id"},
		},
	}
	s.mcpServer.AddTool(tool, s.handleCancelExecution)
}

func (s *MCPServer) registerRetryExecutionTool() {
	tool := mcp.Tool{
		Name:        "retry_execution",
		Description: "Re-queue a failed, timed-out or cancelled execution under its original id",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "Execution id",
				},
			},
			Required: []string{"id"},
		},
	}
	s.mcpServer.AddTool(tool, s.handleRetryExecution)
}

func (s *MCPServer) registerListAgentExecutionsTool() {
	tool := mcp.Tool{
		Name:        "list_agent_executions",
		Description: "List an agent's executions, most recent first",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"agent_id": map[string]any{
					"type":        "string",
					"description": "Agent id",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum records to return (optional)",
				},
			},
			Required: []string{"agent_id"},
		},
	}
	s.mcpServer.AddTool(tool, s.handleListAgentExecutions)
}

func (s *MCPServer) handleSubmitExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := request.RequireString("agent_id")
	if err != nil {
		return nil, fmt.Errorf("agent_id parameter is required: %w", err)
	}

	req := orchestrator.SubmitRequest{
		AgentID:   agentID,
		TimeoutMs: request.GetInt("timeout_ms", 0),
	}
	if raw, ok := request.GetArguments()["input"]; ok && raw != nil {
		encoded, marshalErr := json.Marshal(raw)
		if marshalErr != nil {
			return nil, fmt.Errorf("failed to encode input: %w", marshalErr)
		}
		req.Input = encoded
	}

	s.logger.Info("execution submitted via mcp", zap.String("agent", agentID))

	rec, err := s.service.Submit(ctx, req)
	if err != nil {
		return toolError(err), nil
	}
	return recordResult(rec)
}

func (s *MCPServer) handleGetExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return nil, fmt.Errorf("id parameter is required: %w", err)
	}

	rec, err := s.service.Get(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return recordResult(rec)
}

func (s *MCPServer) handleCancelExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return nil, fmt.Errorf("id parameter is required: %w", err)
	}

	s.logger.Info("execution cancelled via mcp", zap.String("execution", id))

	rec, err := s.service.Cancel(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return recordResult(rec)
}

func (s *MCPServer) handleRetryExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return nil, fmt.Errorf("id parameter is required: %w", err)
	}

	s.logger.Info("execution retried via mcp", zap.String("execution", id))

	rec, err := s.service.Retry(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return recordResult(rec)
}

func (s *MCPServer) handleListAgentExecutions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := request.RequireString("agent_id")
	if err != nil {
		return nil, fmt.Errorf("agent_id parameter is required: %w", err)
	}

	records, err := s.service.ListByAgent(ctx, agentID, request.GetInt("limit", 0))
	if err != nil {
		return toolError(err), nil
	}

	encoded, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("failed to encode records: %w", err)
	}
	return textResult(string(encoded)), nil
}

// recordResult encodes an execution record as the tool's text content
func recordResult(rec *execution.Record) (*mcp.CallToolResult, error) {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return textResult(string(encoded)), nil
}

// toolError reports a domain failure as tool output rather than a protocol
// error, so clients see the taxonomy message.
func toolError(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: err.Error()},
		},
		IsError: true,
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.MCPHTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
