// Package mcpserver exposes the execution operations over the Model Context
// Protocol.
//
// It uses the mark3labs/mcp-go library for the protocol details and registers
// five tools mirroring the REST surface: submit_execution, get_execution,
// cancel_execution, retry_execution and list_agent_executions. The server
// supports both stdio and streamable HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	srv, err := mcpserver.New(cfg, logger, service)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = srv.ServeStdio() // or srv.ServeHTTP()
package mcpserver
