// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and RUNBOX_-prefixed environment variables.
// It covers the HTTP and MCP transports, sandbox instance parameters,
// per-language harness commands, pool sizing, orchestrator scheduling,
// rate limiting, and the optional redis, database, object-store and stream
// integrations.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("HTTP addr: %s\n", cfg.Server.HTTPAddr)
package config
