// Package main is the entry point for the runbox execution server.
//
// Runbox runs marketplace agent code (Python, Node.js, Go, C++) inside warm,
// isolated sandbox instances. The server exposes the execution operations
// over a REST API and, optionally, a Model Context Protocol transport, and
// publishes lifecycle events to a redis stream for marketplace consumers.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main
