// Package main is the entry point for the promptcalc artifact host.
//
// The host runs AI-generated HTML artifacts in isolated execution
// surfaces and proves their liveness through a challenge/response
// handshake before reporting them ready to the shell.
//
// The server provides:
//   - REST API for viewer and artifact lifecycle
//   - WebSocket streaming of status transitions
//   - Prometheus metrics
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//
// Usage:
//
//	# Production mode
//	./server -port 8090
//
//	# Development mode (colored logs, debug level, capability audit)
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown; every viewer surface is
//     blanked and detached before exit.
package main
