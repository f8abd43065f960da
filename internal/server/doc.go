// Package server provides HTTP server setup for the artifact host.
//
// It wires all components:
//   - HTTP routing with Gin
//   - Middleware stack (tracing, metrics, CORS, rate limiting, recovery)
//   - Viewer registry and sandbox configuration
//   - Prometheus registry and exposition
//
// Server Lifecycle:
//  1. Load configuration from environment/flags
//  2. Initialize logger (production or development)
//  3. Create the viewer registry with the canonical CSP
//  4. Setup HTTP routes and middleware
//  5. Start HTTP server
//  6. Graceful shutdown on signal: stop accepting requests, then drain
//     every viewer so surfaces are blanked and watchdogs detached
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	srv, err := server.New(cfg)
//	if err := srv.Run(); err != nil {
//	    log.Fatal(err)
//	}
package server
