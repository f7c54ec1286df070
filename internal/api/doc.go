// Package api implements the local status API for the device agent.
//
// This package provides:
//   - GET /api/v1/health: readiness of the session and its backing services
//   - GET /api/v1/status: a snapshot of the session state and event counters
//   - A WebSocket stream relaying session events to subscribed clients
//   - Middleware stack (request ID, logging, recovery, body size limit)
//
// # Architecture
//
// The session runs on the agent's main goroutine. Its event handlers feed a
// StatusBoard and the Hub, both safe for concurrent use, and the HTTP server
// reads from them on its own goroutines. The API never calls into the
// session directly.
//
// # Security
//
// The server binds to loopback by default and has no authentication. Expose
// it beyond the host only behind a proxy that adds one.
package api
