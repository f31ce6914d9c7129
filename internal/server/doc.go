// Package server exposes mailboxauth over HTTP.
//
// # Key Components
//
// ServerContext owns the long-lived components (repository, OAuth flow
// controller, token coordinator, connection manager) and the background
// jobs that refresh expiring tokens and purge abandoned authorization
// states.
//
// HTTPServer serves:
//   - GET  /oauth/authorize             start an authorization (302 or JSON)
//   - GET  /oauth/callback              provider redirect target
//   - GET  /connections                 list connections
//   - GET  /connections/{id}/check      validate a connection
//   - POST /connections/{id}/refresh    force a token refresh
//   - POST /connections/{id}/disconnect revoke and deactivate
//   - /healthz, /readyz, /healthz/detailed
//   - /mcp when an MCP server is attached
//
// MetricsServer serves Prometheus metrics on a dedicated port.
//
// # Security Features
//
//   - Per-IP rate limiting on the OAuth routes
//   - Optional bearer token on the connection routes
//   - Security headers on all responses
//   - Token values never appear in responses or logs
package server
