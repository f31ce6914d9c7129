// Package instrumentation provides OpenTelemetry metrics for mailboxauth.
//
// Metrics are exported through a Prometheus reader registered on a private
// registry, served by the dedicated metrics server in package server.
//
// # Metrics
//
// OAuth flow:
//   - oauth_auth_total: authorization attempts by stage (begin, complete) and result
//   - oauth_states_purged_total: expired authorization states removed
//
// Token refresh:
//   - oauth_token_refresh_total: provider refresh calls by result
//     (success, needs_reauth, refresh_failed)
//   - oauth_token_refresh_duration_seconds: refresh latency including retries
//   - oauth_token_requests_total: token requests by source (cache, refresh, joined)
//
// Surfaces:
//   - http_requests_total / http_request_duration_seconds
//   - mcp_tool_invocations_total / mcp_tool_duration_seconds
//
// All Record methods are safe on a nil *Metrics, so components can run
// without instrumentation in tests.
package instrumentation
