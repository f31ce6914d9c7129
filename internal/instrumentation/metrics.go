package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	attrMethod = "method"
	attrPath   = "path"
	attrStatus = "status"
	attrStage  = "stage"
	attrResult = "result"
	attrSource = "source"
	attrTool   = "tool"
)

// Metrics provides methods for recording observability metrics.
type Metrics struct {
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	oauthAuthTotal     metric.Int64Counter
	statesPurgedTotal  metric.Int64Counter
	tokenRefreshTotal  metric.Int64Counter
	tokenRefreshLength metric.Float64Histogram
	tokenRequestsTotal metric.Int64Counter

	toolInvocationsTotal metric.Int64Counter
	toolDuration         metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments registered
// on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.httpRequestsTotal, err = meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}")); err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}
	if m.httpRequestDuration, err = meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0)); err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration_seconds histogram: %w", err)
	}

	if m.oauthAuthTotal, err = meter.Int64Counter("oauth_auth_total",
		metric.WithDescription("Total number of OAuth authorization attempts"),
		metric.WithUnit("{attempt}")); err != nil {
		return nil, fmt.Errorf("failed to create oauth_auth_total counter: %w", err)
	}
	if m.statesPurgedTotal, err = meter.Int64Counter("oauth_states_purged_total",
		metric.WithDescription("Total number of expired authorization states purged"),
		metric.WithUnit("{state}")); err != nil {
		return nil, fmt.Errorf("failed to create oauth_states_purged_total counter: %w", err)
	}

	if m.tokenRefreshTotal, err = meter.Int64Counter("oauth_token_refresh_total",
		metric.WithDescription("Total number of OAuth token refreshes performed"),
		metric.WithUnit("{refresh}")); err != nil {
		return nil, fmt.Errorf("failed to create oauth_token_refresh_total counter: %w", err)
	}
	if m.tokenRefreshLength, err = meter.Float64Histogram("oauth_token_refresh_duration_seconds",
		metric.WithDescription("OAuth token refresh duration in seconds, including retries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0)); err != nil {
		return nil, fmt.Errorf("failed to create oauth_token_refresh_duration_seconds histogram: %w", err)
	}
	if m.tokenRequestsTotal, err = meter.Int64Counter("oauth_token_requests_total",
		metric.WithDescription("Total number of access token requests by source"),
		metric.WithUnit("{request}")); err != nil {
		return nil, fmt.Errorf("failed to create oauth_token_requests_total counter: %w", err)
	}

	if m.toolInvocationsTotal, err = meter.Int64Counter("mcp_tool_invocations_total",
		metric.WithDescription("Total number of MCP tool invocations"),
		metric.WithUnit("{invocation}")); err != nil {
		return nil, fmt.Errorf("failed to create mcp_tool_invocations_total counter: %w", err)
	}
	if m.toolDuration, err = meter.Float64Histogram("mcp_tool_duration_seconds",
		metric.WithDescription("MCP tool execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0)); err != nil {
		return nil, fmt.Errorf("failed to create mcp_tool_duration_seconds histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with method, path, status code, and duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.httpRequestsTotal == nil {
		return // Instrumentation not initialized
	}

	attrs := metric.WithAttributes(
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	)
	m.httpRequestsTotal.Add(ctx, 1, attrs)
	m.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordAuthorization records one step of the authorization flow.
// stage is "begin" or "complete"; result is "success" or an error code.
func (m *Metrics) RecordAuthorization(ctx context.Context, stage, result string) {
	if m == nil || m.oauthAuthTotal == nil {
		return // Instrumentation not initialized
	}

	m.oauthAuthTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrStage, stage),
		attribute.String(attrResult, result),
	))
}

// RecordStatesPurged records expired authorization states removed.
func (m *Metrics) RecordStatesPurged(ctx context.Context, n int64) {
	if m == nil || m.statesPurgedTotal == nil {
		return // Instrumentation not initialized
	}
	m.statesPurgedTotal.Add(ctx, n)
}

// RecordTokenRefresh records a completed refresh flight.
// Result should be one of: "success", "needs_reauth", "refresh_failed".
func (m *Metrics) RecordTokenRefresh(ctx context.Context, result string, duration time.Duration) {
	if m == nil || m.tokenRefreshTotal == nil {
		return // Instrumentation not initialized
	}

	attrs := metric.WithAttributes(attribute.String(attrResult, result))
	m.tokenRefreshTotal.Add(ctx, 1, attrs)
	m.tokenRefreshLength.Record(ctx, duration.Seconds(), attrs)
}

// RecordTokenRequest records where an access token came from: the stored
// token, a refresh this caller started, or a refresh it joined.
func (m *Metrics) RecordTokenRequest(ctx context.Context, source string) {
	if m == nil || m.tokenRequestsTotal == nil {
		return // Instrumentation not initialized
	}
	m.tokenRequestsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrSource, source)))
}

// RecordToolInvocation records an MCP tool invocation with tool name, status, and duration.
func (m *Metrics) RecordToolInvocation(ctx context.Context, toolName, status string, duration time.Duration) {
	if m == nil || m.toolInvocationsTotal == nil {
		return // Instrumentation not initialized
	}

	attrs := metric.WithAttributes(
		attribute.String(attrTool, toolName),
		attribute.String(attrStatus, status),
	)
	m.toolInvocationsTotal.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
}
