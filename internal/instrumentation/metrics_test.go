package instrumentation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestMetrics_Record(t *testing.T) {
	ctx := context.Background()
	m, reader := newTestMetrics(t)

	m.RecordAuthorization(ctx, "begin", StatusSuccess)
	m.RecordAuthorization(ctx, "complete", "invalid_state")
	m.RecordTokenRefresh(ctx, StatusSuccess, 120*time.Millisecond)
	m.RecordTokenRequest(ctx, SourceCache)
	m.RecordTokenRequest(ctx, SourceJoined)
	m.RecordTokenRequest(ctx, SourceJoined)
	m.RecordStatesPurged(ctx, 3)
	m.RecordHTTPRequest(ctx, "GET", "/oauth/callback", 302, 10*time.Millisecond)
	m.RecordToolInvocation(ctx, "gmail_check_connection", StatusSuccess, 5*time.Millisecond)

	assert.Equal(t, int64(2), sumOf(t, reader, "oauth_auth_total"))
	assert.Equal(t, int64(1), sumOf(t, reader, "oauth_token_refresh_total"))
	assert.Equal(t, int64(3), sumOf(t, reader, "oauth_token_requests_total"))
	assert.Equal(t, int64(3), sumOf(t, reader, "oauth_states_purged_total"))
	assert.Equal(t, int64(1), sumOf(t, reader, "http_requests_total"))
	assert.Equal(t, int64(1), sumOf(t, reader, "mcp_tool_invocations_total"))
}

func TestMetrics_NilSafe(t *testing.T) {
	ctx := context.Background()

	var nilMetrics *Metrics
	zero := &Metrics{}

	for _, m := range []*Metrics{nilMetrics, zero} {
		assert.NotPanics(t, func() {
			m.RecordAuthorization(ctx, "begin", StatusSuccess)
			m.RecordTokenRefresh(ctx, StatusError, time.Second)
			m.RecordTokenRequest(ctx, SourceRefresh)
			m.RecordStatesPurged(ctx, 1)
			m.RecordHTTPRequest(ctx, "GET", "/", 200, time.Millisecond)
			m.RecordToolInvocation(ctx, "tool", StatusSuccess, time.Millisecond)
		})
	}
}
