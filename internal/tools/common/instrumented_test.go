package common

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/teemow/mailboxauth/internal/instrumentation"
	"github.com/teemow/mailboxauth/internal/server/servertest"
)

func newMetrics(t *testing.T) (*instrumentation.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := instrumentation.NewMetrics(provider.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

// invocations returns the recorded tool invocation count per status.
func invocations(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "mcp_tool_invocations_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				status, _ := dp.Attributes.Value("status")
				counts[status.AsString()] += dp.Value
			}
		}
	}
	return counts
}

func TestInstrumentedToolHandler(t *testing.T) {
	tests := []struct {
		name       string
		handler    ToolHandler
		wantErr    bool
		wantStatus string
	}{
		{
			name: "success",
			handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return mcp.NewToolResultText("ok"), nil
			},
			wantStatus: instrumentation.StatusSuccess,
		},
		{
			name: "tool error result",
			handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return mcp.NewToolResultError("bad input"), nil
			},
			wantStatus: instrumentation.StatusError,
		},
		{
			name: "handler error",
			handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return nil, errors.New("boom")
			},
			wantErr:    true,
			wantStatus: instrumentation.StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics, reader := newMetrics(t)
			sc, _ := servertest.New(t, servertest.Options{Metrics: metrics})

			wrapped := InstrumentedToolHandler("test_tool", sc, tt.handler)
			_, err := wrapped(context.Background(), mcp.CallToolRequest{})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			assert.Equal(t, map[string]int64{tt.wantStatus: 1}, invocations(t, reader))
		})
	}
}

func TestInstrumentedToolHandler_WithoutMetrics(t *testing.T) {
	sc, _ := servertest.New(t, servertest.Options{})

	called := false
	wrapped := InstrumentedToolHandler("test_tool", sc, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		called = true
		return mcp.NewToolResultText("ok"), nil
	})

	result, err := wrapped(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.True(t, called)
	assert.NotNil(t, result)
}
