package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_DisabledIsNoop(t *testing.T) {
	tel, err := New(Config{}, nil)
	require.NoError(t, err)
	require.Nil(t, tel.Registry)

	_, span := tel.Tracer.Start(context.Background(), "noop")
	span.End()
	require.False(t, span.SpanContext().IsValid())
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_ExportsMetricsThroughRegistry(t *testing.T) {
	tel, err := New(Config{Enabled: true, ServiceName: "gojotable-test"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	counter, err := tel.Meter.Int64Counter("test_pages_read")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "test_pages_read")

	_, span := tel.Tracer.Start(context.Background(), "sampled")
	require.True(t, span.SpanContext().IsValid())
	span.End()
}

func TestNew_ServesMetricsEndpoint(t *testing.T) {
	tel, err := New(Config{Enabled: true, MetricsAddr: "127.0.0.1:0"}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, tel.server)
	require.NoError(t, tel.Shutdown(context.Background()))
}
