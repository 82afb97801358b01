package telemetry_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"avatts/internal/pkg/avatts/telemetry"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := telemetry.NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordRequest(ctx, "done")
	m.RecordRequest(ctx, "done")
	m.RecordChunks(ctx, 3)
	m.RecordChunks(ctx, 0)
	m.RecordInit(ctx, 50*time.Millisecond, nil)
	m.RecordInit(ctx, time.Millisecond, errors.New("boom"))
	m.RecordTransition(ctx, "ready")

	got := collect(t, reader)

	requests, ok := got["avatts.synthesis.requests"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, requests.DataPoints, 1)
	assert.Equal(t, int64(2), requests.DataPoints[0].Value)

	chunks, ok := got["avatts.synthesis.chunks"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, chunks.DataPoints, 1)
	assert.Equal(t, int64(3), chunks.DataPoints[0].Value)

	hist, ok := got["avatts.engine.init.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	assert.Len(t, hist.DataPoints, 2)

	_, ok = got["avatts.engine.state"]
	assert.True(t, ok)
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *telemetry.Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordRequest(ctx, "done")
		m.RecordChunks(ctx, 1)
		m.RecordInit(ctx, time.Second, nil)
		m.RecordTransition(ctx, "ready")
	})
}

func TestSetupServesPrometheus(t *testing.T) {
	provider, m, handler, err := telemetry.Setup()
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m.RecordRequest(context.Background(), "done")

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "avatts_synthesis_requests")
}
