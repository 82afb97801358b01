// Package telemetry records synthesis and engine lifecycle metrics through
// OpenTelemetry and exposes them in Prometheus format.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "avatts"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	requests     metric.Int64Counter
	chunks       metric.Int64Counter
	initDuration metric.Float64Histogram
	transitions  metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	requests, err := meter.Int64Counter("avatts.synthesis.requests",
		metric.WithDescription("Synthesis requests by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create requests counter: %w", err)
	}
	chunks, err := meter.Int64Counter("avatts.synthesis.chunks",
		metric.WithDescription("PCM chunks delivered to sinks"))
	if err != nil {
		return nil, fmt.Errorf("create chunks counter: %w", err)
	}
	initDuration, err := meter.Float64Histogram("avatts.engine.init.duration",
		metric.WithDescription("Engine provisioning and construction time"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create init histogram: %w", err)
	}
	transitions, err := meter.Int64Counter("avatts.engine.state",
		metric.WithDescription("Engine lifecycle state transitions"))
	if err != nil {
		return nil, fmt.Errorf("create transitions counter: %w", err)
	}
	return &Metrics{
		requests:     requests,
		chunks:       chunks,
		initDuration: initDuration,
		transitions:  transitions,
	}, nil
}

func (m *Metrics) RecordRequest(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordChunks(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.chunks.Add(ctx, int64(n))
}

func (m *Metrics) RecordInit(ctx context.Context, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.initDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) RecordTransition(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// Setup builds a meter provider backed by a Prometheus exporter on its own
// registry and returns the handler serving it.
func Setup() (*sdkmetric.MeterProvider, *Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	metrics, err := NewMetrics(provider.Meter(meterName))
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, nil, nil, err
	}
	return provider, metrics, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}
