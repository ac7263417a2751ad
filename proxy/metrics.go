package proxy

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/goliatone/go-offline-sync/proxy"

type metrics struct {
	requests metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	requests, err := meter.Int64Counter(
		"offline_sync.proxy.requests",
		metric.WithDescription("Intercepted requests by strategy and result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	return &metrics{requests: requests}, nil
}

func defaultMetrics() *metrics {
	m, err := newMetrics(otel.Meter(instrumentationName))
	if err != nil {
		m, _ = newMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	}
	return m
}

func (m *metrics) record(ctx context.Context, strategy Strategy, result string) {
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("proxy.strategy", strategy.String()),
		attribute.String("proxy.result", result),
	))
}
