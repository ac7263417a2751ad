package syncer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/goliatone/go-offline-sync/syncer"

type metrics struct {
	drains  metric.Int64Counter
	actions metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	drains, err := meter.Int64Counter(
		"offline_sync.drain.total",
		metric.WithDescription("Total number of outbox drains"),
		metric.WithUnit("{drain}"),
	)
	if err != nil {
		return nil, err
	}

	actions, err := meter.Int64Counter(
		"offline_sync.replay.actions",
		metric.WithDescription("Outbox actions replayed, by outcome"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, err
	}

	return &metrics{drains: drains, actions: actions}, nil
}

// defaultMetrics uses the global meter, falling back to no-op instruments.
func defaultMetrics() *metrics {
	m, err := newMetrics(otel.Meter(instrumentationName))
	if err != nil {
		m, _ = newMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	}
	return m
}

func (m *metrics) recordOutcome(ctx context.Context, kind string, outcome Outcome) {
	m.actions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action.kind", kind),
		attribute.String("action.outcome", string(outcome)),
	))
}
