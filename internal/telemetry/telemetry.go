// Package telemetry exposes delivery counters through OpenTelemetry metrics.
// Without a configured MeterProvider the global no-op provider is used.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/vincentbai/pagebeacon"

type Metrics struct {
	enqueued metric.Int64Counter
	flushes  metric.Int64Counter
	failures metric.Int64Counter
	requeued metric.Int64Counter
	dropped  metric.Int64Counter
	beacons  metric.Int64Counter
}

// New registers the counters on meter. A nil meter means the global provider.
func New(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &Metrics{}
	var err error
	if m.enqueued, err = meter.Int64Counter("pagebeacon.events.enqueued",
		metric.WithDescription("Events appended to the delivery queue")); err != nil {
		return nil, fmt.Errorf("create enqueued counter: %w", err)
	}
	if m.flushes, err = meter.Int64Counter("pagebeacon.flushes",
		metric.WithDescription("Non-empty flush attempts by mode")); err != nil {
		return nil, fmt.Errorf("create flush counter: %w", err)
	}
	if m.failures, err = meter.Int64Counter("pagebeacon.delivery.failures",
		metric.WithDescription("Normal-mode uploads that failed")); err != nil {
		return nil, fmt.Errorf("create failure counter: %w", err)
	}
	if m.requeued, err = meter.Int64Counter("pagebeacon.events.requeued",
		metric.WithDescription("Events put back on the queue after a failed upload")); err != nil {
		return nil, fmt.Errorf("create requeue counter: %w", err)
	}
	if m.dropped, err = meter.Int64Counter("pagebeacon.events.dropped",
		metric.WithDescription("Events from failed uploads that resolved after unload")); err != nil {
		return nil, fmt.Errorf("create dropped counter: %w", err)
	}
	if m.beacons, err = meter.Int64Counter("pagebeacon.beacons",
		metric.WithDescription("Beacon blobs dispatched on unload")); err != nil {
		return nil, fmt.Errorf("create beacon counter: %w", err)
	}
	return m, nil
}

func (m *Metrics) EventEnqueued(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.enqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

func (m *Metrics) Flushed(ctx context.Context, mode string) {
	if m == nil {
		return
	}
	m.flushes.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

func (m *Metrics) DeliveryFailed(ctx context.Context, events int, requeued bool) {
	if m == nil {
		return
	}
	m.failures.Add(ctx, 1)
	if requeued {
		m.requeued.Add(ctx, int64(events))
	} else {
		m.dropped.Add(ctx, int64(events))
	}
}

func (m *Metrics) BeaconSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.beacons.Add(ctx, 1)
}
