package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "vahti"

// Metrics holds the operational instruments of monitors, relays and sinks,
// named after OTEL semantic conventions. A nil *Metrics records nothing.
type Metrics struct {
	polls         metric.Int64Counter
	pollDuration  metric.Float64Histogram
	resources     metric.Int64Gauge
	decisions     metric.Int64Counter
	deliveries    metric.Int64Counter
	notifications metric.Int64Counter
}

// NewMetrics creates metrics on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithProvider(otel.GetMeterProvider())
}

// NewMetricsWithProvider creates metrics on mp.
func NewMetricsWithProvider(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(instrumentationName)

	polls, err := meter.Int64Counter(
		"vahti.collector.polls",
		metric.WithDescription("Number of collection task ticks"),
		metric.WithUnit("{poll}"),
	)
	if err != nil {
		return nil, err
	}

	pollDuration, err := meter.Float64Histogram(
		"vahti.collector.poll.duration",
		metric.WithDescription("Duration of collection task ticks"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	resources, err := meter.Int64Gauge(
		"vahti.collector.resources",
		metric.WithDescription("Number of resources matched by the last tick"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, err
	}

	decisions, err := meter.Int64Counter(
		"vahti.tracker.decisions",
		metric.WithDescription("Emit decisions taken per resource poll"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter(
		"vahti.sink.deliveries",
		metric.WithDescription("Number of event payloads handed to the sink"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	notifications, err := meter.Int64Counter(
		"vahti.relay.notifications",
		metric.WithDescription("Number of notifications received by relays"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		polls:         polls,
		pollDuration:  pollDuration,
		resources:     resources,
		decisions:     decisions,
		deliveries:    deliveries,
		notifications: notifications,
	}, nil
}

// RecordPoll records one finished tick of a collection task.
func (m *Metrics) RecordPoll(ctx context.Context, task, status string, d time.Duration, resources int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("task", task),
		attribute.String("status", status),
	)
	m.polls.Add(ctx, 1, attrs)
	m.pollDuration.Record(ctx, d.Seconds(), attrs)
	m.resources.Record(ctx, int64(resources), metric.WithAttributes(attribute.String("task", task)))
}

// RecordDecision records an emit decision.
func (m *Metrics) RecordDecision(ctx context.Context, task, decision string) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task", task),
		attribute.String("decision", decision),
	))
}

// RecordDelivery records a payload handed to the sink. path is
// "attributes" or "notification".
func (m *Metrics) RecordDelivery(ctx context.Context, path string, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("path", path),
		attribute.String("status", statusOf(err)),
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.type", "delivery"))
	}
	m.deliveries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordNotification records a notification received by a relay.
func (m *Metrics) RecordNotification(ctx context.Context, relay, notificationType string) {
	if m == nil {
		return
	}
	m.notifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("relay", relay),
		attribute.String("notification.type", notificationType),
	))
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
