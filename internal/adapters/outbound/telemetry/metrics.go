package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/archon-research/queue-consumer/internal/ports/outbound"
)

// Compile-time check that Metrics implements outbound.MetricsRecorder
var _ outbound.MetricsRecorder = (*Metrics)(nil)

// Metrics implements outbound.MetricsRecorder using OpenTelemetry.
type Metrics struct {
	queue attribute.KeyValue

	polls           metric.Int64Counter
	messages        metric.Int64Counter
	handlerDuration metric.Float64Histogram
	deletes         metric.Int64Counter
	pollingDelay    metric.Float64Gauge
}

// NewMetrics creates a recorder on the global meter provider.
func NewMetrics(meterName, queue string) (*Metrics, error) {
	return NewMetricsWithProvider(otel.GetMeterProvider(), meterName, queue)
}

// NewMetricsWithProvider creates a recorder on provider. Every measurement is
// tagged with the queue name.
func NewMetricsWithProvider(provider metric.MeterProvider, meterName, queue string) (*Metrics, error) {
	meter := provider.Meter(meterName)

	polls, err := meter.Int64Counter(
		"queue_polls_total",
		metric.WithDescription("Receive calls by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue_polls_total counter: %w", err)
	}

	messages, err := meter.Int64Counter(
		"queue_messages_received_total",
		metric.WithDescription("Messages delivered to the handler"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue_messages_received_total counter: %w", err)
	}

	handler, err := meter.Float64Histogram(
		"queue_handler_duration_seconds",
		metric.WithDescription("Time taken by the message handler per batch"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue_handler_duration_seconds histogram: %w", err)
	}

	deletes, err := meter.Int64Counter(
		"queue_deletes_total",
		metric.WithDescription("Delete calls by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue_deletes_total counter: %w", err)
	}

	delay, err := meter.Float64Gauge(
		"queue_polling_delay_seconds",
		metric.WithDescription("Delay armed before the next poll, including backoff"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue_polling_delay_seconds gauge: %w", err)
	}

	return &Metrics{
		queue:           attribute.String("queue", queue),
		polls:           polls,
		messages:        messages,
		handlerDuration: handler,
		deletes:         deletes,
		pollingDelay:    delay,
	}, nil
}

// RecordPoll counts one receive call and the messages it returned.
func (m *Metrics) RecordPoll(ctx context.Context, status string, messages int) {
	m.polls.Add(ctx, 1, metric.WithAttributes(m.queue, attribute.String("status", status)))
	if messages > 0 {
		m.messages.Add(ctx, int64(messages), metric.WithAttributes(m.queue))
	}
}

// RecordHandler records the handler duration for one batch.
func (m *Metrics) RecordHandler(ctx context.Context, duration time.Duration, status string) {
	m.handlerDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(m.queue, attribute.String("status", status)))
}

// RecordDelete counts one delete call.
func (m *Metrics) RecordDelete(ctx context.Context, status string) {
	m.deletes.Add(ctx, 1, metric.WithAttributes(m.queue, attribute.String("status", status)))
}

// RecordPollingDelay records the delay before the next poll.
func (m *Metrics) RecordPollingDelay(ctx context.Context, delay time.Duration) {
	m.pollingDelay.Record(ctx, delay.Seconds(), metric.WithAttributes(m.queue))
}
