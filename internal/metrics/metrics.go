// Package metrics exposes the gateway's OpenTelemetry instruments.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the gateway instruments. A zero-value provider (the otel
// global default) yields no-op instruments, so metrics never have to be
// wired to run.
type Metrics struct {
	queries      metric.Int64Counter
	duration     metric.Float64Histogram
	breakerTrips metric.Int64Counter
	activeTasks  metric.Int64UpDownCounter
	retries      metric.Int64Counter
}

// New creates the gateway instruments from the global meter provider.
func New() (*Metrics, error) {
	meter := otel.GetMeterProvider().Meter("claude-code-cli-api")

	queries, err := meter.Int64Counter("gateway.queries",
		metric.WithDescription("Completed queries by outcome"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("gateway.query.duration",
		metric.WithDescription("Query duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	breakerTrips, err := meter.Int64Counter("gateway.breaker.transitions",
		metric.WithDescription("Circuit breaker open transitions"))
	if err != nil {
		return nil, err
	}
	activeTasks, err := meter.Int64UpDownCounter("gateway.tasks.active",
		metric.WithDescription("In-flight orchestrations"))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("gateway.engine.retries",
		metric.WithDescription("Engine attempts beyond the first"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		queries:      queries,
		duration:     duration,
		breakerTrips: breakerTrips,
		activeTasks:  activeTasks,
		retries:      retries,
	}, nil
}

// RecordQuery records one completed query with its outcome label.
func (m *Metrics) RecordQuery(ctx context.Context, outcome string, streaming bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("streaming", streaming),
	)
	m.queries.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordBreakerOpen records a closed-to-open transition.
func (m *Metrics) RecordBreakerOpen(ctx context.Context) {
	if m == nil {
		return
	}
	m.breakerTrips.Add(ctx, 1)
}

// TaskStarted / TaskFinished track the in-flight gauge.
func (m *Metrics) TaskStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeTasks.Add(ctx, 1)
}

func (m *Metrics) TaskFinished(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeTasks.Add(ctx, -1)
}

// RecordRetries records extra engine attempts for one call.
func (m *Metrics) RecordRetries(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.retries.Add(ctx, n)
}
