package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records stockflow metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordHandlerInvocation records one handler attempt.
	RecordHandlerInvocation(ctx context.Context, handler, eventType string, duration time.Duration, err error)

	// RecordDeadLetter records an event moved to the DLQ.
	RecordDeadLetter(ctx context.Context, handler, errorType string)

	// RecordBreakerTransition records a circuit breaker state change.
	RecordBreakerTransition(ctx context.Context, breaker, to string)

	// RecordAllocation records an allocation attempt outcome.
	RecordAllocation(ctx context.Context, outcome string, quantity int64)

	// RecordSaga records a finished saga.
	RecordSaga(ctx context.Context, sagaType, status string, duration time.Duration)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	handlerInvocations metric.Int64Counter
	handlerLatency     metric.Float64Histogram
	handlerErrors      metric.Int64Counter
	deadLetters        metric.Int64Counter
	breakerTransitions metric.Int64Counter
	allocations        metric.Int64Counter
	allocatedUnits     metric.Int64Counter
	sagas              metric.Int64Counter
	sagaLatency        metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("stockflow")
	m := &otelMetrics{}
	var err error

	if m.handlerInvocations, err = meter.Int64Counter("stockflow.handler.invocations",
		metric.WithDescription("Number of handler attempts"),
	); err != nil {
		return nil, err
	}
	if m.handlerLatency, err = meter.Float64Histogram("stockflow.handler.latency_ms",
		metric.WithDescription("Handler attempt latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.handlerErrors, err = meter.Int64Counter("stockflow.handler.errors",
		metric.WithDescription("Number of failed handler attempts"),
	); err != nil {
		return nil, err
	}
	if m.deadLetters, err = meter.Int64Counter("stockflow.dlq.messages",
		metric.WithDescription("Number of dead-lettered events"),
	); err != nil {
		return nil, err
	}
	if m.breakerTransitions, err = meter.Int64Counter("stockflow.breaker.transitions",
		metric.WithDescription("Number of circuit breaker state changes"),
	); err != nil {
		return nil, err
	}
	if m.allocations, err = meter.Int64Counter("stockflow.allocator.requests",
		metric.WithDescription("Number of allocation requests by outcome"),
	); err != nil {
		return nil, err
	}
	if m.allocatedUnits, err = meter.Int64Counter("stockflow.allocator.units",
		metric.WithDescription("Units reserved by successful allocations"),
	); err != nil {
		return nil, err
	}
	if m.sagas, err = meter.Int64Counter("stockflow.saga.runs",
		metric.WithDescription("Number of finished sagas"),
	); err != nil {
		return nil, err
	}
	if m.sagaLatency, err = meter.Float64Histogram("stockflow.saga.latency_ms",
		metric.WithDescription("Saga duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider; configure it first with
// otel.SetMeterProvider.
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordHandlerInvocation records one handler attempt.
func (m *otelMetrics) RecordHandlerInvocation(ctx context.Context, handler, eventType string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("handler", handler),
		attribute.String("event_type", eventType),
	)
	m.handlerInvocations.Add(ctx, 1, attrs)
	m.handlerLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.handlerErrors.Add(ctx, 1, attrs)
	}
}

// RecordDeadLetter records a dead-lettered event.
func (m *otelMetrics) RecordDeadLetter(ctx context.Context, handler, errorType string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("handler", handler),
		attribute.String("error_type", errorType),
	))
}

// RecordBreakerTransition records a breaker state change.
func (m *otelMetrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", breaker),
		attribute.String("state", to),
	))
}

// RecordAllocation records an allocation outcome.
func (m *otelMetrics) RecordAllocation(ctx context.Context, outcome string, quantity int64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.allocations.Add(ctx, 1, attrs)
	if quantity > 0 {
		m.allocatedUnits.Add(ctx, quantity, attrs)
	}
}

// RecordSaga records a finished saga.
func (m *otelMetrics) RecordSaga(ctx context.Context, sagaType, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("saga_type", sagaType),
		attribute.String("status", status),
	)
	m.sagas.Add(ctx, 1, attrs)
	m.sagaLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}
