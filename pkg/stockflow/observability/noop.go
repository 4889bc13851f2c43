package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

// RecordHandlerInvocation does nothing.
func (NoopMetrics) RecordHandlerInvocation(context.Context, string, string, time.Duration, error) {}

// RecordDeadLetter does nothing.
func (NoopMetrics) RecordDeadLetter(context.Context, string, string) {}

// RecordBreakerTransition does nothing.
func (NoopMetrics) RecordBreakerTransition(context.Context, string, string) {}

// RecordAllocation does nothing.
func (NoopMetrics) RecordAllocation(context.Context, string, int64) {}

// RecordSaga does nothing.
func (NoopMetrics) RecordSaga(context.Context, string, string, time.Duration) {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartPublishSpan returns ctx unchanged and a no-op span.
func (NoopSpanManager) StartPublishSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartHandlerSpan returns ctx unchanged and a no-op span.
func (NoopSpanManager) StartHandlerSpan(ctx context.Context, _, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartSagaSpan returns ctx unchanged and a no-op span.
func (NoopSpanManager) StartSagaSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}
