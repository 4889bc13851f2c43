// Package observability provides structured logging helpers, metrics, and
// tracing for stockflow.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds handler invocation context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "allocator", "stock.allocation.requested", evtID, 1)
//	enriched.Info("allocating") // includes handler, event_type, event_id, attempt
func EnrichLogger(logger *slog.Logger, handler, eventType, eventID string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("handler", handler),
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
		slog.Int("attempt", attempt),
	)
}

// LogRetry logs a scheduled retry.
func LogRetry(logger *slog.Logger, handler string, attempt int, delay time.Duration, err error) {
	if logger == nil {
		return
	}
	logger.Warn("handler failed, retrying",
		slog.String("handler", handler),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("error", err.Error()),
	)
}

// LogDeadLetter logs an event moved to the dead-letter queue.
func LogDeadLetter(logger *slog.Logger, handler, eventID, errorType string, manual bool) {
	if logger == nil {
		return
	}
	logger.Error("event dead-lettered",
		slog.String("handler", handler),
		slog.String("event_id", eventID),
		slog.String("error_type", errorType),
		slog.Bool("requires_manual_intervention", manual),
	)
}

// LogBreakerTransition logs a circuit breaker state change.
func LogBreakerTransition(logger *slog.Logger, key, from, to string) {
	if logger == nil {
		return
	}
	logger.Info("circuit breaker state changed",
		slog.String("breaker", key),
		slog.String("from", from),
		slog.String("to", to),
	)
}

// LogSagaTransition logs a saga status change.
func LogSagaTransition(logger *slog.Logger, sagaID, sagaType, status string) {
	if logger == nil {
		return
	}
	logger.Info("saga status changed",
		slog.String("saga_id", sagaID),
		slog.String("saga_type", sagaType),
		slog.String("status", status),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time.
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
