package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	sferrors "github.com/randalmurphal/stockflow/pkg/stockflow/errors"
	"github.com/randalmurphal/stockflow/pkg/stockflow/event"
	"github.com/randalmurphal/stockflow/pkg/stockflow/observability"
)

// HandlerFunc processes one event and returns derived events.
type HandlerFunc func(ctx context.Context, evt event.Event) ([]event.Event, error)

// Invocation describes one handler delivery.
type Invocation struct {
	// HandlerName identifies the handler; together with the event type it
	// selects the circuit breaker.
	HandlerName string

	// Envelope is the delivery envelope. The executor updates RetryCount.
	Envelope *event.Envelope

	// Policy is the subscription's retry policy.
	Policy sferrors.RetryPolicy

	// Timeout bounds each attempt. Zero uses the executor default.
	Timeout time.Duration

	// Fn is the handler.
	Fn HandlerFunc
}

// Outcome is the result of Invoke.
type Outcome struct {
	// Events are the derived events from the successful attempt.
	Events []event.Event

	// Attempts is the number of attempts made, including breaker rejections.
	Attempts int

	// Err is the classified final error, nil on success.
	Err *sferrors.CategorizedError

	// DeadLetter is the stored dead letter when the delivery failed.
	DeadLetter *DeadLetterMessage
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// DefaultTimeout bounds an attempt when the invocation sets none.
	// Default: 30 seconds
	DefaultTimeout time.Duration

	// MaxConcurrency caps concurrently running handler attempts.
	// Backoff waits do not hold a slot. Default: 64
	MaxConcurrency int

	// Breaker configures the per (handler, event type) circuit breakers.
	Breaker BreakerConfig
}

// DefaultExecutorConfig provides reasonable defaults.
var DefaultExecutorConfig = ExecutorConfig{
	DefaultTimeout: 30 * time.Second,
	MaxConcurrency: 64,
	Breaker:        DefaultBreakerConfig,
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithSpans sets the span manager.
func WithSpans(s observability.SpanManager) ExecutorOption {
	return func(e *Executor) {
		e.spans = s
	}
}

// WithClock sets the time source used by breakers and dead letter timestamps.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		e.now = now
	}
}

// WithWaiter replaces the backoff wait. The default waits on a timer and
// returns ctx.Err() if ctx ends first.
func WithWaiter(wait func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) {
		e.wait = wait
	}
}

// Executor runs handler invocations with timeout, panic recovery, retry,
// circuit breaking and dead-lettering.
type Executor struct {
	cfg      ExecutorConfig
	store    Store
	breakers *BreakerSet
	sem      chan struct{}
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	now      func() time.Time
	wait     func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor that dead-letters into store.
func NewExecutor(cfg ExecutorConfig, store Store, opts ...ExecutorOption) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultExecutorConfig.DefaultTimeout
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultExecutorConfig.MaxConcurrency
	}
	if store == nil {
		store = NewMemoryStore()
	}

	e := &Executor{
		cfg:     cfg,
		store:   store,
		sem:     make(chan struct{}, cfg.MaxConcurrency),
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		now:     time.Now,
		wait:    sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.breakers = NewBreakerSet(cfg.Breaker, e.now, func(handler, eventType string, from, to State) {
		key := breakerKey(handler, eventType)
		observability.LogBreakerTransition(e.logger, key, from.String(), to.String())
		e.metrics.RecordBreakerTransition(context.Background(), key, to.String())
	})
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Breakers returns the executor's circuit breakers.
func (e *Executor) Breakers() *BreakerSet {
	return e.breakers
}

// Store returns the dead letter store.
func (e *Executor) Store() Store {
	return e.store
}

// Invoke delivers inv.Envelope to inv.Fn under inv.Policy.
// It never returns a raw handler error: failures come back classified in
// Outcome.Err, with the dead letter already stored.
func (e *Executor) Invoke(ctx context.Context, inv Invocation) Outcome {
	evt := inv.Envelope.Event
	breaker := e.breakers.Get(inv.HandlerName, evt.Type())
	attempts := inv.Policy.Attempts()
	inv.Envelope.MaxRetries = attempts - 1

	var (
		lastErr       error
		firstFailedAt time.Time
		made          int
	)

	for attempt := 0; attempt < attempts; attempt++ {
		inv.Envelope.RetryCount = attempt
		made = attempt + 1

		events, err := e.attempt(ctx, inv, breaker, attempt)
		if err == nil {
			return Outcome{Events: events, Attempts: made}
		}
		lastErr = err
		if firstFailedAt.IsZero() {
			firstFailedAt = e.now()
		}

		category := sferrors.Categorize(err)
		if !category.Retryable() || attempt == attempts-1 {
			break
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		delay := inv.Policy.Backoff(category, attempt)
		observability.LogRetry(e.logger, inv.HandlerName, attempt+1, delay, err)
		if werr := e.wait(ctx, delay); werr != nil {
			lastErr = werr
			break
		}
	}

	return e.deadLetter(ctx, inv, lastErr, made, firstFailedAt)
}

func (e *Executor) attempt(ctx context.Context, inv Invocation, breaker *Breaker, attempt int) ([]event.Event, error) {
	evt := inv.Envelope.Event
	if err := breaker.Allow(); err != nil {
		return nil, sferrors.Transient(err, inv.HandlerName)
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		breaker.Release()
		return nil, ctx.Err()
	}
	defer func() { <-e.sem }()

	ctx, span := e.spans.StartHandlerSpan(ctx, inv.HandlerName, evt.Type(), evt.ID())
	logger := observability.EnrichLogger(e.logger, inv.HandlerName, evt.Type(), evt.ID(), attempt+1)
	elapsed := observability.TimedOperation()

	events, err := e.run(ctx, inv)

	duration := elapsed()
	breaker.Done(err)
	e.metrics.RecordHandlerInvocation(ctx, inv.HandlerName, evt.Type(), duration, err)
	e.spans.EndSpanWithError(span, err)
	if err != nil {
		logger.Debug("handler attempt failed",
			slog.Duration("duration", duration),
			slog.String("category", sferrors.Categorize(err).String()),
			slog.String("error", err.Error()))
	}
	return events, err
}

// run executes one attempt. A timed-out handler is abandoned; its result is
// discarded when it eventually returns.
func (e *Executor) run(ctx context.Context, inv Invocation) ([]event.Event, error) {
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		events []event.Event
		err    error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: sferrors.System(&sferrors.PanicError{
					Handler: inv.HandlerName,
					Value:   r,
					Stack:   debug.Stack(),
				}, "handler "+inv.HandlerName)}
			}
		}()
		events, err := inv.Fn(attemptCtx, inv.Envelope.Event)
		done <- result{events: events, err: err}
	}()

	select {
	case r := <-done:
		return r.events, r.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, sferrors.Timeout(&sferrors.TimeoutError{
			Operation: "handler " + inv.HandlerName,
			Duration:  timeout.String(),
		}, inv.HandlerName)
	}
}

func errorType(err error) string {
	if errors.Is(err, ErrCircuitOpen) {
		return ErrorTypeCircuitOpen
	}
	return sferrors.Categorize(err).String()
}

func (e *Executor) deadLetter(ctx context.Context, inv Invocation, err error, attempts int, firstFailedAt time.Time) Outcome {
	now := e.now()
	if firstFailedAt.IsZero() {
		firstFailedAt = now
	}

	classified := &sferrors.CategorizedError{
		Err:      err,
		Category: sferrors.Categorize(err),
		Kind:     sferrors.KindOf(err),
		Attempts: attempts,
		Context:  fmt.Sprintf("handler %s", inv.HandlerName),
	}

	msg := &DeadLetterMessage{
		MessageID:                  inv.Envelope.MessageID,
		Event:                      inv.Envelope.Event,
		HandlerName:                inv.HandlerName,
		ErrorType:                  errorType(err),
		ErrorMessage:               err.Error(),
		RetryCount:                 attempts - 1,
		FirstFailedAt:              firstFailedAt,
		LastFailedAt:               now,
		RequiresManualIntervention: classified.Category == sferrors.CategorySystem,
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}

	// The dead letter must land even when delivery was cut short by shutdown
	storeCtx := context.WithoutCancel(ctx)
	if serr := e.store.Put(storeCtx, msg); serr != nil {
		e.logger.Error("failed to store dead letter",
			slog.String("handler", inv.HandlerName),
			slog.String("event_id", msg.Event.ID()),
			slog.String("error", serr.Error()))
	}
	observability.LogDeadLetter(e.logger, inv.HandlerName, msg.Event.ID(), msg.ErrorType, msg.RequiresManualIntervention)
	e.metrics.RecordDeadLetter(storeCtx, inv.HandlerName, msg.ErrorType)

	return Outcome{Attempts: attempts, Err: classified, DeadLetter: msg}
}

// Redeliver retries a dead letter once with fn. On success the entry is
// deleted; on failure its retry bookkeeping is updated and the classified
// error returned.
func (e *Executor) Redeliver(ctx context.Context, messageID string, fn HandlerFunc, timeout time.Duration) ([]event.Event, error) {
	msg, err := e.store.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Resolved {
		return nil, ErrAlreadyResolved
	}

	env := event.NewEnvelope(msg.Event, 0)
	env.MessageID = msg.MessageID
	env.RetryCount = msg.RetryCount + 1
	inv := Invocation{HandlerName: msg.HandlerName, Envelope: env, Timeout: timeout, Fn: fn}

	events, runErr := e.attempt(ctx, inv, e.breakers.Get(msg.HandlerName, msg.Event.Type()), msg.RetryCount+1)
	if runErr == nil {
		if err := e.store.Delete(ctx, messageID); err != nil {
			return events, err
		}
		e.logger.Info("dead letter redelivered",
			slog.String("handler", msg.HandlerName),
			slog.String("event_id", msg.Event.ID()))
		return events, nil
	}

	msg.RetryCount++
	msg.LastFailedAt = e.now()
	msg.ErrorType = errorType(runErr)
	msg.ErrorMessage = runErr.Error()
	msg.RequiresManualIntervention = msg.RequiresManualIntervention || sferrors.NeedsManualIntervention(runErr)
	if err := e.store.Put(context.WithoutCancel(ctx), msg); err != nil {
		return nil, err
	}
	return nil, &sferrors.CategorizedError{
		Err:      runErr,
		Category: sferrors.Categorize(runErr),
		Kind:     sferrors.KindOf(runErr),
		Attempts: msg.RetryCount + 1,
		Context:  "redeliver " + msg.HandlerName,
	}
}
