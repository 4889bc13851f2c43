package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sferrors "github.com/randalmurphal/stockflow/pkg/stockflow/errors"
	"github.com/randalmurphal/stockflow/pkg/stockflow/event"
	"github.com/randalmurphal/stockflow/pkg/stockflow/observability"
	"github.com/randalmurphal/stockflow/pkg/stockflow/resilience"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Bus errors.
var (
	ErrClosed           = errors.New("bus is closed")
	ErrDuplicateHandler = errors.New("handler already subscribed to event type")
	ErrUnknownHandler   = errors.New("no subscribed handler with that name")
)

// Config configures bus behavior.
type Config struct {
	// MaxConcurrency caps concurrently running handlers across the bus.
	// Default: 64
	MaxConcurrency int

	// DefaultTimeout bounds each handler attempt unless the subscription
	// sets its own. Default: 30 seconds
	DefaultTimeout time.Duration

	// DefaultRetryPolicy applies to subscriptions without WithRetryPolicy.
	// Default: errors.DefaultRetryPolicy
	DefaultRetryPolicy sferrors.RetryPolicy

	// Breaker configures per (handler, event type) circuit breakers.
	Breaker resilience.BreakerConfig
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	MaxConcurrency:     64,
	DefaultTimeout:     30 * time.Second,
	DefaultRetryPolicy: sferrors.DefaultRetryPolicy,
	Breaker:            resilience.DefaultBreakerConfig,
}

// Option configures a Bus.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	registry *event.Registry
	store    resilience.Store
	now      func() time.Time
	execOpts []resilience.ExecutorOption
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithSpans sets the span manager.
func WithSpans(s observability.SpanManager) Option {
	return func(o *options) {
		o.spans = s
	}
}

// WithRegistry validates published events against registry.
func WithRegistry(registry *event.Registry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithDeadLetterStore sets where failed deliveries are kept.
// Default: an in-memory store.
func WithDeadLetterStore(store resilience.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithClock sets the time source for breakers and dead letters.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithExecutorOptions passes extra options to the underlying executor.
func WithExecutorOptions(opts ...resilience.ExecutorOption) Option {
	return func(o *options) {
		o.execOpts = append(o.execOpts, opts...)
	}
}

type busState int

const (
	stateOpen busState = iota
	stateClosing
	stateClosed
)

// Bus is an in-process event bus. Publishing enqueues one envelope per
// matching subscriber and returns; handlers run on per-(subscriber,
// aggregate) lanes so events of one aggregate are handled in publish order
// while different aggregates proceed in parallel.
type Bus struct {
	cfg      Config
	exec     *resilience.Executor
	registry *event.Registry
	logger   *slog.Logger
	spans    observability.SpanManager
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    busState
	subs     map[string][]*Subscription // event type (or Wildcard) -> subscriptions
	lanes    map[string]*lane
	laneWG   sync.WaitGroup
	inflight int
	idle     chan struct{}
	nextID   uint64

	waiters waiterSet
}

type lane struct {
	key   string
	sub   *Subscription
	queue []*event.Envelope
}

// New creates a bus.
func New(cfg Config, opts ...Option) *Bus {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig.MaxConcurrency
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig.DefaultTimeout
	}
	if cfg.DefaultRetryPolicy.Strategy == "" {
		cfg.DefaultRetryPolicy = DefaultConfig.DefaultRetryPolicy
	}

	o := &options{
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.store == nil {
		o.store = resilience.NewMemoryStore()
	}

	execOpts := append([]resilience.ExecutorOption{
		resilience.WithLogger(o.logger),
		resilience.WithMetrics(o.metrics),
		resilience.WithSpans(o.spans),
		resilience.WithClock(o.now),
	}, o.execOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg: cfg,
		exec: resilience.NewExecutor(resilience.ExecutorConfig{
			DefaultTimeout: cfg.DefaultTimeout,
			MaxConcurrency: cfg.MaxConcurrency,
			Breaker:        cfg.Breaker,
		}, o.store, execOpts...),
		registry: o.registry,
		logger:   o.logger,
		spans:    o.spans,
		now:      o.now,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[string][]*Subscription),
		lanes:    make(map[string]*lane),
		waiters:  waiterSet{waiters: make(map[uint64]*Waiter)},
	}
}

// Subscribe registers handler for eventType, or every type with Wildcard.
// Handler names must be unique per event type.
func (b *Bus) Subscribe(eventType string, handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	if eventType == "" {
		return nil, errors.New("event type is required")
	}
	if handler == nil || handler.Name() == "" {
		return nil, errors.New("handler with a name is required")
	}

	cfg := subscribeConfig{policy: b.cfg.DefaultRetryPolicy}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.hasPolicy {
		if err := cfg.policy.Validate(); err != nil {
			return nil, fmt.Errorf("subscribe %s to %s: %w", handler.Name(), eventType, err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != stateOpen {
		return nil, ErrClosed
	}
	for _, existing := range b.subs[eventType] {
		if existing.handler.Name() == handler.Name() {
			return nil, fmt.Errorf("%w: %s on %s", ErrDuplicateHandler, handler.Name(), eventType)
		}
	}

	b.nextID++
	sub := &Subscription{
		id:        b.nextID,
		bus:       b,
		eventType: eventType,
		handler:   handler,
		policy:    cfg.policy,
		timeout:   cfg.timeout,
	}
	sub.active.Store(true)
	b.subs[eventType] = append(b.subs[eventType], sub)

	b.logger.Debug("handler subscribed",
		slog.String("handler", handler.Name()),
		slog.String("event_type", eventType))
	return sub, nil
}

// Unsubscribe removes the named handler from eventType. Envelopes already
// queued for it are dropped. Returns false if no such subscription exists.
func (b *Bus) Unsubscribe(eventType, handlerName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[eventType]
	for i, sub := range subs {
		if sub.handler.Name() == handlerName {
			sub.active.Store(false)
			b.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
			if len(b.subs[eventType]) == 0 {
				delete(b.subs, eventType)
			}
			return true
		}
	}
	return false
}

// Publish validates evt and enqueues it for every matching subscriber.
// It returns once the event is enqueued, without waiting for handlers.
func (b *Bus) Publish(ctx context.Context, evt event.Event) error {
	return b.publish(ctx, []event.Event{evt}, false)
}

// PublishBatch validates every event first, then enqueues all of them.
// Either every event is enqueued or none is.
func (b *Bus) PublishBatch(ctx context.Context, events []event.Event) error {
	return b.publish(ctx, events, false)
}

func (b *Bus) validate(evt event.Event) error {
	if evt.IsZero() || evt.Type() == "" {
		return sferrors.Validation(errors.New("event has no id or type"), "publish")
	}
	if b.registry == nil {
		return nil
	}
	if err := b.registry.Validate(evt); err != nil {
		return sferrors.Validation(err, "publish "+evt.Type())
	}
	return nil
}

// publish enqueues events atomically. Internal publishes (derived events and
// failure notices) are still accepted while the bus drains on Close.
func (b *Bus) publish(ctx context.Context, events []event.Event, internal bool) error {
	for _, evt := range events {
		if err := b.validate(evt); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.state == stateClosed || (b.state == stateClosing && !internal) {
		b.mu.Unlock()
		return ErrClosed
	}
	for _, evt := range events {
		_, span := b.spans.StartPublishSpan(ctx, evt.Type(), evt.ID())
		n := b.enqueueLocked(evt)
		span.End()
		b.logger.Debug("event published",
			slog.String("event_type", evt.Type()),
			slog.String("event_id", evt.ID()),
			slog.String("correlation_id", evt.CorrelationID()),
			slog.Int("subscribers", n))
	}
	b.mu.Unlock()

	for _, evt := range events {
		b.waiters.notify(evt)
	}
	return nil
}

func (b *Bus) enqueueLocked(evt event.Event) int {
	matched := 0
	for _, key := range []string{evt.Type(), Wildcard} {
		for _, sub := range b.subs[key] {
			env := event.NewEnvelope(evt, sub.policy.Attempts()-1)
			env.Headers["handler"] = sub.handler.Name()
			b.pushLocked(sub, env)
			matched++
		}
	}
	return matched
}

func (b *Bus) pushLocked(sub *Subscription, env *event.Envelope) {
	b.inflight++
	key := fmt.Sprintf("%d/%s", sub.id, env.OrderingKey())
	if l, ok := b.lanes[key]; ok {
		l.queue = append(l.queue, env)
		return
	}
	l := &lane{key: key, sub: sub, queue: []*event.Envelope{env}}
	b.lanes[key] = l
	b.laneWG.Add(1)
	go b.drain(l)
}

// drain runs one lane until its queue is empty, then retires it.
func (b *Bus) drain(l *lane) {
	defer b.laneWG.Done()
	for {
		b.mu.Lock()
		if len(l.queue) == 0 {
			delete(b.lanes, l.key)
			b.mu.Unlock()
			return
		}
		env := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		b.mu.Unlock()

		if l.sub.active.Load() {
			b.dispatch(l.sub, env)
		}
		b.finish()
	}
}

func (b *Bus) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inflight--
	if b.inflight == 0 && b.idle != nil {
		close(b.idle)
		b.idle = nil
	}
}

func (b *Bus) dispatch(sub *Subscription, env *event.Envelope) {
	out := b.exec.Invoke(b.ctx, resilience.Invocation{
		HandlerName: sub.handler.Name(),
		Envelope:    env,
		Policy:      sub.policy,
		Timeout:     sub.timeout,
		Fn:          sub.handler.Handle,
	})

	if out.Err == nil {
		b.publishDerived(sub.handler.Name(), out.Events)
		return
	}

	if env.Event.Type() == TypeHandlerFailed || out.DeadLetter == nil {
		return
	}
	failure, err := newFailureEvent(env.Event, out.DeadLetter, out.Attempts)
	if err != nil {
		b.logger.Error("failed to build failure notice",
			slog.String("handler", sub.handler.Name()),
			slog.String("error", err.Error()))
		return
	}
	if err := b.publish(b.ctx, []event.Event{failure}, true); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
		b.logger.Warn("failed to publish failure notice",
			slog.String("handler", sub.handler.Name()),
			slog.String("event_id", env.Event.ID()),
			slog.String("error", err.Error()))
	}
}

func (b *Bus) publishDerived(handler string, events []event.Event) {
	if len(events) == 0 {
		return
	}
	if err := b.publish(b.ctx, events, true); err != nil {
		b.logger.Error("failed to publish derived events",
			slog.String("handler", handler),
			slog.Int("count", len(events)),
			slog.String("error", err.Error()))
	}
}

// Flush blocks until every enqueued delivery, including deliveries of
// derived events, has finished, or ctx is done.
func (b *Bus) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.inflight == 0 {
		b.mu.Unlock()
		return nil
	}
	if b.idle == nil {
		b.idle = make(chan struct{})
	}
	idle := b.idle
	b.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting publishes and drains queued deliveries. If ctx ends
// first, in-flight handlers are cancelled and what remains queued is
// dead-lettered rather than dropped. Close returns only after every lane
// has stopped, so the dead-letter store may be closed afterwards.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.state != stateOpen {
		b.mu.Unlock()
		return nil
	}
	b.state = stateClosing
	b.mu.Unlock()

	err := b.Flush(ctx)
	if err != nil {
		b.logger.Warn("bus drain interrupted, cancelling in-flight handlers",
			slog.String("error", err.Error()))
	}

	b.mu.Lock()
	b.state = stateClosed
	b.mu.Unlock()
	b.cancel()
	b.laneWG.Wait()
	return err
}

// Breakers returns snapshots of every circuit breaker.
func (b *Bus) Breakers() []resilience.BreakerSnapshot {
	return b.exec.Breakers().Snapshots()
}

// DeadLetters lists dead-lettered deliveries.
func (b *Bus) DeadLetters(ctx context.Context, filter resilience.Filter) ([]*resilience.DeadLetterMessage, error) {
	return b.exec.Store().List(ctx, filter)
}

// RetryDeadLetter re-invokes the original handler once. Success deletes the
// entry and publishes the handler's derived events; failure updates the
// entry's retry bookkeeping.
func (b *Bus) RetryDeadLetter(ctx context.Context, messageID string) error {
	msg, err := b.exec.Store().Get(ctx, messageID)
	if err != nil {
		return err
	}
	sub := b.findSubscription(msg.Event.Type(), msg.HandlerName)
	if sub == nil {
		return fmt.Errorf("%w: %s", ErrUnknownHandler, msg.HandlerName)
	}

	events, err := b.exec.Redeliver(ctx, messageID, sub.handler.Handle, sub.timeout)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		return b.publish(ctx, events, true)
	}
	return nil
}

// ResolveDeadLetter marks an entry resolved. It is kept as an audit record.
func (b *Bus) ResolveDeadLetter(ctx context.Context, messageID, notes string) error {
	if err := b.exec.Store().Resolve(ctx, messageID, notes, b.now()); err != nil {
		return err
	}
	b.logger.Info("dead letter resolved", slog.String("message_id", messageID))
	return nil
}

func (b *Bus) findSubscription(eventType, handlerName string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range []string{eventType, Wildcard} {
		for _, sub := range b.subs[key] {
			if sub.handler.Name() == handlerName {
				return sub
			}
		}
	}
	return nil
}
