package stockflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/stockflow/pkg/stockflow/bridge"
	"github.com/randalmurphal/stockflow/pkg/stockflow/bus"
	"github.com/randalmurphal/stockflow/pkg/stockflow/config"
	sferrors "github.com/randalmurphal/stockflow/pkg/stockflow/errors"
	"github.com/randalmurphal/stockflow/pkg/stockflow/event"
	"github.com/randalmurphal/stockflow/pkg/stockflow/idempotency"
	"github.com/randalmurphal/stockflow/pkg/stockflow/inventory"
	"github.com/randalmurphal/stockflow/pkg/stockflow/observability"
	"github.com/randalmurphal/stockflow/pkg/stockflow/resilience"
	"github.com/randalmurphal/stockflow/pkg/stockflow/saga"
	"github.com/randalmurphal/stockflow/pkg/stockflow/sales"
)

// Engine errors.
var (
	ErrEngineClosed  = errors.New("engine is closed")
	ErrEngineStarted = errors.New("engine already started")
)

// Status is the caller-facing outcome of SubmitSale. Values follow HTTP
// status codes so an API layer can return them unchanged.
type Status int

const (
	// StatusOK means the sale completed; Response is the receipt.
	StatusOK Status = 200
	// StatusConflict means the key was already used with a different request.
	StatusConflict Status = 409
	// StatusFailed means the sale was rejected and its effects undone.
	StatusFailed Status = 422
	// StatusBusy means the same request is still in flight; retry later.
	StatusBusy Status = 429
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusConflict:
		return "conflict"
	case StatusFailed:
		return "failed"
	case StatusBusy:
		return "busy"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is returned by SubmitSale.
type Result struct {
	Status Status

	// Response is the receipt for StatusOK or a Rejection for StatusFailed.
	// A replayed request gets the stored bytes unchanged.
	Response json.RawMessage

	// Replayed is true when Response came from an earlier submission.
	Replayed bool
}

// Rejection is the response body of a failed sale.
type Rejection struct {
	SagaID                     string      `json:"saga_id,omitempty"`
	Status                     saga.Status `json:"status"`
	Error                      string      `json:"error"`
	RequiresManualIntervention bool        `json:"requires_manual_intervention,omitempty"`
}

// Engine wires the bus, resilience layer, idempotency gate, allocator and
// sale saga into one service.
type Engine struct {
	settings config.Settings
	logger   *slog.Logger

	bus          *bus.Bus
	gate         *idempotency.Gate
	allocator    *inventory.Allocator
	orchestrator *saga.Orchestrator
	forwarder    *bridge.KafkaForwarder

	// closers release stores in reverse order of creation.
	closers []func() error

	mu      sync.Mutex
	started bool
	closed  bool
	stops   []func()

	// inflight counts SubmitSale calls; Close waits for them before the
	// stores go away.
	inflight sync.WaitGroup
}

// New builds an engine from settings. Call Start to run background work
// and Close to release everything.
func New(settings config.Settings, opts ...Option) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	policy := retryPolicy(settings.Bus.Retry)
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("settings: bus retry: %w", err)
	}

	cfg := engineConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	var metrics observability.MetricsRecorder = observability.NoopMetrics{}
	if settings.Telemetry.Metrics {
		metrics = observability.NewMetricsRecorder()
	}
	var spans observability.SpanManager = observability.NoopSpanManager{}
	if settings.Telemetry.Tracing {
		spans = observability.NewSpanManager()
	}

	e := &Engine{settings: settings, logger: cfg.logger}
	if err := e.build(settings, cfg, policy, metrics, spans); err != nil {
		if e.bus != nil {
			_ = e.bus.Close(context.Background())
		}
		_ = e.closeStores()
		return nil, err
	}
	return e, nil
}

func (e *Engine) build(settings config.Settings, cfg engineConfig, policy sferrors.RetryPolicy,
	metrics observability.MetricsRecorder, spans observability.SpanManager) error {
	dlq, err := openDeadLetters(settings.DeadLetters)
	if err != nil {
		return err
	}
	e.closers = append(e.closers, dlq.Close)

	registry := event.NewRegistry()
	for _, schema := range sales.Schemas() {
		if err := registry.Register(schema); err != nil {
			return err
		}
	}

	busOpts := append([]bus.Option{
		bus.WithLogger(e.logger),
		bus.WithMetrics(metrics),
		bus.WithSpans(spans),
		bus.WithRegistry(registry),
		bus.WithDeadLetterStore(dlq),
	}, cfg.busOpts...)
	e.bus = bus.New(bus.Config{
		MaxConcurrency:     settings.Bus.MaxConcurrency,
		DefaultTimeout:     settings.Bus.HandlerTimeout,
		DefaultRetryPolicy: policy,
		Breaker: resilience.BreakerConfig{
			FailureThreshold: settings.Bus.Breaker.FailureThreshold,
			SuccessThreshold: settings.Bus.Breaker.SuccessThreshold,
			Timeout:          settings.Bus.Breaker.Timeout,
			Window:           settings.Bus.Breaker.Window,
		},
	}, busOpts...)

	keys, err := openIdempotency(settings.Idempotency)
	if err != nil {
		return err
	}
	e.closers = append(e.closers, keys.Close)
	e.gate = idempotency.NewGate(keys,
		idempotency.WithTTL(settings.Idempotency.TTL),
		idempotency.WithLogger(e.logger))

	lots, closeLots, err := openLots(settings.Inventory)
	if err != nil {
		return err
	}
	if closeLots != nil {
		e.closers = append(e.closers, closeLots)
	}
	allocCfg := inventory.DefaultConfig
	allocCfg.ReservationTTL = settings.Inventory.ReservationTTL
	allocCfg.DefaultStrategy = inventory.Strategy(settings.Inventory.Strategy)
	e.allocator = inventory.NewAllocator(lots, allocCfg,
		inventory.WithLogger(e.logger),
		inventory.WithMetrics(metrics),
		inventory.WithPublisher(e.bus))
	if _, err := inventory.Register(e.bus, e.allocator, inventory.HandlerConfig{}); err != nil {
		return fmt.Errorf("register inventory handlers: %w", err)
	}

	prices := cfg.prices
	if prices == nil {
		prices = sales.StaticPrices(settings.Sales.Prices)
	}
	if _, err := sales.Register(e.bus, sales.Config{
		Prices:   prices,
		Currency: settings.Sales.Currency,
	}); err != nil {
		return fmt.Errorf("register sale handlers: %w", err)
	}

	sagas, err := openSagas(settings.Saga)
	if err != nil {
		return err
	}
	e.closers = append(e.closers, sagas.Close)
	e.orchestrator = saga.NewOrchestrator(e.bus,
		saga.WithStore(sagas),
		saga.WithLogger(e.logger),
		saga.WithMetrics(metrics),
		saga.WithSpans(spans))
	if err := e.orchestrator.Register(sales.Definition(settings.Saga.StepTimeout)); err != nil {
		return err
	}

	writer := cfg.writer
	if writer == nil && settings.Kafka.Enabled {
		writer = bridge.NewKafkaWriter(bridge.KafkaConfig{
			Brokers:      settings.Kafka.Brokers,
			Topic:        settings.Kafka.Topic,
			BatchSize:    settings.Kafka.BatchSize,
			BatchTimeout: settings.Kafka.BatchTimeout,
		})
	}
	if writer != nil {
		e.forwarder = bridge.NewKafkaForwarder(writer, bridge.WithLogger(e.logger))
		if _, err := e.forwarder.Attach(e.bus); err != nil {
			return fmt.Errorf("attach kafka bridge: %w", err)
		}
	}
	return nil
}

func retryPolicy(s config.RetrySettings) sferrors.RetryPolicy {
	return sferrors.RetryPolicy{
		Strategy:          sferrors.Strategy(s.Strategy),
		MaxAttempts:       s.MaxAttempts,
		InitialDelay:      s.InitialDelay,
		MaxDelay:          s.MaxDelay,
		BackoffMultiplier: s.Multiplier,
		Jitter:            s.Jitter,
	}
}

func openDeadLetters(s config.StoreSettings) (resilience.Store, error) {
	if s.Driver == config.DriverSQLite {
		store, err := resilience.NewSQLiteStore(s.Path)
		if err != nil {
			return nil, fmt.Errorf("open dead letter store: %w", err)
		}
		return store, nil
	}
	return resilience.NewMemoryStore(), nil
}

func openIdempotency(s config.IdempotencySettings) (idempotency.Store, error) {
	switch s.Driver {
	case config.DriverSQLite:
		store, err := idempotency.NewSQLiteStore(s.Path)
		if err != nil {
			return nil, fmt.Errorf("open idempotency store: %w", err)
		}
		return store, nil
	case config.DriverRedis:
		return idempotency.NewRedisStore(redis.NewClient(&redis.Options{
			Addr:     s.Redis.Addr,
			Password: s.Redis.Password,
			DB:       s.Redis.DB,
		})), nil
	default:
		return idempotency.NewMemoryStore(), nil
	}
}

func openLots(s config.InventorySettings) (inventory.Store, func() error, error) {
	if s.Driver == config.DriverMySQL {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := inventory.OpenMySQLStore(ctx, s.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open lot store: %w", err)
		}
		return store, store.Close, nil
	}
	return inventory.NewMemoryStore(), nil, nil
}

func openSagas(s config.SagaSettings) (saga.Store, error) {
	if s.Driver == config.DriverSQLite {
		store, err := saga.NewSQLiteStore(s.Path)
		if err != nil {
			return nil, fmt.Errorf("open saga store: %w", err)
		}
		return store, nil
	}
	return saga.NewMemoryStore(), nil
}

// Bus returns the event bus.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Allocator returns the stock allocator.
func (e *Engine) Allocator() *inventory.Allocator { return e.allocator }

// Orchestrator returns the saga orchestrator.
func (e *Engine) Orchestrator() *saga.Orchestrator { return e.orchestrator }

// Gate returns the idempotency gate.
func (e *Engine) Gate() *idempotency.Gate { return e.gate }

// Start flags sagas interrupted by a previous process, then runs the
// reservation reaper and the idempotency janitor until Close.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if e.started {
		return ErrEngineStarted
	}

	n, err := e.orchestrator.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover sagas: %w", err)
	}
	if n > 0 {
		e.logger.Warn("sagas need manual intervention after restart", slog.Int("count", n))
	}

	// Background work outlives the caller's ctx and stops on Close.
	bg := context.WithoutCancel(ctx)
	e.stops = append(e.stops,
		e.allocator.StartReaper(bg, e.settings.Inventory.ReapInterval),
		e.gate.StartJanitor(bg, e.settings.Idempotency.CleanupInterval))
	e.started = true

	e.logger.Info("stockflow engine started",
		slog.String("dead_letters", e.settings.DeadLetters.Driver),
		slog.String("idempotency", e.settings.Idempotency.Driver),
		slog.String("inventory", e.settings.Inventory.Driver),
		slog.String("saga", e.settings.Saga.Driver),
		slog.Bool("kafka", e.forwarder != nil))
	return nil
}

// SubmitSale records a sale once per idempotency key. A repeated
// submission with the same request replays the first result byte for
// byte; a different request under the same key is a conflict; a request
// still in flight is busy.
//
// A rejected sale marks the key failed, so the same request may be
// submitted again later.
func (e *Engine) SubmitSale(ctx context.Context, key string, req sales.Request) (Result, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Result{}, ErrEngineClosed
	}
	e.inflight.Add(1)
	e.mu.Unlock()
	defer e.inflight.Done()

	d, err := e.gate.Admit(ctx, key, req)
	if err != nil {
		return Result{}, err
	}
	switch d.Outcome {
	case idempotency.OutcomeReplay:
		return Result{Status: StatusOK, Response: d.Response, Replayed: true}, nil
	case idempotency.OutcomeConflict:
		return Result{Status: StatusConflict}, nil
	case idempotency.OutcomeBusy:
		return Result{Status: StatusBusy}, nil
	}

	// The record must be finished even if the caller gives up.
	finishCtx := context.WithoutCancel(ctx)

	sc, err := e.orchestrator.Run(ctx, sales.SagaType, "", req)
	if err != nil {
		if ferr := e.gate.Fail(finishCtx, key); ferr != nil {
			e.logger.Warn("failed to release idempotency key",
				slog.String("idempotency_key", key),
				slog.String("error", ferr.Error()))
		}
		if sferrors.IsBusiness(err) {
			return e.reject(Rejection{Status: saga.StatusFailed, Error: err.Error()})
		}
		return Result{}, err
	}

	if sc.Status != saga.StatusCompleted {
		if err := e.gate.Fail(finishCtx, key); err != nil {
			return Result{}, err
		}
		return e.reject(Rejection{
			SagaID:                     sc.SagaID,
			Status:                     sc.Status,
			Error:                      sc.Error,
			RequiresManualIntervention: sc.RequiresManualIntervention,
		})
	}

	receipt, err := sales.ReceiptFrom(sc)
	if err != nil {
		_ = e.gate.Fail(finishCtx, key)
		return Result{}, sferrors.System(err, "build receipt for saga "+sc.SagaID)
	}
	body, err := json.Marshal(receipt)
	if err != nil {
		_ = e.gate.Fail(finishCtx, key)
		return Result{}, fmt.Errorf("encode receipt: %w", err)
	}
	if err := e.gate.Complete(finishCtx, key, body); err != nil {
		return Result{}, err
	}
	return Result{Status: StatusOK, Response: body}, nil
}

func (e *Engine) reject(r Rejection) (Result, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return Result{}, fmt.Errorf("encode rejection: %w", err)
	}
	return Result{Status: StatusFailed, Response: body}, nil
}

// Close refuses new sales, stops background work, waits for running sagas
// and in-flight sales, drains the bus and closes every store. Sagas still
// running when ctx ends are cancelled; their compensation and the sale's
// idempotency record are finished before the stores close.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	stops := e.stops
	e.stops = nil
	e.mu.Unlock()

	for _, stop := range stops {
		stop()
	}

	var errs []error
	if err := e.orchestrator.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close orchestrator: %w", err))
	}
	// Cancelled sagas return once compensation ends, which is bounded by
	// the step timeouts.
	e.inflight.Wait()
	if err := e.bus.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}
	if e.forwarder != nil {
		if err := e.forwarder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kafka bridge: %w", err))
		}
	}
	if err := e.closeStores(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) closeStores() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
