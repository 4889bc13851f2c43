package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/stockflow/pkg/stockflow/bus"
	sferrors "github.com/randalmurphal/stockflow/pkg/stockflow/errors"
	"github.com/randalmurphal/stockflow/pkg/stockflow/event"
	"github.com/randalmurphal/stockflow/pkg/stockflow/observability"
)

// Bus is the part of the event bus the orchestrator uses.
// Satisfied by *bus.Bus.
type Bus interface {
	Publish(ctx context.Context, evt event.Event) error
	Await(correlationID string, match func(event.Event) bool, types ...string) *bus.Waiter
}

// Orchestrator errors.
var (
	ErrUnknownSaga = errors.New("saga type not registered")
	ErrClosed      = errors.New("orchestrator closed")
)

// StepFailedError reports a step that answered with a failure event.
type StepFailedError struct {
	StepID    string
	EventType string
	Reason    string
}

// Error implements the error interface.
func (e *StepFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("step %s failed: %s", e.StepID, e.EventType)
	}
	return fmt.Sprintf("step %s failed: %s: %s", e.StepID, e.EventType, e.Reason)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStore sets the saga store. Default: a MemoryStore.
func WithStore(store Store) Option {
	return func(o *Orchestrator) {
		o.store = store
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithSpans sets the span manager.
func WithSpans(s observability.SpanManager) Option {
	return func(o *Orchestrator) {
		o.spans = s
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator runs sagas over the bus.
type Orchestrator struct {
	bus     Bus
	store   Store
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	now     func() time.Time

	mu     sync.RWMutex
	sagas  map[string]*Definition
	active map[string]struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates a saga orchestrator publishing on b.
func NewOrchestrator(b Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		bus:     b,
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		now:     time.Now,
		sagas:   make(map[string]*Definition),
		active:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.store == nil {
		o.store = NewMemoryStore()
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o
}

// Register adds a saga definition.
func (o *Orchestrator) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.sagas[def.Name]; exists {
		return fmt.Errorf("saga %q already registered", def.Name)
	}
	o.sagas[def.Name] = def
	return nil
}

// MustRegister registers a saga, panicking on error.
func (o *Orchestrator) MustRegister(def *Definition) {
	if err := o.Register(def); err != nil {
		panic(err)
	}
}

// Registered returns the registered saga names, sorted.
func (o *Orchestrator) Registered() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.sagas))
	for name := range o.sagas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start persists a new saga and runs it in the background. The returned
// context is the initial state; use Get to follow progress.
// The saga outlives ctx's cancellation but stops when the orchestrator is
// closed.
func (o *Orchestrator) Start(ctx context.Context, sagaType, aggregateID string, input any) (*Context, error) {
	def, sc, err := o.begin(ctx, sagaType, aggregateID, input)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(o.ctx, cancel)
	initial := sc.Clone()

	go func() {
		defer o.wg.Done()
		defer stop()
		defer cancel()
		o.execute(runCtx, def, sc)
	}()
	return initial, nil
}

// Run persists a new saga and runs it to a terminal status. The error is
// non-nil only when the saga could not be started; step failures are
// reported through the returned context's Status.
// Close waits for Run like it does for Start, and cancels it when its
// deadline passes.
func (o *Orchestrator) Run(ctx context.Context, sagaType, aggregateID string, input any) (*Context, error) {
	def, sc, err := o.begin(ctx, sagaType, aggregateID, input)
	if err != nil {
		return nil, err
	}
	defer o.wg.Done()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(o.ctx, cancel)
	defer stop()
	return o.execute(runCtx, def, sc), nil
}

// begin registers the saga with wg; callers must call wg.Done when it
// returns without error.
func (o *Orchestrator) begin(ctx context.Context, sagaType, aggregateID string, input any) (*Definition, *Context, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, nil, ErrClosed
	}
	def, ok := o.sagas[sagaType]
	if !ok {
		o.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownSaga, sagaType)
	}
	o.wg.Add(1)
	o.mu.Unlock()

	sc, err := o.build(def, aggregateID, input)
	if err != nil {
		o.wg.Done()
		return nil, nil, err
	}
	if err := o.store.Create(ctx, sc); err != nil {
		o.wg.Done()
		return nil, nil, fmt.Errorf("persist saga: %w", err)
	}

	o.mu.Lock()
	o.active[sc.SagaID] = struct{}{}
	o.mu.Unlock()

	observability.LogSagaTransition(o.logger, sc.SagaID, sc.SagaType, string(sc.Status))
	return def, sc, nil
}

// build creates the context with every step's events.
func (o *Orchestrator) build(def *Definition, aggregateID string, input any) (*Context, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, sferrors.Validation(fmt.Errorf("encode saga input: %w", err), def.Name)
	}
	fields := map[string]json.RawMessage{}
	if input != nil {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, sferrors.Validation(errors.New("saga input must encode to a JSON object"), def.Name)
		}
	}

	now := o.now().UTC()
	sagaID := uuid.NewString()
	if aggregateID == "" {
		aggregateID = sagaID
	}

	newEvent := func(eventType, stepID string) (event.Event, error) {
		payload := make(map[string]json.RawMessage, len(fields)+2)
		for k, v := range fields {
			payload[k] = v
		}
		payload["saga_id"], _ = json.Marshal(sagaID)
		payload["step_id"], _ = json.Marshal(stepID)
		return event.New(eventType, aggregateID, payload,
			event.WithCorrelationID(sagaID),
			event.WithAggregateType(def.AggregateType),
			event.WithOccurredAt(now),
			event.WithMetadata("saga_id", sagaID),
			event.WithMetadata("saga_type", def.Name),
			event.WithMetadata("step_id", stepID))
	}

	sc := &Context{
		SagaID:      sagaID,
		SagaType:    def.Name,
		AggregateID: aggregateID,
		Input:       raw,
		Steps:       make([]StepState, len(def.Steps)),
		Status:      StatusRunning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i, step := range def.Steps {
		fwd, err := newEvent(step.ForwardType, step.ID)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", step.ID, err)
		}
		st := StepState{
			StepID:       step.ID,
			Handler:      step.Handler,
			ForwardEvent: fwd,
			Status:       StepPending,
		}
		if step.CompensationType != "" {
			comp, err := newEvent(step.CompensationType, step.ID)
			if err != nil {
				return nil, fmt.Errorf("step %s: %w", step.ID, err)
			}
			st.CompensationEvent = &comp
		}
		sc.Steps[i] = st
	}
	return sc, nil
}

func (o *Orchestrator) persist(ctx context.Context, sc *Context) {
	sc.UpdatedAt = o.now().UTC()
	if err := o.store.Update(context.WithoutCancel(ctx), sc); err != nil {
		o.logger.Error("failed to persist saga",
			slog.String("saga_id", sc.SagaID),
			slog.String("status", string(sc.Status)),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) stamp() *time.Time {
	t := o.now().UTC()
	return &t
}

// execute runs the steps in order and compensates on failure.
func (o *Orchestrator) execute(ctx context.Context, def *Definition, sc *Context) *Context {
	defer func() {
		o.mu.Lock()
		delete(o.active, sc.SagaID)
		o.mu.Unlock()
	}()

	ctx, span := o.spans.StartSagaSpan(ctx, def.Name, sc.SagaID)
	elapsed := observability.TimedOperation()

	var failure error
	for i := sc.CurrentStepIndex; i < len(def.Steps); i++ {
		step := def.Steps[i]
		st := &sc.Steps[i]
		sc.CurrentStepIndex = i
		st.StartedAt = o.stamp()
		o.persist(ctx, sc)

		reply, err := o.await(ctx, st.ForwardEvent, step.Handler, step.CompletionType, step.FailureTypes, def.stepTimeout(step))
		st.FinishedAt = o.stamp()
		if err != nil {
			st.Status = StepFailed
			st.Error = err.Error()
			failure = err
			o.logger.Warn("saga step failed",
				slog.String("saga_id", sc.SagaID),
				slog.String("saga_type", sc.SagaType),
				slog.String("step", step.ID),
				slog.String("error", err.Error()))
			break
		}
		st.Status = StepCompleted
		st.Result = reply.Payload()
		o.logger.Debug("saga step completed",
			slog.String("saga_id", sc.SagaID),
			slog.String("step", step.ID))
	}

	if failure == nil {
		sc.Status = StatusCompleted
		sc.CurrentStepIndex = len(sc.Steps)
		sc.FinishedAt = o.stamp()
		o.persist(ctx, sc)
		observability.LogSagaTransition(o.logger, sc.SagaID, sc.SagaType, string(sc.Status))
		if def.OnComplete != nil {
			def.OnComplete(sc.Clone())
		}
	} else {
		o.compensate(ctx, def, sc, failure)
	}

	o.metrics.RecordSaga(ctx, def.Name, string(sc.Status), elapsed())
	var spanErr error
	if sc.Status != StatusCompleted {
		spanErr = errors.New(sc.Error)
	}
	o.spans.EndSpanWithError(span, spanErr)
	return sc.Clone()
}

// await publishes evt and waits for the reply it causes: completion, one
// of failures, or a failure notice from handler.
func (o *Orchestrator) await(ctx context.Context, evt event.Event, handler, completion string, failures []string, timeout time.Duration) (event.Event, error) {
	types := make([]string, 0, len(failures)+2)
	types = append(types, completion, bus.TypeHandlerFailed)
	types = append(types, failures...)

	w := o.bus.Await(evt.CorrelationID(), func(e event.Event) bool {
		if e.CausationID() != evt.ID() {
			return false
		}
		if e.Type() == bus.TypeHandlerFailed && handler != "" {
			return e.Meta("handler") == handler
		}
		return true
	}, types...)

	if err := o.bus.Publish(ctx, evt); err != nil {
		w.Cancel()
		return event.Event{}, fmt.Errorf("publish %s: %w", evt.Type(), err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reply, err := w.Wait(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return event.Event{}, ctx.Err()
		}
		return event.Event{}, sferrors.Timeout(
			&sferrors.TimeoutError{Operation: "await " + completion, Duration: timeout.String()}, evt.Meta("step_id"))
	}
	if reply.Type() == completion {
		return reply, nil
	}
	return reply, &StepFailedError{
		StepID:    evt.Meta("step_id"),
		EventType: reply.Type(),
		Reason:    failureReason(reply),
	}
}

// failureReason extracts a human-readable reason from a failure event.
func failureReason(evt event.Event) string {
	if evt.Type() == bus.TypeHandlerFailed {
		if f, err := bus.DecodeFailure(evt); err == nil {
			return fmt.Sprintf("%s: %s", f.Handler, f.ErrorMessage)
		}
	}
	var body struct {
		Reason string `json:"reason"`
		Error  string `json:"error"`
	}
	if err := evt.Decode(&body); err == nil {
		if body.Reason != "" {
			return body.Reason
		}
		return body.Error
	}
	return ""
}

// compensate undoes completed steps in reverse order. A compensation that
// fails stops the walk and leaves the saga for an operator.
func (o *Orchestrator) compensate(ctx context.Context, def *Definition, sc *Context, cause error) {
	sc.Status = StatusCompensating
	sc.Error = cause.Error()
	o.persist(ctx, sc)
	observability.LogSagaTransition(o.logger, sc.SagaID, sc.SagaType, string(sc.Status))

	// Compensation runs even when the saga's own context ended
	compCtx := context.WithoutCancel(ctx)

	for i := len(sc.Steps) - 1; i >= 0; i-- {
		st := &sc.Steps[i]
		if st.Status != StepCompleted || st.CompensationEvent == nil {
			continue
		}
		step := def.Steps[i]

		var err error
		if step.CompensationCompletionType == "" {
			err = o.bus.Publish(compCtx, *st.CompensationEvent)
		} else {
			_, err = o.await(compCtx, *st.CompensationEvent, step.CompensationHandler,
				step.CompensationCompletionType, nil, def.stepTimeout(step))
		}
		if err != nil {
			st.Error = fmt.Sprintf("compensation: %s", err)
			sc.Status = StatusFailed
			sc.RequiresManualIntervention = true
			sc.Error = fmt.Sprintf("%s; compensation of %s failed: %s", cause, step.ID, err)
			sc.FinishedAt = o.stamp()
			o.persist(ctx, sc)
			o.logger.Error("saga compensation failed",
				slog.String("saga_id", sc.SagaID),
				slog.String("saga_type", sc.SagaType),
				slog.String("step", step.ID),
				slog.Bool("requires_manual_intervention", true),
				slog.String("error", err.Error()))
			if def.OnFailed != nil {
				def.OnFailed(sc.Clone())
			}
			return
		}

		st.Status = StepCompensated
		st.CompensatedAt = o.stamp()
		o.persist(ctx, sc)
		o.logger.Debug("saga step compensated",
			slog.String("saga_id", sc.SagaID),
			slog.String("step", step.ID))
	}

	sc.Status = StatusCompensated
	sc.FinishedAt = o.stamp()
	o.persist(ctx, sc)
	observability.LogSagaTransition(o.logger, sc.SagaID, sc.SagaType, string(sc.Status))
	if def.OnCompensate != nil {
		def.OnCompensate(sc.Clone())
	}
}

// Get returns a saga by ID.
func (o *Orchestrator) Get(ctx context.Context, sagaID string) (*Context, error) {
	return o.store.Get(ctx, sagaID)
}

// List returns sagas matching filter.
func (o *Orchestrator) List(ctx context.Context, filter ListFilter) ([]*Context, error) {
	return o.store.List(ctx, filter)
}

// Recover flags sagas left running or compensating by a previous process
// as failed and requiring manual intervention. Sagas running in this
// orchestrator are left alone. It returns the number of sagas flagged.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	stale, err := o.store.List(ctx, ListFilter{Statuses: []Status{StatusRunning, StatusCompensating}})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, sc := range stale {
		o.mu.RLock()
		_, running := o.active[sc.SagaID]
		o.mu.RUnlock()
		if running {
			continue
		}
		sc.Status = StatusFailed
		sc.RequiresManualIntervention = true
		sc.Error = "interrupted before reaching a terminal status"
		sc.FinishedAt = o.stamp()
		sc.UpdatedAt = o.now().UTC()
		if err := o.store.Update(ctx, sc); err != nil {
			return n, err
		}
		n++
		o.logger.Warn("interrupted saga flagged for manual intervention",
			slog.String("saga_id", sc.SagaID),
			slog.String("saga_type", sc.SagaType))
	}
	return n, nil
}

// Close stops accepting sagas and waits for running sagas to finish.
// When ctx ends first, the remaining sagas are cancelled, which fails
// their current step and starts compensation.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		return ctx.Err()
	}
}
