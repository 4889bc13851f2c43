package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	sferrors "github.com/randalmurphal/stockflow/pkg/stockflow/errors"
	"github.com/randalmurphal/stockflow/pkg/stockflow/event"
	"github.com/randalmurphal/stockflow/pkg/stockflow/observability"
)

// Publisher publishes events. Satisfied by *bus.Bus.
type Publisher interface {
	Publish(ctx context.Context, evt event.Event) error
}

// Config configures an Allocator.
type Config struct {
	// ReservationTTL is how long a reservation holds stock before the
	// reaper releases it. Default: 15 minutes
	ReservationTTL time.Duration

	// DefaultStrategy applies to requests without a strategy.
	// Default: StrategyFEFO
	DefaultStrategy Strategy

	// ConflictRetry bounds re-planning after a lost conditional update.
	ConflictRetry sferrors.RetryPolicy
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	ReservationTTL:  15 * time.Minute,
	DefaultStrategy: StrategyFEFO,
	ConflictRetry: sferrors.RetryPolicy{
		Strategy:     sferrors.StrategyLinear,
		MaxAttempts:  5,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Jitter:       true,
	},
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Allocator) {
		a.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(a *Allocator) {
		a.metrics = m
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) {
		a.now = now
	}
}

// WithPublisher makes the reaper announce expired reservations.
func WithPublisher(p Publisher) Option {
	return func(a *Allocator) {
		a.publisher = p
	}
}

// Allocator reserves stock from lots.
//
// Allocations for one (product, warehouse) are serialized in-process; the
// store's conditional updates catch races with other processes, which are
// re-planned a bounded number of times.
type Allocator struct {
	store     Store
	cfg       Config
	logger    *slog.Logger
	metrics   observability.MetricsRecorder
	now       func() time.Time
	publisher Publisher

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewAllocator creates an allocator over store.
func NewAllocator(store Store, cfg Config, opts ...Option) *Allocator {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = DefaultConfig.ReservationTTL
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = DefaultConfig.DefaultStrategy
	}
	if cfg.ConflictRetry.Strategy == "" {
		cfg.ConflictRetry = DefaultConfig.ConflictRetry
	}

	a := &Allocator{
		store:   store,
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Allocator) lock(productID, warehouseID string) func() {
	key := productID + "|" + warehouseID
	a.locksMu.Lock()
	mu, ok := a.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		a.locks[key] = mu
	}
	a.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// AddLot stores a new lot. LotID and CreatedAt are filled in when empty.
func (a *Allocator) AddLot(ctx context.Context, lot Lot) (Lot, error) {
	if lot.ProductID == "" || lot.WarehouseID == "" {
		return Lot{}, sferrors.Validation(errors.New("product and warehouse are required"), "add lot")
	}
	if lot.QuantityAvailable < 0 {
		return Lot{}, sferrors.Validation(fmt.Errorf("negative quantity %d", lot.QuantityAvailable), "add lot")
	}
	if lot.LotID == "" {
		lot.LotID = uuid.NewString()
	}
	if lot.CreatedAt.IsZero() {
		lot.CreatedAt = a.now().UTC()
	}

	unlock := a.lock(lot.ProductID, lot.WarehouseID)
	defer unlock()
	return a.store.AddLot(ctx, lot)
}

// Lots returns the lots of a product in a warehouse.
func (a *Allocator) Lots(ctx context.Context, productID, warehouseID string) ([]Lot, error) {
	return a.store.Lots(ctx, productID, warehouseID)
}

// Allocation returns one allocation.
func (a *Allocator) Allocation(ctx context.Context, allocationID string) (*Allocation, error) {
	return a.store.Allocation(ctx, allocationID)
}

// AllocationsByReference returns the allocations recorded under reference.
func (a *Allocator) AllocationsByReference(ctx context.Context, reference string) ([]*Allocation, error) {
	return a.store.AllocationsByReference(ctx, reference)
}

// sortLots orders lots for consumption.
func sortLots(lots []Lot, strategy Strategy) {
	sort.SliceStable(lots, func(i, j int) bool {
		li, lj := lots[i], lots[j]
		if strategy == StrategyFEFO {
			switch {
			case li.ExpiryDate == nil && lj.ExpiryDate != nil:
				return false
			case li.ExpiryDate != nil && lj.ExpiryDate == nil:
				return true
			case li.ExpiryDate != nil && lj.ExpiryDate != nil && !li.ExpiryDate.Equal(*lj.ExpiryDate):
				return li.ExpiryDate.Before(*lj.ExpiryDate)
			}
		}
		return li.Sequence < lj.Sequence
	})
}

// plan walks the sorted lots greedily and returns the lines covering up to
// quantity units, plus the total available.
func plan(lots []Lot, quantity int64) (lines []Line, available int64) {
	remaining := quantity
	for _, lot := range lots {
		available += lot.QuantityAvailable
		if remaining == 0 {
			continue
		}
		take := min(lot.QuantityAvailable, remaining)
		lines = append(lines, Line{LotID: lot.LotID, Quantity: take, UnitCost: lot.UnitCost})
		remaining -= take
	}
	return lines, available
}

func (a *Allocator) validate(req *Request) error {
	if req.ProductID == "" || req.WarehouseID == "" {
		return sferrors.Validation(errors.New("product and warehouse are required"), "allocate")
	}
	if req.Quantity <= 0 {
		return sferrors.Validation(fmt.Errorf("quantity must be positive, got %d", req.Quantity), "allocate")
	}
	if req.Strategy == "" {
		req.Strategy = a.cfg.DefaultStrategy
	}
	if req.Strategy != StrategyFEFO && req.Strategy != StrategyFIFO {
		return sferrors.Validation(fmt.Errorf("unknown strategy %q", req.Strategy), "allocate")
	}
	return nil
}

// Allocate reserves req.Quantity units. Unless req.AllowPartial is set the
// request is all-or-nothing: a shortfall returns a *NotEnoughStockError and
// reserves nothing. With AllowPartial whatever is available is reserved and
// the allocation is flagged partial.
//
// Both stock errors are business-rule errors; errors.As reaches the typed
// error through the classification wrapper.
func (a *Allocator) Allocate(ctx context.Context, req Request) (*Allocation, error) {
	if err := a.validate(&req); err != nil {
		a.metrics.RecordAllocation(ctx, "invalid", 0)
		return nil, err
	}

	unlock := a.lock(req.ProductID, req.WarehouseID)
	defer unlock()

	result := sferrors.WithRetryContext(ctx, a.cfg.ConflictRetry,
		func(err error) bool { return errors.Is(err, ErrConflict) },
		func(ctx context.Context) (*Allocation, error) {
			return a.tryAllocate(ctx, req)
		})

	if result.Err != nil {
		outcome := "error"
		var short *NotEnoughStockError
		var none *NoLotsAvailableError
		switch {
		case errors.As(result.Err, &short):
			outcome = "insufficient"
		case errors.As(result.Err, &none):
			outcome = "no_lots"
		case errors.Is(result.Err, ErrConflict):
			outcome = "conflict"
		}
		a.metrics.RecordAllocation(ctx, outcome, 0)
		a.logger.Info("allocation rejected",
			slog.String("product_id", req.ProductID),
			slog.String("warehouse_id", req.WarehouseID),
			slog.Int64("quantity", req.Quantity),
			slog.String("reference", req.Reference),
			slog.String("outcome", outcome),
			slog.String("error", result.Err.Error()))
		return nil, result.Err
	}

	alloc := result.Value
	outcome := "reserved"
	if alloc.Partial {
		outcome = "partial"
	}
	a.metrics.RecordAllocation(ctx, outcome, alloc.Allocated())
	a.logger.Debug("stock reserved",
		slog.String("allocation_id", alloc.AllocationID),
		slog.String("reference", alloc.Reference),
		slog.Int64("allocated", alloc.Allocated()),
		slog.Int("lots", len(alloc.Lines)),
		slog.Int("attempts", result.Attempts))
	return alloc, nil
}

func (a *Allocator) tryAllocate(ctx context.Context, req Request) (*Allocation, error) {
	all, err := a.store.Lots(ctx, req.ProductID, req.WarehouseID)
	if err != nil {
		return nil, err
	}
	lots := all[:0:0]
	for _, lot := range all {
		if lot.QuantityAvailable > 0 {
			lots = append(lots, lot)
		}
	}
	if len(lots) == 0 {
		return nil, sferrors.BusinessRule(&NoLotsAvailableError{
			ProductID:   req.ProductID,
			WarehouseID: req.WarehouseID,
		}, "allocate")
	}

	sortLots(lots, req.Strategy)
	lines, available := plan(lots, req.Quantity)
	partial := available < req.Quantity
	if partial && !req.AllowPartial {
		return nil, sferrors.BusinessRule(&NotEnoughStockError{
			ProductID:   req.ProductID,
			WarehouseID: req.WarehouseID,
			Requested:   req.Quantity,
			Available:   available,
		}, "allocate")
	}

	now := a.now().UTC()
	alloc := &Allocation{
		AllocationID:         uuid.NewString(),
		Reference:            req.Reference,
		ProductID:            req.ProductID,
		WarehouseID:          req.WarehouseID,
		Requested:            req.Quantity,
		Lines:                lines,
		Partial:              partial,
		Status:               StatusReserved,
		CreatedAt:            now,
		ReservationExpiresAt: now.Add(a.cfg.ReservationTTL),
	}
	if err := a.store.Reserve(ctx, alloc); err != nil {
		return nil, err
	}
	return alloc, nil
}

// transition moves an allocation to `to`. An allocation already in `to` is
// returned unchanged so repeated compensations are harmless.
func (a *Allocator) transition(ctx context.Context, allocationID string, from []AllocationStatus, to AllocationStatus, restore bool) (*Allocation, error) {
	alloc, err := a.store.Transition(ctx, allocationID, from, to, restore)
	var terr *TransitionError
	if errors.As(err, &terr) {
		if terr.Current == to {
			return alloc, nil
		}
		return nil, sferrors.BusinessRule(err, string(to))
	}
	if errors.Is(err, ErrNotFound) {
		return nil, sferrors.NotFound(err, string(to))
	}
	if err != nil {
		return nil, err
	}
	a.logger.Debug("allocation status changed",
		slog.String("allocation_id", allocationID),
		slog.String("status", string(to)))
	return alloc, nil
}

// Confirm turns a reservation into a stock exit. A reservation whose hold
// ended at or before now is released instead, and Confirm fails with
// ErrReservationExpired.
func (a *Allocator) Confirm(ctx context.Context, allocationID string) (*Allocation, error) {
	alloc, err := a.store.Allocation(ctx, allocationID)
	if errors.Is(err, ErrNotFound) {
		return nil, sferrors.NotFound(err, string(StatusConfirmed))
	}
	if err != nil {
		return nil, err
	}

	now := a.now()
	if alloc.Status == StatusReserved && !alloc.ReservationExpiresAt.IsZero() && !now.Before(alloc.ReservationExpiresAt) {
		released, err := a.store.Transition(ctx, allocationID, []AllocationStatus{StatusReserved}, StatusReleased, true)
		if err == nil {
			a.announceExpiry(ctx, released)
			return nil, sferrors.BusinessRule(fmt.Errorf("allocation %s held until %s: %w",
				allocationID, alloc.ReservationExpiresAt.Format(time.RFC3339), ErrReservationExpired), string(StatusConfirmed))
		}
		// Another caller moved it since the read; report its current status
		if !errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
	}
	return a.transition(ctx, allocationID, []AllocationStatus{StatusReserved}, StatusConfirmed, false)
}

// Release gives a reservation's stock back to its lots.
func (a *Allocator) Release(ctx context.Context, allocationID string) (*Allocation, error) {
	return a.transition(ctx, allocationID, []AllocationStatus{StatusReserved}, StatusReleased, true)
}

// ReverseExit undoes a confirmed exit, returning the stock to its lots.
func (a *Allocator) ReverseExit(ctx context.Context, allocationID string) (*Allocation, error) {
	return a.transition(ctx, allocationID, []AllocationStatus{StatusConfirmed}, StatusReversed, true)
}

func (a *Allocator) byReference(ctx context.Context, reference string, status AllocationStatus, fn func(context.Context, string) (*Allocation, error)) ([]*Allocation, error) {
	allocs, err := a.store.AllocationsByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	var out []*Allocation
	for _, alloc := range allocs {
		if alloc.Status != status {
			continue
		}
		updated, err := fn(ctx, alloc.AllocationID)
		if err != nil {
			return out, err
		}
		out = append(out, updated)
	}
	return out, nil
}

// ReleaseByReference releases every reservation recorded under reference.
func (a *Allocator) ReleaseByReference(ctx context.Context, reference string) ([]*Allocation, error) {
	return a.byReference(ctx, reference, StatusReserved, a.Release)
}

// ConfirmByReference confirms every reservation recorded under reference.
func (a *Allocator) ConfirmByReference(ctx context.Context, reference string) ([]*Allocation, error) {
	return a.byReference(ctx, reference, StatusReserved, a.Confirm)
}

// ReverseByReference reverses every confirmed exit recorded under reference.
func (a *Allocator) ReverseByReference(ctx context.Context, reference string) ([]*Allocation, error) {
	return a.byReference(ctx, reference, StatusConfirmed, a.ReverseExit)
}

// ReleaseExpired releases reservations whose hold expired at or before now
// and returns them.
func (a *Allocator) ReleaseExpired(ctx context.Context, now time.Time) ([]*Allocation, error) {
	expired, err := a.store.ExpiredReservations(ctx, now)
	if err != nil {
		return nil, err
	}

	var released []*Allocation
	for _, alloc := range expired {
		updated, err := a.store.Transition(ctx, alloc.AllocationID, []AllocationStatus{StatusReserved}, StatusReleased, true)
		if errors.Is(err, ErrInvalidTransition) {
			// Confirmed or released since the scan
			continue
		}
		if err != nil {
			return released, err
		}
		released = append(released, updated)
		a.announceExpiry(ctx, updated)
	}
	if len(released) > 0 {
		a.logger.Info("expired reservations released", slog.Int("count", len(released)))
	}
	return released, nil
}

func (a *Allocator) announceExpiry(ctx context.Context, alloc *Allocation) {
	if a.publisher == nil {
		return
	}
	evt, err := event.New(TypeReservationExpired, alloc.AllocationID, alloc,
		event.WithAggregateType("stock"),
		event.WithMetadata("reference", alloc.Reference))
	if err == nil {
		err = a.publisher.Publish(ctx, evt)
	}
	if err != nil {
		a.logger.Warn("failed to announce expired reservation",
			slog.String("allocation_id", alloc.AllocationID),
			slog.String("error", err.Error()))
	}
}

// StartReaper releases expired reservations every interval until ctx is done
// or stop is called. stop waits for the reaper to exit.
func (a *Allocator) StartReaper(ctx context.Context, interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := a.ReleaseExpired(ctx, a.now()); err != nil && ctx.Err() == nil {
					a.logger.Warn("reservation reaper failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}
