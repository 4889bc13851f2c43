package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/stockflow/pkg/stockflow/bus"
	sferrors "github.com/randalmurphal/stockflow/pkg/stockflow/errors"
	"github.com/randalmurphal/stockflow/pkg/stockflow/event"
)

// Event types consumed and produced by the inventory handlers.
const (
	TypeAllocationRequested = "stock.allocation.requested"
	TypeAllocated           = "stock.allocated"
	TypeAllocationFailed    = "stock.allocation.failed"

	TypeReleaseRequested = "stock.release.requested"
	TypeReleased         = "stock.released"

	TypeExitRequested = "stock.exit.requested"
	TypeExitRecorded  = "stock.exit.recorded"
	TypeExitFailed    = "stock.exit.failed"

	TypeExitReversalRequested = "stock.exit.reversal.requested"
	TypeExitReversed          = "stock.exit.reversed"

	TypeReservationExpired = "stock.reservation.expired"
)

// Handler names registered on the bus.
const (
	HandlerAllocate    = "inventory.allocate"
	HandlerRelease     = "inventory.release"
	HandlerExit        = "inventory.exit"
	HandlerReverseExit = "inventory.reverse_exit"
)

// StockRequest is the payload of every *.requested event. Fields a request
// does not use are ignored, so a saga can send its whole input.
type StockRequest struct {
	SagaID       string   `json:"saga_id,omitempty"`
	StepID       string   `json:"step_id,omitempty"`
	Reference    string   `json:"reference,omitempty"`
	ProductID    string   `json:"product_id"`
	WarehouseID  string   `json:"warehouse_id"`
	Quantity     int64    `json:"quantity"`
	Strategy     Strategy `json:"strategy,omitempty"`
	AllowPartial bool     `json:"allow_partial,omitempty"`
}

// reference resolves the allocation reference of a request.
func (r StockRequest) reference(evt event.Event) string {
	switch {
	case r.Reference != "":
		return r.Reference
	case r.SagaID != "":
		return r.SagaID
	default:
		return evt.CorrelationID()
	}
}

// StockResult is the payload of the success events.
type StockResult struct {
	SagaID      string        `json:"saga_id,omitempty"`
	StepID      string        `json:"step_id,omitempty"`
	Reference   string        `json:"reference"`
	Allocations []*Allocation `json:"allocations"`
	Quantity    int64         `json:"quantity"`
	Cost        int64         `json:"cost"`
	Partial     bool          `json:"partial,omitempty"`
}

// StockFailure is the payload of the *.failed events.
type StockFailure struct {
	SagaID    string `json:"saga_id,omitempty"`
	StepID    string `json:"step_id,omitempty"`
	Reference string `json:"reference"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason"`
	Requested int64  `json:"requested,omitempty"`
	Available int64  `json:"available,omitempty"`
}

// HandlerConfig configures the inventory bus handlers.
type HandlerConfig struct {
	// Policy is the retry policy for every handler.
	Policy sferrors.RetryPolicy

	// Timeout bounds one handler attempt. Zero uses the bus default.
	Timeout time.Duration
}

// Register subscribes the inventory handlers to b. The handlers only
// publish events; they never drive a saga directly.
func Register(b *bus.Bus, a *Allocator, cfg HandlerConfig) ([]*bus.Subscription, error) {
	h := &handlers{allocator: a}

	var opts []bus.SubscribeOption
	if cfg.Policy.Strategy != "" {
		opts = append(opts, bus.WithRetryPolicy(cfg.Policy))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, bus.WithTimeout(cfg.Timeout))
	}

	routes := []struct {
		eventType string
		name      string
		fn        bus.HandlerFunc
	}{
		{TypeAllocationRequested, HandlerAllocate, h.allocate},
		{TypeReleaseRequested, HandlerRelease, h.release},
		{TypeExitRequested, HandlerExit, h.exit},
		{TypeExitReversalRequested, HandlerReverseExit, h.reverseExit},
	}

	subs := make([]*bus.Subscription, 0, len(routes))
	for _, r := range routes {
		sub, err := b.Subscribe(r.eventType, bus.NewHandler(r.name, r.fn), opts...)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribe %s: %w", r.name, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

type handlers struct {
	allocator *Allocator
}

func decodeRequest(evt event.Event) (StockRequest, error) {
	var req StockRequest
	if err := evt.Decode(&req); err != nil {
		return req, sferrors.Validation(err, evt.Type())
	}
	return req, nil
}

func result(req StockRequest, ref string, allocs []*Allocation) StockResult {
	res := StockResult{
		SagaID:      req.SagaID,
		StepID:      req.StepID,
		Reference:   ref,
		Allocations: allocs,
	}
	for _, a := range allocs {
		res.Quantity += a.Allocated()
		res.Cost += a.Cost()
		res.Partial = res.Partial || a.Partial
	}
	if res.Allocations == nil {
		res.Allocations = []*Allocation{}
	}
	return res
}

// failure turns a business error into a failure event. Other errors are
// returned for the executor to retry.
func failure(evt event.Event, failedType string, req StockRequest, ref string, err error) ([]event.Event, error) {
	if !sferrors.IsBusiness(err) {
		return nil, err
	}
	f := StockFailure{
		SagaID:    req.SagaID,
		StepID:    req.StepID,
		Reference: ref,
		Kind:      string(sferrors.KindOf(err)),
		Reason:    err.Error(),
	}
	var short *NotEnoughStockError
	if errors.As(err, &short) {
		f.Requested = short.Requested
		f.Available = short.Available
	}
	out, err := event.NewFromParent(evt, failedType, f)
	if err != nil {
		return nil, err
	}
	return []event.Event{out}, nil
}

func (h *handlers) allocate(ctx context.Context, evt event.Event) ([]event.Event, error) {
	req, err := decodeRequest(evt)
	ref := req.reference(evt)
	if err != nil {
		return failure(evt, TypeAllocationFailed, req, ref, err)
	}

	// A redelivered request finds the reservation it already made
	existing, err := h.allocator.AllocationsByReference(ctx, ref)
	if err != nil {
		return nil, err
	}
	var held []*Allocation
	for _, a := range existing {
		if a.Status == StatusReserved && a.ProductID == req.ProductID && a.WarehouseID == req.WarehouseID {
			held = append(held, a)
		}
	}
	if len(held) == 0 {
		alloc, err := h.allocator.Allocate(ctx, Request{
			ProductID:    req.ProductID,
			WarehouseID:  req.WarehouseID,
			Quantity:     req.Quantity,
			Strategy:     req.Strategy,
			AllowPartial: req.AllowPartial,
			Reference:    ref,
		})
		if err != nil {
			return failure(evt, TypeAllocationFailed, req, ref, err)
		}
		held = []*Allocation{alloc}
	}

	out, err := event.NewFromParent(evt, TypeAllocated, result(req, ref, held))
	if err != nil {
		return nil, err
	}
	return []event.Event{out}, nil
}

func (h *handlers) release(ctx context.Context, evt event.Event) ([]event.Event, error) {
	req, err := decodeRequest(evt)
	if err != nil {
		return nil, err
	}
	ref := req.reference(evt)
	released, err := h.allocator.ReleaseByReference(ctx, ref)
	if err != nil {
		return nil, err
	}
	out, err := event.NewFromParent(evt, TypeReleased, result(req, ref, released))
	if err != nil {
		return nil, err
	}
	return []event.Event{out}, nil
}

func (h *handlers) exit(ctx context.Context, evt event.Event) ([]event.Event, error) {
	req, err := decodeRequest(evt)
	ref := req.reference(evt)
	if err != nil {
		return failure(evt, TypeExitFailed, req, ref, err)
	}

	allocs, err := h.allocator.AllocationsByReference(ctx, ref)
	if err != nil {
		return nil, err
	}
	var confirmed []*Allocation
	for _, a := range allocs {
		switch a.Status {
		case StatusReserved:
			c, err := h.allocator.Confirm(ctx, a.AllocationID)
			if err != nil {
				return failure(evt, TypeExitFailed, req, ref, err)
			}
			confirmed = append(confirmed, c)
		case StatusConfirmed:
			confirmed = append(confirmed, a)
		}
	}
	if len(confirmed) == 0 {
		return failure(evt, TypeExitFailed, req, ref,
			sferrors.BusinessRule(fmt.Errorf("no reservation held under %s: %w", ref, ErrNotFound), "exit"))
	}

	out, err := event.NewFromParent(evt, TypeExitRecorded, result(req, ref, confirmed))
	if err != nil {
		return nil, err
	}
	return []event.Event{out}, nil
}

func (h *handlers) reverseExit(ctx context.Context, evt event.Event) ([]event.Event, error) {
	req, err := decodeRequest(evt)
	if err != nil {
		return nil, err
	}
	ref := req.reference(evt)
	reversed, err := h.allocator.ReverseByReference(ctx, ref)
	if err != nil {
		return nil, err
	}
	out, err := event.NewFromParent(evt, TypeExitReversed, result(req, ref, reversed))
	if err != nil {
		return nil, err
	}
	return []event.Event{out}, nil
}
