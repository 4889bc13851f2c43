package sales

import (
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/stockflow/pkg/stockflow/event"
	"github.com/randalmurphal/stockflow/pkg/stockflow/inventory"
	"github.com/randalmurphal/stockflow/pkg/stockflow/saga"
)

// SagaType is the name of the sale saga.
const SagaType = "sale"

// Step IDs of the sale saga.
const (
	StepValidate = "validate"
	StepPrice    = "price"
	StepAllocate = "allocate"
	StepExit     = "exit"
	StepComplete = "complete"
)

// Definition returns the sale saga. stepTimeout bounds each step; zero
// uses the saga default.
func Definition(stepTimeout time.Duration) *saga.Definition {
	return &saga.Definition{
		Name:          SagaType,
		AggregateType: "sale",
		StepTimeout:   stepTimeout,
		Steps: []saga.StepDefinition{
			{
				ID:             StepValidate,
				Handler:        HandlerValidate,
				ForwardType:    TypeValidationRequested,
				CompletionType: TypeValidated,
				FailureTypes:   []string{TypeValidationFailed},
			},
			{
				ID:             StepPrice,
				Handler:        HandlerPrice,
				ForwardType:    TypePricingRequested,
				CompletionType: TypePriced,
				FailureTypes:   []string{TypePricingFailed},
			},
			{
				ID:                         StepAllocate,
				Handler:                    inventory.HandlerAllocate,
				ForwardType:                inventory.TypeAllocationRequested,
				CompletionType:             inventory.TypeAllocated,
				FailureTypes:               []string{inventory.TypeAllocationFailed},
				CompensationType:           inventory.TypeReleaseRequested,
				CompensationCompletionType: inventory.TypeReleased,
				CompensationHandler:        inventory.HandlerRelease,
			},
			{
				ID:                         StepExit,
				Handler:                    inventory.HandlerExit,
				ForwardType:                inventory.TypeExitRequested,
				CompletionType:             inventory.TypeExitRecorded,
				FailureTypes:               []string{inventory.TypeExitFailed},
				CompensationType:           inventory.TypeExitReversalRequested,
				CompensationCompletionType: inventory.TypeExitReversed,
				CompensationHandler:        inventory.HandlerReverseExit,
			},
			{
				ID:             StepComplete,
				Handler:        HandlerComplete,
				ForwardType:    TypeCompletionRequested,
				CompletionType: TypeCompleted,
				FailureTypes:   []string{TypeCompletionFailed},
			},
		},
	}
}

// Schemas returns payload schemas for the sale step events. They only
// check the envelope a saga produces; field rules belong to the validate
// step so that a bad request fails the saga instead of the publish.
func Schemas() []*event.Schema {
	requireSaga := func(evt event.Event) error {
		var p struct {
			SagaID string `json:"saga_id"`
		}
		if err := evt.Decode(&p); err != nil {
			return err
		}
		if p.SagaID == "" {
			return errors.New("saga_id is required")
		}
		return nil
	}
	types := []struct{ t, desc string }{
		{TypeValidationRequested, "Validate a sale request"},
		{TypePricingRequested, "Price a sale request"},
		{TypeCompletionRequested, "Complete a sale after its stock exit"},
	}
	out := make([]*event.Schema, len(types))
	for i, tt := range types {
		out[i] = &event.Schema{
			Type:        tt.t,
			Versions:    []string{event.DefaultVersion},
			Description: tt.desc,
			Validator:   requireSaga,
		}
	}
	return out
}

// Receipt summarizes a completed sale.
type Receipt struct {
	SaleID      string           `json:"sale_id"`
	CustomerID  string           `json:"customer_id"`
	ProductID   string           `json:"product_id"`
	WarehouseID string           `json:"warehouse_id"`
	Requested   int64            `json:"requested"`
	Quantity    int64            `json:"quantity"`
	Partial     bool             `json:"partial"`
	UnitPrice   int64            `json:"unit_price"`
	Total       int64            `json:"total"`
	Cost        int64            `json:"cost"`
	Currency    string           `json:"currency"`
	Lots        []inventory.Line `json:"lots"`
	CompletedAt time.Time        `json:"completed_at"`
}

// ErrNotCompleted means a receipt was requested for an unfinished sale.
var ErrNotCompleted = errors.New("sale not completed")

// ReceiptFrom builds the receipt of a completed sale saga from its step
// results.
func ReceiptFrom(sc *saga.Context) (Receipt, error) {
	if sc.Status != saga.StatusCompleted {
		return Receipt{}, fmt.Errorf("%w: saga %s is %s", ErrNotCompleted, sc.SagaID, sc.Status)
	}

	var req Request
	if err := decodeJSON(sc.Input, &req); err != nil {
		return Receipt{}, fmt.Errorf("decode input: %w", err)
	}
	var quote Quote
	if err := decodeStep(sc, StepPrice, &quote); err != nil {
		return Receipt{}, err
	}
	var exit inventory.StockResult
	if err := decodeStep(sc, StepExit, &exit); err != nil {
		return Receipt{}, err
	}
	var done Completion
	if err := decodeStep(sc, StepComplete, &done); err != nil {
		return Receipt{}, err
	}

	r := Receipt{
		SaleID:      sc.SagaID,
		CustomerID:  req.CustomerID,
		ProductID:   req.ProductID,
		WarehouseID: req.WarehouseID,
		Requested:   req.Quantity,
		Quantity:    exit.Quantity,
		Partial:     exit.Partial,
		UnitPrice:   quote.UnitPrice,
		Total:       quote.UnitPrice * exit.Quantity,
		Cost:        exit.Cost,
		Currency:    quote.Currency,
		Lots:        []inventory.Line{},
		CompletedAt: done.CompletedAt,
	}
	for _, a := range exit.Allocations {
		r.Lots = append(r.Lots, a.Lines...)
	}
	return r, nil
}

func decodeStep(sc *saga.Context, stepID string, v any) error {
	st, ok := sc.Step(stepID)
	if !ok {
		return fmt.Errorf("saga %s has no step %s", sc.SagaID, stepID)
	}
	if err := decodeJSON(st.Result, v); err != nil {
		return fmt.Errorf("decode %s result: %w", stepID, err)
	}
	return nil
}
