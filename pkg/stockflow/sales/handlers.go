package sales

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/stockflow/pkg/stockflow/bus"
	sferrors "github.com/randalmurphal/stockflow/pkg/stockflow/errors"
	"github.com/randalmurphal/stockflow/pkg/stockflow/event"
)

// Event types of the sale steps served by this package.
const (
	TypeValidationRequested = "sale.validation.requested"
	TypeValidated           = "sale.validated"
	TypeValidationFailed    = "sale.validation.failed"

	TypePricingRequested = "sale.pricing.requested"
	TypePriced           = "sale.priced"
	TypePricingFailed    = "sale.pricing.failed"

	TypeCompletionRequested = "sale.completion.requested"
	TypeCompleted           = "sale.completed"
	TypeCompletionFailed    = "sale.completion.failed"
)

// Handler names registered on the bus.
const (
	HandlerValidate = "sales.validate"
	HandlerPrice    = "sales.price"
	HandlerComplete = "sales.complete"
)

// stepPayload is what the saga sends to every step: the request plus the
// saga and step ids.
type stepPayload struct {
	Request
	SagaID string `json:"saga_id"`
	StepID string `json:"step_id"`
}

// Quote is the payload of TypePriced.
type Quote struct {
	SagaID    string `json:"saga_id"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int64  `json:"quantity"`
	Total     int64  `json:"total"`
	Currency  string `json:"currency"`
}

// Completion is the payload of TypeCompleted.
type Completion struct {
	SagaID      string    `json:"saga_id"`
	CustomerID  string    `json:"customer_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// Rejection is the payload of the sale failure events.
type Rejection struct {
	SagaID string `json:"saga_id"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// Config configures the sale handlers.
type Config struct {
	// Prices supplies unit prices for requests without one.
	Prices PriceList

	// Currency is used when a request has none. Default: "USD"
	Currency string

	// Policy is the retry policy for every handler.
	Policy sferrors.RetryPolicy

	// Timeout bounds one handler attempt. Zero uses the bus default.
	Timeout time.Duration

	// Now is the clock used for completion timestamps.
	Now func() time.Time
}

type handlers struct {
	cfg Config
}

// Register subscribes the validate, price and complete handlers to b.
func Register(b *bus.Bus, cfg Config) ([]*bus.Subscription, error) {
	if cfg.Prices == nil {
		cfg.Prices = StaticPrices{}
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	h := &handlers{cfg: cfg}

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
		{TypeValidationRequested, HandlerValidate, h.validate},
		{TypePricingRequested, HandlerPrice, h.price},
		{TypeCompletionRequested, HandlerComplete, h.complete},
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

func reply(evt event.Event, eventType string, payload any) ([]event.Event, error) {
	out, err := event.NewFromParent(evt, eventType, payload)
	if err != nil {
		return nil, err
	}
	return []event.Event{out}, nil
}

// reject answers a business error with a failure event and returns any
// other error for the executor to retry.
func reject(evt event.Event, eventType, sagaID string, err error) ([]event.Event, error) {
	if !sferrors.IsBusiness(err) {
		return nil, err
	}
	return reply(evt, eventType, Rejection{
		SagaID: sagaID,
		Kind:   string(sferrors.KindOf(err)),
		Reason: err.Error(),
	})
}

func decode(evt event.Event) (stepPayload, error) {
	var p stepPayload
	if err := evt.Decode(&p); err != nil {
		return p, sferrors.Validation(err, evt.Type())
	}
	return p, nil
}

func (h *handlers) validate(_ context.Context, evt event.Event) ([]event.Event, error) {
	p, err := decode(evt)
	if err == nil {
		err = p.Validate()
	}
	if err != nil {
		return reject(evt, TypeValidationFailed, p.SagaID, err)
	}
	return reply(evt, TypeValidated, map[string]string{"saga_id": p.SagaID})
}

func (h *handlers) price(ctx context.Context, evt event.Event) ([]event.Event, error) {
	p, err := decode(evt)
	if err != nil {
		return reject(evt, TypePricingFailed, p.SagaID, err)
	}

	unit := p.UnitPrice
	if unit == 0 {
		unit, err = h.cfg.Prices.UnitPrice(ctx, p.ProductID)
		if errors.Is(err, ErrNoPrice) {
			err = sferrors.NotFound(err, "price")
		}
		if err != nil {
			return reject(evt, TypePricingFailed, p.SagaID, err)
		}
	}

	currency := p.Currency
	if currency == "" {
		currency = h.cfg.Currency
	}
	return reply(evt, TypePriced, Quote{
		SagaID:    p.SagaID,
		UnitPrice: unit,
		Quantity:  p.Quantity,
		Total:     unit * p.Quantity,
		Currency:  currency,
	})
}

func (h *handlers) complete(_ context.Context, evt event.Event) ([]event.Event, error) {
	p, err := decode(evt)
	if err != nil {
		return reject(evt, TypeCompletionFailed, p.SagaID, err)
	}
	return reply(evt, TypeCompleted, Completion{
		SagaID:      p.SagaID,
		CustomerID:  p.CustomerID,
		CompletedAt: h.cfg.Now().UTC(),
	})
}
