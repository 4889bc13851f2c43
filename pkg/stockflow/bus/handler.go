package bus

import (
	"context"
	"time"

	sferrors "github.com/randalmurphal/stockflow/pkg/stockflow/errors"
	"github.com/randalmurphal/stockflow/pkg/stockflow/event"
)

// Handler processes events delivered by the bus.
type Handler interface {
	// Name identifies the handler. Names are unique per event type.
	Name() string

	// Handle processes one event and returns derived events for the bus to
	// publish. A returned error is classified and retried per the
	// subscription's policy.
	Handle(ctx context.Context, evt event.Event) ([]event.Event, error)
}

// HandlerFunc adapts a function to the Handle method.
type HandlerFunc func(ctx context.Context, evt event.Event) ([]event.Event, error)

type funcHandler struct {
	name string
	fn   HandlerFunc
}

func (h funcHandler) Name() string { return h.name }

func (h funcHandler) Handle(ctx context.Context, evt event.Event) ([]event.Event, error) {
	return h.fn(ctx, evt)
}

// NewHandler wraps fn as a named Handler.
func NewHandler(name string, fn HandlerFunc) Handler {
	return funcHandler{name: name, fn: fn}
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	policy    sferrors.RetryPolicy
	hasPolicy bool
	timeout   time.Duration
}

// WithRetryPolicy sets the retry policy for this handler registration.
func WithRetryPolicy(p sferrors.RetryPolicy) SubscribeOption {
	return func(cfg *subscribeConfig) {
		cfg.policy = p
		cfg.hasPolicy = true
	}
}

// WithTimeout bounds each handler attempt.
func WithTimeout(d time.Duration) SubscribeOption {
	return func(cfg *subscribeConfig) {
		cfg.timeout = d
	}
}
