package bus

import (
	"sync/atomic"
	"time"

	sferrors "github.com/randalmurphal/stockflow/pkg/stockflow/errors"
)

// Subscription is an active handler registration.
type Subscription struct {
	id        uint64
	bus       *Bus
	eventType string
	handler   Handler
	policy    sferrors.RetryPolicy
	timeout   time.Duration
	active    atomic.Bool
}

// EventType returns the subscribed type, or Wildcard.
func (s *Subscription) EventType() string { return s.eventType }

// HandlerName returns the handler's name.
func (s *Subscription) HandlerName() string { return s.handler.Name() }

// Policy returns the retry policy bound to this registration.
func (s *Subscription) Policy() sferrors.RetryPolicy { return s.policy }

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool { return s.active.Load() }

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s.active.Load() {
		s.bus.Unsubscribe(s.eventType, s.handler.Name())
	}
}
