package event

import (
	"maps"

	"github.com/google/uuid"
)

// Envelope wraps an event with transport metadata.
// The bus creates one envelope per subscriber and owns it while in flight.
type Envelope struct {
	MessageID  string
	Event      Event
	RoutingKey string
	RetryCount int
	MaxRetries int
	Headers    map[string]string
}

// NewEnvelope wraps evt for delivery. RoutingKey defaults to the event type.
func NewEnvelope(evt Event, maxRetries int) *Envelope {
	return &Envelope{
		MessageID:  uuid.NewString(),
		Event:      evt,
		RoutingKey: evt.Type(),
		MaxRetries: maxRetries,
		Headers:    make(map[string]string),
	}
}

// OrderingKey returns the key that serializes delivery for this envelope.
// Events without an aggregate have no ordering relationship with any other event.
func (e *Envelope) OrderingKey() string {
	if id := e.Event.AggregateID(); id != "" {
		return "agg:" + id
	}
	return "evt:" + e.Event.ID()
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Headers = maps.Clone(e.Headers)
	return &c
}
