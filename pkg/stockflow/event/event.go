package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// DefaultVersion is the schema version assigned when none is given.
const DefaultVersion = "1.0"

// Event is an immutable domain event.
// All fields are set at construction; accessors return copies of mutable data.
type Event struct {
	id            string
	eventType     string
	version       string
	occurredAt    time.Time
	aggregateID   string
	aggregateType string
	correlationID string
	causationID   string
	payload       json.RawMessage
	metadata      map[string]string
}

// ID returns the unique event identifier.
func (e Event) ID() string { return e.id }

// Type returns the dotted event type (e.g. "stock.exit.recorded").
func (e Event) Type() string { return e.eventType }

// Version returns the schema version.
func (e Event) Version() string { return e.version }

// OccurredAt returns when the event occurred, in UTC.
func (e Event) OccurredAt() time.Time { return e.occurredAt }

// AggregateID returns the id of the aggregate the event belongs to.
func (e Event) AggregateID() string { return e.aggregateID }

// AggregateType returns the aggregate kind (e.g. "sale", "stock").
func (e Event) AggregateType() string { return e.aggregateType }

// CorrelationID groups every event of one logical transaction.
func (e Event) CorrelationID() string { return e.correlationID }

// CausationID returns the ID of the event that directly caused this one.
func (e Event) CausationID() string { return e.causationID }

// Payload returns a copy of the serialized payload.
func (e Event) Payload() json.RawMessage {
	if e.payload == nil {
		return nil
	}
	return bytes.Clone(e.payload)
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.payload) == 0 {
		return fmt.Errorf("event %s: empty payload", e.id)
	}
	if err := json.Unmarshal(e.payload, v); err != nil {
		return fmt.Errorf("event %s: decode payload: %w", e.id, err)
	}
	return nil
}

// Metadata returns a copy of the metadata map.
func (e Event) Metadata() map[string]string {
	return maps.Clone(e.metadata)
}

// Meta returns a single metadata value.
func (e Event) Meta(key string) string {
	return e.metadata[key]
}

// IsZero reports whether e is the zero Event.
func (e Event) IsZero() bool {
	return e.id == ""
}

// Option configures event creation.
type Option func(*eventConfig)

type eventConfig struct {
	id            string
	version       string
	occurredAt    time.Time
	aggregateType string
	correlationID string
	causationID   string
	metadata      map[string]string
}

// WithID sets a specific event ID (default: random UUID).
func WithID(id string) Option {
	return func(cfg *eventConfig) {
		cfg.id = id
	}
}

// WithVersion sets the schema version.
func WithVersion(v string) Option {
	return func(cfg *eventConfig) {
		cfg.version = v
	}
}

// WithOccurredAt sets a specific timestamp (default: time.Now()).
func WithOccurredAt(t time.Time) Option {
	return func(cfg *eventConfig) {
		cfg.occurredAt = t
	}
}

// WithAggregateType sets the aggregate kind.
func WithAggregateType(t string) Option {
	return func(cfg *eventConfig) {
		cfg.aggregateType = t
	}
}

// WithCorrelationID sets the correlation ID.
func WithCorrelationID(id string) Option {
	return func(cfg *eventConfig) {
		cfg.correlationID = id
	}
}

// WithCausationID sets the ID of the causing event.
func WithCausationID(id string) Option {
	return func(cfg *eventConfig) {
		cfg.causationID = id
	}
}

// WithMetadata adds a metadata entry. May be given more than once.
func WithMetadata(key, value string) Option {
	return func(cfg *eventConfig) {
		if cfg.metadata == nil {
			cfg.metadata = make(map[string]string)
		}
		cfg.metadata[key] = value
	}
}

// New creates an event of the given type for an aggregate.
// The payload is serialized to JSON immediately; a json.RawMessage or []byte
// payload is stored as-is.
func New(eventType, aggregateID string, payload any, opts ...Option) (Event, error) {
	if eventType == "" {
		return Event{}, errors.New("event type is required")
	}

	cfg := &eventConfig{
		id:         uuid.NewString(),
		version:    DefaultVersion,
		occurredAt: time.Now(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	// No correlation ID means this event is the root of its chain
	if cfg.correlationID == "" {
		cfg.correlationID = cfg.id
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("event %s: encode payload: %w", eventType, err)
	}

	return Event{
		id:            cfg.id,
		eventType:     eventType,
		version:       cfg.version,
		occurredAt:    cfg.occurredAt.UTC(),
		aggregateID:   aggregateID,
		aggregateType: cfg.aggregateType,
		correlationID: cfg.correlationID,
		causationID:   cfg.causationID,
		payload:       raw,
		metadata:      cfg.metadata,
	}, nil
}

// MustNew is like New but panics on error. Intended for tests and static events.
func MustNew(eventType, aggregateID string, payload any, opts ...Option) Event {
	evt, err := New(eventType, aggregateID, payload, opts...)
	if err != nil {
		panic(err)
	}
	return evt
}

// NewFromParent creates an event caused by parent.
// It inherits the correlation ID, aggregate and sets the causation ID.
func NewFromParent(parent Event, eventType string, payload any, opts ...Option) (Event, error) {
	parentOpts := []Option{
		WithCorrelationID(parent.CorrelationID()),
		WithCausationID(parent.ID()),
		WithAggregateType(parent.AggregateType()),
	}
	return New(eventType, parent.AggregateID(), payload, append(parentOpts, opts...)...)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return bytes.Clone(p), nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return bytes.Clone(p), nil
	default:
		return json.Marshal(p)
	}
}

// wireEvent is the persisted and transported JSON form.
type wireEvent struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	EventVersion  string            `json:"event_version"`
	OccurredAt    time.Time         `json:"occurred_at"`
	AggregateID   string            `json:"aggregate_id"`
	AggregateType string            `json:"aggregate_type,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	CorrelationID string            `json:"correlation_id"`
	CausationID   string            `json:"causation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// MarshalJSON encodes the event in its wire form.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		EventID:       e.id,
		EventType:     e.eventType,
		EventVersion:  e.version,
		OccurredAt:    e.occurredAt.UTC(),
		AggregateID:   e.aggregateID,
		AggregateType: e.aggregateType,
		Payload:       e.payload,
		CorrelationID: e.correlationID,
		CausationID:   e.causationID,
		Metadata:      e.metadata,
	})
}

// UnmarshalJSON decodes the wire form.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.EventID == "" {
		return errors.New("event_id is required")
	}
	if w.EventType == "" {
		return errors.New("event_type is required")
	}
	if w.EventVersion == "" {
		w.EventVersion = DefaultVersion
	}
	if w.CorrelationID == "" {
		w.CorrelationID = w.EventID
	}

	*e = Event{
		id:            w.EventID,
		eventType:     w.EventType,
		version:       w.EventVersion,
		occurredAt:    w.OccurredAt.UTC(),
		aggregateID:   w.AggregateID,
		aggregateType: w.AggregateType,
		correlationID: w.CorrelationID,
		causationID:   w.CausationID,
		payload:       w.Payload,
		metadata:      w.Metadata,
	}
	return nil
}
