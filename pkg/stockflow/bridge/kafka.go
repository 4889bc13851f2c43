// Package bridge mirrors bus events to external brokers.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/randalmurphal/stockflow/pkg/stockflow/bus"
	sferrors "github.com/randalmurphal/stockflow/pkg/stockflow/errors"
	"github.com/randalmurphal/stockflow/pkg/stockflow/event"
)

// Header keys set on every forwarded message.
const (
	HeaderEventType     = "event_type"
	HeaderEventID       = "event_id"
	HeaderCorrelationID = "correlation_id"
)

// DefaultHandlerName is the bus handler name of a forwarder.
const DefaultHandlerName = "bridge.kafka"

// MessageWriter writes messages to Kafka. Satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka writer.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
}

// NewKafkaWriter creates a writer for cfg. Messages with the same key land
// on the same partition, which keeps one aggregate's events in order.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
}

// ForwarderOption configures a KafkaForwarder.
type ForwarderOption func(*KafkaForwarder)

// WithHandlerName sets the bus handler name.
func WithHandlerName(name string) ForwarderOption {
	return func(f *KafkaForwarder) {
		f.name = name
	}
}

// WithExclude skips the given event types.
func WithExclude(types ...string) ForwarderOption {
	return func(f *KafkaForwarder) {
		for _, t := range types {
			f.exclude[t] = struct{}{}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ForwarderOption {
	return func(f *KafkaForwarder) {
		f.logger = logger
	}
}

// KafkaForwarder is a bus handler that writes each event's wire JSON to
// Kafka, keyed by aggregate ID.
type KafkaForwarder struct {
	writer  MessageWriter
	name    string
	exclude map[string]struct{}
	logger  *slog.Logger
}

var _ bus.Handler = (*KafkaForwarder)(nil)

// NewKafkaForwarder creates a forwarder writing to w.
func NewKafkaForwarder(w MessageWriter, opts ...ForwarderOption) *KafkaForwarder {
	f := &KafkaForwarder{
		writer:  w,
		name:    DefaultHandlerName,
		exclude: make(map[string]struct{}),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Name implements bus.Handler.
func (f *KafkaForwarder) Name() string { return f.name }

// Handle implements bus.Handler. Write errors are transient so the bus
// retries them under the subscription's policy.
func (f *KafkaForwarder) Handle(ctx context.Context, evt event.Event) ([]event.Event, error) {
	if _, skip := f.exclude[evt.Type()]; skip {
		return nil, nil
	}

	msg, err := Message(ctx, evt)
	if err != nil {
		return nil, sferrors.Validation(err, "encode event")
	}
	if err := f.writer.WriteMessages(ctx, msg); err != nil {
		return nil, sferrors.Transient(fmt.Errorf("write %s: %w", evt.ID(), err), "kafka")
	}
	f.logger.Debug("event forwarded",
		slog.String("handler", f.name),
		slog.String("event_type", evt.Type()),
		slog.String("event_id", evt.ID()))
	return nil, nil
}

// Attach subscribes the forwarder to every event type on b.
func (f *KafkaForwarder) Attach(b *bus.Bus, opts ...bus.SubscribeOption) (*bus.Subscription, error) {
	return b.Subscribe(bus.Wildcard, f, opts...)
}

// Close closes the writer.
func (f *KafkaForwarder) Close() error {
	return f.writer.Close()
}

// Message builds the Kafka message for evt. The trace context in ctx is
// injected into the headers.
func Message(ctx context.Context, evt event.Event) (kafka.Message, error) {
	value, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, err
	}
	key := evt.AggregateID()
	if key == "" {
		key = evt.ID()
	}

	carrier := headerCarrier{
		{Key: HeaderEventType, Value: []byte(evt.Type())},
		{Key: HeaderEventID, Value: []byte(evt.ID())},
		{Key: HeaderCorrelationID, Value: []byte(evt.CorrelationID())},
	}
	otel.GetTextMapPropagator().Inject(ctx, &carrier)

	return kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Headers: carrier,
		Time:    evt.OccurredAt(),
	}, nil
}

// headerCarrier adapts Kafka headers to propagation.TextMapCarrier.
type headerCarrier []kafka.Header

func (c *headerCarrier) Get(key string) string {
	for _, h := range *c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	for i, h := range *c {
		if h.Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, len(*c))
	for i, h := range *c {
		keys[i] = h.Key
	}
	return keys
}
