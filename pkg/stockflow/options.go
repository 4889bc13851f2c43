package stockflow

import (
	"log/slog"

	"github.com/randalmurphal/stockflow/pkg/stockflow/bridge"
	"github.com/randalmurphal/stockflow/pkg/stockflow/bus"
	"github.com/randalmurphal/stockflow/pkg/stockflow/sales"
)

// Option configures an Engine.
type Option func(*engineConfig)

type engineConfig struct {
	logger  *slog.Logger
	prices  sales.PriceList
	writer  bridge.MessageWriter
	busOpts []bus.Option
}

// WithLogger sets the logger shared by every component.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(c *engineConfig) {
		c.logger = logger
	}
}

// WithPriceList replaces the static prices from settings.
func WithPriceList(prices sales.PriceList) Option {
	return func(c *engineConfig) {
		c.prices = prices
	}
}

// WithMessageWriter forwards every event to w instead of a Kafka writer
// built from settings. The bridge is attached even when Kafka is disabled.
func WithMessageWriter(w bridge.MessageWriter) Option {
	return func(c *engineConfig) {
		c.writer = w
	}
}

// WithBusOptions passes extra options to the event bus.
//
// Example:
//
//	engine, err := stockflow.New(settings,
//	    stockflow.WithBusOptions(bus.WithClock(clock.Now)))
func WithBusOptions(opts ...bus.Option) Option {
	return func(c *engineConfig) {
		c.busOpts = append(c.busOpts, opts...)
	}
}
