package benchmarks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/randalmurphal/stockflow/pkg/stockflow/bus"
	"github.com/randalmurphal/stockflow/pkg/stockflow/event"
)

func newBus(b *testing.B, handlers int) *bus.Bus {
	b.Helper()
	bb := bus.New(bus.DefaultConfig)
	noop := func(context.Context, event.Event) ([]event.Event, error) { return nil, nil }
	for i := 0; i < handlers; i++ {
		if _, err := bb.Subscribe("stock.allocated", bus.NewHandler(fmt.Sprintf("h-%d", i), noop)); err != nil {
			b.Fatal(err)
		}
	}
	b.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = bb.Close(ctx)
	})
	return bb
}

// BenchmarkPublish_OneAggregate delivers every event on a single lane.
func BenchmarkPublish_OneAggregate(b *testing.B) {
	bb := newBus(b, 1)
	ctx := context.Background()
	evt := event.MustNew("stock.allocated", "alloc-1", map[string]int{"quantity": 1})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := bb.Publish(ctx, evt); err != nil {
			b.Fatal(err)
		}
	}
	if err := bb.Flush(ctx); err != nil {
		b.Fatal(err)
	}
}

// BenchmarkPublish_ManyAggregates spreads events over parallel lanes.
func BenchmarkPublish_ManyAggregates(b *testing.B) {
	bb := newBus(b, 1)
	ctx := context.Background()
	events := make([]event.Event, 256)
	for i := range events {
		events[i] = event.MustNew("stock.allocated", fmt.Sprintf("alloc-%d", i), map[string]int{"quantity": 1})
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := bb.Publish(ctx, events[i%len(events)]); err != nil {
			b.Fatal(err)
		}
	}
	if err := bb.Flush(ctx); err != nil {
		b.Fatal(err)
	}
}

// BenchmarkPublish_FanOut10 delivers each event to ten subscribers.
func BenchmarkPublish_FanOut10(b *testing.B) {
	bb := newBus(b, 10)
	ctx := context.Background()
	evt := event.MustNew("stock.allocated", "alloc-1", map[string]int{"quantity": 1})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := bb.Publish(ctx, evt); err != nil {
			b.Fatal(err)
		}
	}
	if err := bb.Flush(ctx); err != nil {
		b.Fatal(err)
	}
}

// BenchmarkEvent_MarshalJSON measures the wire encoding.
func BenchmarkEvent_MarshalJSON(b *testing.B) {
	evt := event.MustNew("stock.allocated", "alloc-1", map[string]any{
		"allocation_id": "alloc-1",
		"quantity":      7,
		"lines":         []map[string]any{{"lot_id": "lot-1", "quantity": 5}, {"lot_id": "lot-2", "quantity": 2}},
	}, event.WithMetadata("saga_id", "saga-1"))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := evt.MarshalJSON(); err != nil {
			b.Fatal(err)
		}
	}
}
