package bus

import (
	"context"
	"sync"

	"github.com/randalmurphal/stockflow/pkg/stockflow/event"
)

// Waiter receives the first published event that matches its correlation
// ID, types and predicate.
type Waiter struct {
	id            uint64
	set           *waiterSet
	correlationID string
	types         map[string]struct{}
	match         func(event.Event) bool
	ch            chan event.Event
}

// Wait blocks until a matching event is published or ctx is done.
// The waiter is removed either way.
func (w *Waiter) Wait(ctx context.Context) (event.Event, error) {
	select {
	case evt := <-w.ch:
		return evt, nil
	case <-ctx.Done():
		w.Cancel()
		return event.Event{}, ctx.Err()
	}
}

// Cancel stops the waiter. Safe to call more than once.
func (w *Waiter) Cancel() {
	w.set.remove(w.id)
}

func (w *Waiter) matches(evt event.Event) bool {
	if evt.CorrelationID() != w.correlationID {
		return false
	}
	if len(w.types) > 0 {
		if _, ok := w.types[evt.Type()]; !ok {
			return false
		}
	}
	return w.match == nil || w.match(evt)
}

type waiterSet struct {
	mu      sync.Mutex
	nextID  uint64
	waiters map[uint64]*Waiter
}

func (s *waiterSet) add(w *Waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	w.id = s.nextID
	w.set = s
	s.waiters[w.id] = w
}

func (s *waiterSet) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiters, id)
}

func (s *waiterSet) notify(evt event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.waiters {
		if w.matches(evt) {
			w.ch <- evt
			delete(s.waiters, id)
		}
	}
}

// Await registers a waiter for the first event published after this call
// with the given correlation ID whose type is one of types (any type when
// none are given) and for which match returns true (match may be nil).
// Register before publishing the triggering event.
func (b *Bus) Await(correlationID string, match func(event.Event) bool, types ...string) *Waiter {
	w := &Waiter{
		correlationID: correlationID,
		match:         match,
		ch:            make(chan event.Event, 1),
	}
	if len(types) > 0 {
		w.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			w.types[t] = struct{}{}
		}
	}
	b.waiters.add(w)
	return w
}

// Request publishes evt and waits for the first event of the given types
// that shares its correlation ID, other than evt itself. Causation is not
// checked; use Await with a predicate to require a direct reply.
func (b *Bus) Request(ctx context.Context, evt event.Event, types ...string) (event.Event, error) {
	w := b.Await(evt.CorrelationID(), func(e event.Event) bool {
		return e.ID() != evt.ID()
	}, types...)
	if err := b.Publish(ctx, evt); err != nil {
		w.Cancel()
		return event.Event{}, err
	}
	return w.Wait(ctx)
}
