// Package bus provides the in-process event bus stockflow components talk
// over.
//
// Subscribers register a named Handler per event type (or Wildcard) with
// their own retry policy and timeout:
//
//	b := bus.New(bus.DefaultConfig, bus.WithRegistry(registry))
//	_, err := b.Subscribe("stock.allocation.requested", allocator,
//	    bus.WithRetryPolicy(sferrors.DefaultRetryPolicy),
//	    bus.WithTimeout(5*time.Second))
//
// Publish only enqueues. Each subscriber has one FIFO lane per aggregate,
// so events of one aggregate reach a handler in publish order while
// different aggregates are handled concurrently, bounded by MaxConcurrency.
//
// Handler failures go through the resilience executor: retries, circuit
// breaking, and finally the dead-letter store. A dead-lettered delivery
// publishes a TypeHandlerFailed event caused by the failing event, which is
// how request/response callers and sagas learn about failures.
package bus
