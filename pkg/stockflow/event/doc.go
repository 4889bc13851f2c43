// Package event defines the immutable domain event, the transport envelope
// that carries it through the bus, and a schema registry for validating
// events before they are published.
//
// Events serialize to a flat JSON wire form:
//
//	{
//	  "event_id": "7f0c...",
//	  "event_type": "stock.exit.recorded",
//	  "event_version": "1.0",
//	  "occurred_at": "2024-05-01T10:00:00Z",
//	  "aggregate_id": "sale-42",
//	  "payload": {...},
//	  "correlation_id": "...",
//	  "causation_id": "..."
//	}
//
// Follow-up events should be built with NewFromParent so that correlation
// and causation chains stay intact across handlers.
package event
