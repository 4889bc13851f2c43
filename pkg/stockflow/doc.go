/*
Package stockflow is an event-driven inventory core: an in-process event bus
with retries, circuit breakers and a dead-letter queue; a FEFO stock
allocator; a saga orchestrator that compensates failed multi-step
transactions; and an idempotency gate in front of caller-submitted work.

# Overview

Engine wires the pieces together from config.Settings:

  - bus: publish/subscribe with per-aggregate ordering
  - resilience: retry, circuit breaking, dead letters
  - idempotency: at-most-once processing per client key
  - inventory: lot storage and FEFO allocation
  - saga: step sequencing and compensation
  - sales: the sale saga and its handlers
  - bridge: optional forwarding of every event to Kafka

# Basic Usage

	settings, err := config.Load("stockflow.yaml")
	if err != nil {
	    log.Fatal(err)
	}

	engine, err := stockflow.New(settings)
	if err != nil {
	    log.Fatal(err)
	}
	defer engine.Close(context.Background())

	if err := engine.Start(ctx); err != nil {
	    log.Fatal(err)
	}

	result, err := engine.SubmitSale(ctx, "order-1042", sales.Request{
	    CustomerID:  "c-7",
	    ProductID:   "apple",
	    WarehouseID: "wh-1",
	    Quantity:    7,
	})

# Caller Contract

SubmitSale returns one of four statuses:

  - StatusOK: the sale completed. Response is the receipt. Submitting the
    same key and request again returns the same bytes with Replayed set.
  - StatusConflict: the key was used before with a different request.
  - StatusBusy: the same request is still being processed.
  - StatusFailed: the sale was rejected and every completed step was
    compensated. The key may be reused for the same request.

An error return means the request could not be evaluated at all, for example
because the idempotency store is unreachable.

# Storage

Every store has an in-memory implementation. Dead letters, idempotency
records and saga state can be persisted in SQLite; idempotency records can
live in Redis; stock lots can live in MySQL.
*/
package stockflow
