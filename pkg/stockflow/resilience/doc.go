// Package resilience wraps handler invocations with the failure handling
// stockflow relies on: per-attempt timeouts, panic recovery, error
// classification, retry with backoff, circuit breaking per (handler, event
// type), and dead-lettering.
//
// Basic usage:
//
//	exec := resilience.NewExecutor(resilience.DefaultExecutorConfig, resilience.NewMemoryStore())
//	out := exec.Invoke(ctx, resilience.Invocation{
//	    HandlerName: "allocator",
//	    Envelope:    event.NewEnvelope(evt, 0),
//	    Policy:      sferrors.DefaultRetryPolicy,
//	    Fn:          allocate,
//	})
//	if out.Err != nil {
//	    // out.DeadLetter has been stored
//	}
//
// Dead letters stay in the Store until an operator resolves them or a
// redelivery succeeds.
package resilience
