// Package bus routes typed messages between registered agents.
//
// # Delivery model
//
// Each registered agent gets a dedicated worker goroutine draining its queue
// sequentially, so messages targeting the same agent are delivered in
// submission order while distinct targets deliver concurrently. A shared
// capacity bound across all targets provides backpressure (ErrQueueFull).
//
// # Correlation
//
// Request-type messages are correlated to responses strictly by the
// originating message ID. A pending-request entry holds the waiter's channel
// and a timeout timer; the first of response, timeout, shutdown, or caller
// cancellation settles it, and late responses are discarded in place.
//
// # Failure containment
//
// Single-target deliveries route through the target's circuit breaker when a
// breaker manager is attached. Broadcast and type fan-out are best-effort:
// per-agent failures are logged and swallowed.
package bus
