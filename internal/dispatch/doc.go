// Package dispatch implements the concurrent core of the batch runner: the
// dispatcher that drives tasks to completion, the per-channel credential pools,
// and the pure retry policy that maps classified provider errors to decisions.
//
// # Ownership
//
// The [Dispatcher] owns every task until it reaches a terminal state, at which
// point the outcome passes to the [Sink]. Each [Channel] owns its
// [CredentialPool]; credential health is mutated only through the pool's
// Acquire/Release contract under its internal lock. No state is shared across
// channels, so channels fail independently.
//
// # Scheduling
//
// The backlog is FIFO; retryable failures requeue at the back. One coordinator
// goroutine assigns each pending task to the least-recently-used non-exhausted
// channel with a free slot, then executes the provider call in a worker
// goroutine. When no slot is free the coordinator blocks on a completion signal
// or the earliest credential cooldown expiry, whichever comes first.
//
// # Termination
//
// A run ends in one of three states: success (backlog empty, nothing in
// flight), partial (all channels exhausted, remaining tasks abandoned with
// error-verdict outcomes), or fatal (an outcome write failed; durability can no
// longer be guaranteed). An external interrupt switches the run into draining
// mode: nothing new is assigned, in-flight calls get a bounded grace period,
// and unwritten tasks stay unwritten so a re-run picks them up.
//
// # Progress
//
// Status events are emitted best-effort with a non-blocking send; a slow or
// absent consumer never stalls dispatch.
package dispatch
