// Package streaming implements the per-call streaming engine: a closed union
// of events (LlmEvent, ArtifactEvent) and the Stream state machine that
// sequences, buffers and fans them out to subscribers.
//
// # Event channels
//
// An LlmEvent is small and bounded; it is safe to place in a model's context
// window (progress, status, partial messages, errors, the final result). An
// ArtifactEvent only references out-of-band content by URI, MIME type, size
// and digest; payload bytes are never inlined.
//
// # Lifecycle
//
//	pending --Start--> active --Complete--> completed
//	                   active --Cancel----> cancelled
//
// Terminal states are permanent. A second Complete or Cancel against the same
// terminal state is ignored; every other transition out of a terminal state
// returns a *StateError wrapping ErrStateViolation.
//
// # Ordering
//
// Every emitted event receives a strictly increasing sequence number.
// Listeners observe events of one Stream in sequence order. Closing a Stream
// stops further emission only; it does not interrupt work that produces
// events.
package streaming
