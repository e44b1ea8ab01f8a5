// Package sessions owns the gateway's live SSE connections.
//
// A session is created by an SSE GET and identified by an opaque id that the
// client presents again to resume after a disconnect. The Registry tracks each
// session's principal, its activity timestamps and at most one attached
// connection. Frames pushed to a session are appended to an EventStore (only
// replayable frames: llm_event, artifact_event, end) and written to the
// connection if one is attached.
//
// # Resumption
//
// Reconnecting with the last seen event id replays every buffered frame after
// that id, in order, before live delivery resumes. An unknown id resumes live
// only. Resumption is bounded by the store's window; it is not a durable
// queue.
//
// # Concurrency
//
// Every read-modify-write against one session (push, heartbeat tick, detach,
// terminate) holds that session id's lock from internal/keylock, so writes to
// one SSE byte stream never interleave. Different sessions never block each
// other.
//
// # Lifetime
//
// Closing a connection detaches it but keeps the session and its buffer until
// the TTL elapses without activity or the client sends DELETE. Terminate runs
// the session's cleanup callbacks exactly once. Run drives the periodic Sweep
// that expires idle sessions; Shutdown stops every heartbeat and detaches
// every connection.
package sessions
