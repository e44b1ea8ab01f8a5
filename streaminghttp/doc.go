// Package streaminghttp implements the gateway's HTTP transport: JSON-RPC 2.0
// over POST (single messages and batches) plus a resumable Server-Sent Events
// channel per session over GET.
//
// The transport is split in two layers. Gateway.Handle is pure dispatch: it
// takes the body, headers, principal and session id of one POST and returns
// an Outcome (status, headers, body) without touching net/http. The
// StreamingHTTPHandler mounts Handle on a ServeMux together with the SSE GET
// and DELETE endpoints, bearer authentication and the protected resource
// metadata document.
//
// Construction
//
//	h, err := streaminghttp.New(
//	    "https://api.example/mcp", // public endpoint
//	    registry,                  // *sessions.Registry
//	    toolRegistry,              // streaminghttp.ToolRegistry, usually *tools.Registry
//	    authenticator,             // auth.Authenticator
//	    streaminghttp.WithRealm("mcp"),
//	)
//
// # Batches
//
// A POST body is one JSON-RPC message or a non-empty array of them. Batch
// items are dispatched concurrently and answered in input order. A failing
// item produces a JSON-RPC error with its own id and never affects its
// siblings. A payload made only of notifications and responses is accepted
// with 202 and no body.
//
// # Streaming tool calls
//
// When a POST carries an Mcp-Session-Id naming a live session owned by the
// caller, every tools/call gets a streaming.Stream routed into that session's
// SSE channel. Tools find the stream with streaming.FromContext and emit
// progress and artifact events; the JSON-RPC result is still returned inline.
//
// # Error Handling
//
// Transport-shape problems (content type, Accept, malformed payload) map to
// 4xx statuses. Everything after parsing is a JSON-RPC error inside a 200
// response: -32602 for bad params, unknown tools and insufficient scope,
// -32601 for unknown methods and -32603 for internal failures, whose message
// is sanitized unless dev mode is on. Authentication failures carry an
// RFC 6750 WWW-Authenticate challenge.
package streaminghttp
