// Package mcp contains the Model Context Protocol payload types the gateway
// reads and writes. It mirrors the wire representation while keeping the
// surface Go-friendly (exported structs with json tags, string constants for
// method names).
//
// The package is free of transport logic: the streaminghttp gateway decodes
// params into these types and marshals results back into JSON-RPC responses.
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{mcp.TextContent("hello")},
//	}
//
// # Compatibility
//
// The LatestProtocolVersion constant reflects the protocol date returned
// from initialize.
package mcp
