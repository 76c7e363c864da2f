// Package mcp contains the protocol data types and constants exchanged with
// clients over the SSE transport. It mirrors the wire representation of the
// Model Context Protocol while keeping the surface Go-friendly (exported
// structs with json tags, string constants for method names).
//
// The package is free of transport logic: the ssetransport package frames
// these types as server-sent events and the engine package serializes them
// into JSON-RPC envelopes.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod). Using the constants avoids typographical mistakes.
//
// # Capabilities
//
// ServerCapabilities captures the advertised feature set. This server only
// advertises tools, and never emits list-changed notifications because the
// tool set is fixed at startup.
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "hello"}},
//	}
//
// # Compatibility
//
// LatestProtocolVersion reflects the most recent protocol date the server
// targets. Initialize echoes a client's requested version when it appears in
// SupportedProtocolVersions and falls back to the latest otherwise.
package mcp
