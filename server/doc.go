// Package server assembles the MCP HTTP+SSE server: it owns the tool
// registry, the protocol engine, the session transport and the HTTP router,
// and runs them with graceful shutdown.
//
// Routes
//
//	GET  <SSEPath>                      event stream, one session per connection
//	POST <MessagePath>?session_id=<id>  client -> server JSON-RPC message
//	GET  /health, GET /                 liveness, plain text "OK"
//	GET  /metrics                       Prometheus exposition
//
// Every route answers cross-origin requests from any origin, with
// credentials.
package server
