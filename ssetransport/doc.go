// Package ssetransport implements the HTTP+SSE transport of the Model
// Context Protocol.
//
// A client opens a long-lived GET stream. The transport allocates a session,
// announces the URL the client must POST messages to in an "endpoint" event,
// and from then on drains the session's outbound queue onto the stream as
// "message" events. Each POSTed JSON-RPC message is acknowledged with 202
// Accepted; the logical reply travels over the stream.
//
// Stream lifecycle
//
//	GET  /sse                      -> event: endpoint  data: /messages?session_id=<id>
//	POST /messages?session_id=<id> -> 202, reply later as event: message
//	stream closes                  -> session evicted, later POSTs get 404
//
// Frames of one session are written in the order they were enqueued; a single
// writer loop per stream owns the connection. Idle streams receive a comment
// frame every keep-alive interval so intermediaries do not time them out.
package ssetransport
