// Package sessions defines the outbound queue abstraction shared by the SSE
// transport and the protocol engine. Every open SSE stream owns exactly one
// queue; the engine publishes JSON-RPC frames into it and the stream's writer
// loop drains it in publication order.
//
// Layers & Roles
//
//	Transport   -> creates the queue on stream open, subscribes, cleans up on close
//	SessionHost -> FIFO storage and blocking delivery of serialized frames
//	Session     -> per-session handle handed to the engine for replies
//
// Implementations
//
//	memoryhost : in-process queues, the default
//	redishost  : Redis Streams backed queues
//
// sessionhosttest holds the conformance suite both implementations run.
package sessions
