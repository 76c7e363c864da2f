package sessions

import (
	"context"
	"errors"
)

var (
	// ErrSessionNotFound is returned when publishing to or subscribing on a
	// queue that was never created or has been cleaned up.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAlreadySubscribed is returned when a second subscriber attaches to a
	// queue. Each queue has exactly one consumer.
	ErrAlreadySubscribed = errors.New("session already has a subscriber")
)

// MessageHandlerFunction receives one queued frame. Returning an error stops
// the subscription and is propagated from SubscribeSession.
type MessageHandlerFunction func(ctx context.Context, eventID string, data []byte) error

// SessionHost stores the ordered outbound frames of every open session.
//
// Semantics:
//   - Frames published to a session are delivered to its subscriber exactly
//     in publication order, including frames published before the
//     subscription began.
//   - PublishSession never blocks on the subscriber.
//   - SubscribeSession blocks until ctx ends (returns the context error), the
//     handler fails (returns that error), or the session is cleaned up
//     (returns nil).
//   - After CleanupSession, PublishSession fails with ErrSessionNotFound.
type SessionHost interface {
	CreateSession(ctx context.Context, sessionID string) error
	PublishSession(ctx context.Context, sessionID string, data []byte) (eventID string, err error)
	SubscribeSession(ctx context.Context, sessionID string, handler MessageHandlerFunction) error
	CleanupSession(ctx context.Context, sessionID string) error
	Close() error
}

// Session is the handle the protocol engine uses to reply on a stream.
type Session interface {
	SessionID() string
	// WriteMessage enqueues one serialized JSON-RPC message. It fails when the
	// session is no longer open.
	WriteMessage(ctx context.Context, msg []byte) error
}
