package ssetransport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-sse-server-go/sessions"
	"github.com/sourcegraph/conc"
)

// Session is one open SSE stream. It implements sessions.Session so the
// protocol engine can reply through it.
type Session struct {
	id string
	t  *Transport

	// ctx is cancelled when the stream ends for any reason. In-flight
	// dispatches run under it.
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.RWMutex
	open     bool
	inflight conc.WaitGroup
}

var _ sessions.Session = (*Session)(nil)

// SessionID returns the opaque id announced in the endpoint event.
func (s *Session) SessionID() string { return s.id }

// WriteMessage enqueues msg for delivery on the stream. It never blocks on
// the client and fails with ErrSessionClosed once the stream has ended.
func (s *Session) WriteMessage(ctx context.Context, msg []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return ErrSessionClosed
	}
	if _, err := s.t.host.PublishSession(ctx, s.id, msg); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			return ErrSessionClosed
		}
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Context is cancelled once the stream ends.
func (s *Session) Context() context.Context { return s.ctx }

// goDispatch runs fn under the session's in-flight group. It reports false
// without running fn when the session is already closed.
func (s *Session) goDispatch(fn func()) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return false
	}
	s.inflight.Go(fn)
	return true
}

// close marks the session closed and cancels its context with cause. It is
// safe to call more than once.
func (s *Session) close(cause error) {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	s.cancel(cause)
}

func (s *Session) isOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open
}
