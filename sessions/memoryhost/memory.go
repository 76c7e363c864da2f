package memoryhost

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-sse-server-go/sessions"
)

// Host is an in-memory implementation of sessions.SessionHost.
type Host struct {
	mu       sync.RWMutex
	sessions map[string]*queue
	counter  atomic.Int64
}

type queue struct {
	mu         sync.Mutex
	messages   []message
	subscribed bool
	closed     bool

	// notify has capacity 1 so a publish never blocks and a pending wakeup
	// is never lost.
	notify chan struct{}
	done   chan struct{}
}

type message struct {
	id   string
	data []byte
}

var _ sessions.SessionHost = (*Host)(nil)

func New() *Host {
	return &Host{sessions: make(map[string]*queue)}
}

func (h *Host) CreateSession(_ context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[sessionID]; !ok {
		h.sessions[sessionID] = &queue{
			notify: make(chan struct{}, 1),
			done:   make(chan struct{}),
		}
	}
	return nil
}

func (h *Host) lookup(sessionID string) (*queue, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	q, ok := h.sessions[sessionID]
	return q, ok
}

func (h *Host) PublishSession(_ context.Context, sessionID string, data []byte) (string, error) {
	q, ok := h.lookup(sessionID)
	if !ok {
		return "", sessions.ErrSessionNotFound
	}

	evID := strconv.FormatInt(h.counter.Add(1), 10)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", sessions.ErrSessionNotFound
	}
	q.messages = append(q.messages, message{id: evID, data: append([]byte(nil), data...)})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evID, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, handler sessions.MessageHandlerFunction) error {
	q, ok := h.lookup(sessionID)
	if !ok {
		return sessions.ErrSessionNotFound
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return sessions.ErrSessionNotFound
	}
	if q.subscribed {
		q.mu.Unlock()
		return sessions.ErrAlreadySubscribed
	}
	q.subscribed = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.subscribed = false
		q.mu.Unlock()
	}()

	for {
		q.mu.Lock()
		batch := q.messages
		q.messages = nil
		q.mu.Unlock()

		for i, m := range batch {
			if err := handler(ctx, m.id, m.data); err != nil {
				h.requeue(q, batch[i+1:])
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return nil
		case <-q.notify:
		}
	}
}

// requeue puts undelivered frames back at the head of the queue.
func (h *Host) requeue(q *queue, rest []message) {
	if len(rest) == 0 {
		return
	}
	q.mu.Lock()
	q.messages = append(append([]message(nil), rest...), q.messages...)
	q.mu.Unlock()
}

func (h *Host) CleanupSession(_ context.Context, sessionID string) error {
	h.mu.Lock()
	q, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if !ok {
		return nil
	}

	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.messages = nil
		close(q.done)
	}
	q.mu.Unlock()
	return nil
}

// Len reports the number of live queues.
func (h *Host) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Host) Close() error {
	h.mu.Lock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		_ = h.CleanupSession(context.Background(), id)
	}
	return nil
}
