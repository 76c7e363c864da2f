// Package sessionhosttest is a conformance suite for sessions.SessionHost
// implementations.
package sessionhosttest

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-server-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-server-go/sessions"
)

// HostFactory creates a new SessionHost instance for testing.
type HostFactory func(t *testing.T) sessions.SessionHost

// RunSessionHostTests runs the complete SessionHost test suite against the provided factory.
func RunSessionHostTests(t *testing.T, factory HostFactory) {
	t.Run("Messaging_PublishAndSubscribe", func(t *testing.T) { testPublishAndSubscribe(t, factory) })
	t.Run("Messaging_DeliversFramesPublishedBeforeSubscribe", func(t *testing.T) { testBacklogDelivered(t, factory) })
	t.Run("Messaging_FIFOOrder", func(t *testing.T) { testFIFOOrder(t, factory) })
	t.Run("Messaging_IsolationBetweenSessions", func(t *testing.T) { testSessionIsolation(t, factory) })
	t.Run("Messaging_SubscriptionContextCancellation", func(t *testing.T) { testSubscriptionContextCancellation(t, factory) })
	t.Run("Messaging_HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerErrorStopsSubscription(t, factory) })
	t.Run("Messaging_SingleSubscriber", func(t *testing.T) { testSingleSubscriber(t, factory) })
	t.Run("Lifecycle_PublishUnknownSession", func(t *testing.T) { testPublishUnknownSession(t, factory) })
	t.Run("Lifecycle_CleanupEndsSubscription", func(t *testing.T) { testCleanupEndsSubscription(t, factory) })
}

type received struct {
	mu   sync.Mutex
	ids  []string
	data [][]byte
}

func (r *received) add(id string, b []byte) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.data = append(r.data, append([]byte(nil), b...))
	r.mu.Unlock()
}

func (r *received) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}

func mustCreate(t *testing.T, h sessions.SessionHost, id string) {
	t.Helper()
	if err := h.CreateSession(context.Background(), id); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func mustPublish(t *testing.T, h sessions.SessionHost, id string, data []byte) string {
	t.Helper()
	evID, err := h.PublishSession(context.Background(), id, data)
	if err != nil {
		t.Fatalf("publish to %s: %v", id, err)
	}
	if evID == "" {
		t.Fatalf("expected non-empty event id")
	}
	return evID
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --- Messaging tests ---

func testPublishAndSubscribe(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessionID := "sess-1"
	mustCreate(t, h, sessionID)

	req := &jsonrpc.Request{JSONRPCVersion: "2.0", Method: "test/method", ID: jsonrpc.NewRequestID(1)}
	reqBytes, _ := json.Marshal(req)

	var rec received
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, sessionID, func(ctx context.Context, msgID string, msg []byte) error {
			rec.add(msgID, msg)
			cancel()
			return nil
		})
	}()

	evID := mustPublish(t, h, sessionID, reqBytes)

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("subscribe returned: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscribe timeout")
	}

	if want, got := 1, rec.len(); want != got {
		t.Fatalf("expected %d message, got %d", want, got)
	}
	if want, got := evID, rec.ids[0]; want != got {
		t.Fatalf("expected event id %s, got %s", want, got)
	}
	var decoded jsonrpc.Request
	if err := json.Unmarshal(rec.data[0], &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if want, got := req.Method, decoded.Method; want != got {
		t.Fatalf("expected method %s, got %s", want, got)
	}
}

func testBacklogDelivered(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mustCreate(t, h, "sess-backlog")
	mustPublish(t, h, "sess-backlog", []byte("one"))
	mustPublish(t, h, "sess-backlog", []byte("two"))

	var rec received
	go func() {
		_ = h.SubscribeSession(ctx, "sess-backlog", func(ctx context.Context, id string, b []byte) error {
			rec.add(id, b)
			return nil
		})
	}()

	waitFor(t, "backlog", func() bool { return rec.len() == 2 })
	if want, g := "one", string(rec.data[0]); want != g {
		t.Fatalf("expected %q first, got %q", want, g)
	}
	if want, g := "two", string(rec.data[1]); want != g {
		t.Fatalf("expected %q second, got %q", want, g)
	}
}

func testFIFOOrder(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const n = 200
	mustCreate(t, h, "sess-fifo")

	var rec received
	go func() {
		_ = h.SubscribeSession(ctx, "sess-fifo", func(ctx context.Context, id string, b []byte) error {
			rec.add(id, b)
			return nil
		})
	}()

	for i := 0; i < n; i++ {
		mustPublish(t, h, "sess-fifo", []byte(strconv.Itoa(i)))
	}

	waitFor(t, "all frames", func() bool { return rec.len() == n })
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := 0; i < n; i++ {
		if want, g := strconv.Itoa(i), string(rec.data[i]); want != g {
			t.Fatalf("frame %d: expected %q, got %q", i, want, g)
		}
	}
}

func testSessionIsolation(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mustCreate(t, h, "sess-a")
	mustCreate(t, h, "sess-b")

	var a, b received
	go func() {
		_ = h.SubscribeSession(ctx, "sess-a", func(ctx context.Context, id string, d []byte) error {
			a.add(id, d)
			return nil
		})
	}()
	go func() {
		_ = h.SubscribeSession(ctx, "sess-b", func(ctx context.Context, id string, d []byte) error {
			b.add(id, d)
			return nil
		})
	}()

	mustPublish(t, h, "sess-a", []byte("for-a"))
	mustPublish(t, h, "sess-b", []byte("for-b-1"))
	mustPublish(t, h, "sess-b", []byte("for-b-2"))

	waitFor(t, "both sessions", func() bool { return a.len() == 1 && b.len() == 2 })
	// Give any misrouted frame a chance to show up.
	time.Sleep(50 * time.Millisecond)

	if want, got := 1, a.len(); want != got {
		t.Fatalf("sess-a: expected %d frames, got %d", want, got)
	}
	if want, got := "for-a", string(a.data[0]); want != got {
		t.Fatalf("sess-a: expected %q, got %q", want, got)
	}
	if want, got := 2, b.len(); want != got {
		t.Fatalf("sess-b: expected %d frames, got %d", want, got)
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory HostFactory) {
	h := factory(t)
	mustCreate(t, h, "sess-cancel")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, "sess-cancel", func(ctx context.Context, id string, b []byte) error { return nil })
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not stop after cancel")
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mustCreate(t, h, "sess-err")
	boom := errors.New("write failed")

	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, "sess-err", func(ctx context.Context, id string, b []byte) error { return boom })
	}()

	mustPublish(t, h, "sess-err", []byte("x"))

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("expected handler error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not stop after handler error")
	}
}

func testSingleSubscriber(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mustCreate(t, h, "sess-single")

	var first received
	go func() {
		_ = h.SubscribeSession(ctx, "sess-single", func(ctx context.Context, id string, b []byte) error {
			first.add(id, b)
			return nil
		})
	}()
	mustPublish(t, h, "sess-single", []byte("ready"))
	waitFor(t, "first subscriber", func() bool { return first.len() == 1 })

	err := h.SubscribeSession(ctx, "sess-single", func(ctx context.Context, id string, b []byte) error { return nil })
	if !errors.Is(err, sessions.ErrAlreadySubscribed) {
		t.Fatalf("expected ErrAlreadySubscribed, got %v", err)
	}
}

// --- Lifecycle tests ---

func testPublishUnknownSession(t *testing.T, factory HostFactory) {
	h := factory(t)
	if _, err := h.PublishSession(context.Background(), "never-created", []byte("x")); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	err := h.SubscribeSession(context.Background(), "never-created", func(ctx context.Context, id string, b []byte) error { return nil })
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on subscribe, got %v", err)
	}
}

func testCleanupEndsSubscription(t *testing.T, factory HostFactory) {
	h := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mustCreate(t, h, "sess-cleanup")

	var rec received
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, "sess-cleanup", func(ctx context.Context, id string, b []byte) error {
			rec.add(id, b)
			return nil
		})
	}()
	mustPublish(t, h, "sess-cleanup", []byte("before"))
	waitFor(t, "delivery before cleanup", func() bool { return rec.len() == 1 })

	if err := h.CleanupSession(context.Background(), "sess-cleanup"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil after cleanup, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not stop after cleanup")
	}

	if _, err := h.PublishSession(context.Background(), "sess-cleanup", []byte("after")); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after cleanup, got %v", err)
	}
}
