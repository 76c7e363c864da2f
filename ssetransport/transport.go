package ssetransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-sse-server-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-server-go/internal/logctx"
	"github.com/ggoodman/mcp-sse-server-go/internal/metrics"
	"github.com/ggoodman/mcp-sse-server-go/sessions"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrUnknownSession is returned for ids that do not name an open stream.
	ErrUnknownSession = errors.New("unknown session")
	// ErrSessionClosed is returned when the stream ended while the caller
	// held the session. It matches ErrUnknownSession.
	ErrSessionClosed = fmt.Errorf("%w: session closed", ErrUnknownSession)
	// ErrMalformedMessage is returned by Post for bodies that are not a single
	// JSON-RPC message. An error frame has already been queued to the stream.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrShuttingDown is returned for new streams and posts once Shutdown began.
	ErrShuttingDown = errors.New("transport shutting down")

	errStreamEnded = errors.New("stream ended")
)

const (
	// DefaultKeepAlive is the idle interval after which a ping comment is sent.
	DefaultKeepAlive = 15 * time.Second
	// DefaultMessagePath is advertised in the endpoint event.
	DefaultMessagePath = "/messages"
	// DefaultMaxMessageBytes bounds a single POSTed message.
	DefaultMaxMessageBytes = 1 << 20

	eventEndpoint = "endpoint"
	eventMessage  = "message"

	pingTimeFormat = "2006-01-02 15:04:05.000000-07:00"
)

// Dispatcher interprets one inbound message for a session.
type Dispatcher interface {
	Dispatch(ctx context.Context, sess sessions.Session, msg *jsonrpc.AnyMessage) error
}

// Transport owns the table of open SSE sessions, moving frames between the
// session queues held by a sessions.SessionHost and the client connections.
type Transport struct {
	host       sessions.SessionHost
	dispatcher Dispatcher

	log             *slog.Logger
	clock           clockwork.Clock
	metrics         *metrics.Metrics
	keepAlive       time.Duration
	messagePath     string
	maxMessageBytes int64

	table *sessionTable

	// openMu orders stream registration against Shutdown's Wait.
	openMu  sync.Mutex
	streams sync.WaitGroup
	closing atomic.Bool
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the transport's logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// WithClock replaces the clock driving keep-alive pings.
func WithClock(c clockwork.Clock) Option {
	return func(t *Transport) { t.clock = c }
}

// WithKeepAlive sets the ping interval. A non-positive value disables pings.
func WithKeepAlive(d time.Duration) Option {
	return func(t *Transport) { t.keepAlive = d }
}

// WithMessagePath sets the path advertised in the endpoint event.
func WithMessagePath(p string) Option {
	return func(t *Transport) { t.messagePath = p }
}

// WithMetrics records session and frame counters on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// WithMaxMessageBytes bounds the size of a POSTed message body.
func WithMaxMessageBytes(n int64) Option {
	return func(t *Transport) { t.maxMessageBytes = n }
}

// New creates a transport that queues frames in host and hands inbound
// messages to d.
func New(host sessions.SessionHost, d Dispatcher, opts ...Option) *Transport {
	t := &Transport{
		host:            host,
		dispatcher:      d,
		log:             slog.Default(),
		clock:           clockwork.NewRealClock(),
		keepAlive:       DefaultKeepAlive,
		messagePath:     DefaultMessagePath,
		maxMessageBytes: DefaultMaxMessageBytes,
		table:           newSessionTable(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Open allocates a session, announces its message endpoint on w and then
// writes the session's queued frames to w until ctx ends, the writer fails,
// or the session is closed. The session is evicted before Open returns.
// A client disconnect is a normal end and yields a nil error.
func (t *Transport) Open(ctx context.Context, w EventWriter) error {
	t.openMu.Lock()
	if t.closing.Load() {
		t.openMu.Unlock()
		return ErrShuttingDown
	}
	t.streams.Add(1)
	t.openMu.Unlock()
	defer t.streams.Done()

	id := uuid.NewString()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id})

	if err := t.host.CreateSession(ctx, id); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	sctx, cancel := context.WithCancelCause(ctx)
	s := &Session{id: id, t: t, ctx: sctx, cancel: cancel, open: true}
	t.table.insert(s)
	t.metrics.SessionOpened()
	if t.closing.Load() {
		s.close(ErrShuttingDown)
	}

	start := t.clock.Now()
	t.log.InfoContext(ctx, "sse.stream.start")

	err := t.serve(s, w)

	s.close(errStreamEnded)
	t.table.remove(s)
	s.inflight.Wait()
	if cerr := t.host.CleanupSession(context.WithoutCancel(ctx), id); cerr != nil {
		t.log.WarnContext(ctx, "sse.session.cleanup.fail", slog.String("err", cerr.Error()))
	}
	t.metrics.SessionClosed()

	if err != nil {
		t.log.WarnContext(ctx, "sse.stream.end", slog.Duration("dur", t.clock.Since(start)), slog.String("err", err.Error()))
		return err
	}
	t.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", t.clock.Since(start)))
	return nil
}

func (t *Transport) serve(s *Session, w EventWriter) error {
	endpoint := t.messagePath + "?session_id=" + s.id
	if err := w.WriteEvent(eventEndpoint, []byte(endpoint)); err != nil {
		return fmt.Errorf("write endpoint: %w", err)
	}
	t.metrics.FrameSent(metrics.FrameEndpoint)

	pingDone := make(chan struct{})
	if t.keepAlive > 0 {
		go func() {
			defer close(pingDone)
			t.keepAliveLoop(s, w)
		}()
	} else {
		close(pingDone)
	}

	err := t.host.SubscribeSession(s.ctx, s.id, func(ctx context.Context, _ string, data []byte) error {
		if err := w.WriteEvent(eventMessage, data); err != nil {
			t.log.WarnContext(s.ctx, "sse.write.fail", slog.String("err", err.Error()))
			return err
		}
		t.metrics.FrameSent(metrics.FrameMessage)
		return nil
	})
	ended := s.ctx.Err() != nil

	// The writer must be idle before the caller's response is released.
	s.cancel(errStreamEnded)
	<-pingDone

	if err != nil && ended {
		// Disconnects, Close and Shutdown all end the stream via the context.
		return nil
	}
	return err
}

func (t *Transport) keepAliveLoop(s *Session, w EventWriter) {
	ticker := t.clock.NewTicker(t.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.Chan():
			if err := w.WriteComment("ping - " + now.UTC().Format(pingTimeFormat)); err != nil {
				s.cancel(fmt.Errorf("keep-alive: %w", err))
				return
			}
			t.metrics.FrameSent(metrics.FramePing)
		}
	}
}

// Post decodes one client message addressed to session id and dispatches it
// asynchronously. A nil error means the message was accepted; its reply, if
// any, is delivered on the stream. Malformed bodies are answered on the
// stream with an error frame carrying a null id and ErrMalformedMessage is
// returned.
func (t *Transport) Post(ctx context.Context, id string, body []byte) error {
	s, ok := t.table.get(id)
	if !ok || !s.isOpen() {
		t.metrics.MessagePosted(metrics.PostUnknownSession)
		return ErrUnknownSession
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id})

	msg, code, err := decodeMessage(body)
	if err != nil {
		t.metrics.MessagePosted(metrics.PostMalformed)
		t.log.InfoContext(ctx, "sse.message.malformed", slog.String("err", err.Error()))
		if werr := t.writeError(ctx, s, code, err.Error()); werr != nil {
			return werr
		}
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	// The reply outlives the POST, so dispatch runs under the session's
	// lifetime while keeping the request's log attributes.
	base := context.WithoutCancel(ctx)
	accepted := s.goDispatch(func() {
		dctx, cancel := context.WithCancelCause(base)
		stop := context.AfterFunc(s.ctx, func() { cancel(context.Cause(s.ctx)) })
		defer stop()
		defer cancel(nil)

		if err := t.dispatcher.Dispatch(dctx, s, msg); err != nil {
			t.log.WarnContext(dctx, "sse.dispatch.fail", slog.String("err", err.Error()))
		}
	})
	if !accepted {
		t.metrics.MessagePosted(metrics.PostUnknownSession)
		return ErrSessionClosed
	}
	t.metrics.MessagePosted(metrics.PostAccepted)
	return nil
}

// Send enqueues an already serialized server message on session id without
// waiting for it to be written.
func (t *Transport) Send(ctx context.Context, id string, msg []byte) error {
	s, ok := t.table.get(id)
	if !ok {
		return ErrUnknownSession
	}
	return s.WriteMessage(ctx, msg)
}

// Close ends the stream of session id. Open returns once the stream has
// drained its in-flight dispatches.
func (t *Transport) Close(id string) error {
	s, ok := t.table.get(id)
	if !ok {
		return ErrUnknownSession
	}
	s.close(ErrSessionClosed)
	return nil
}

// Lookup returns the open session with the given id.
func (t *Transport) Lookup(id string) (*Session, bool) {
	s, ok := t.table.get(id)
	if !ok || !s.isOpen() {
		return nil, false
	}
	return s, true
}

// Len reports the number of sessions in the table.
func (t *Transport) Len() int { return t.table.len() }

// Shutdown refuses new streams, closes every open session and waits for
// their streams to finish or ctx to end.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.openMu.Lock()
	t.closing.Store(true)
	t.openMu.Unlock()
	for _, s := range t.table.snapshot() {
		s.close(ErrShuttingDown)
	}

	done := make(chan struct{})
	go func() {
		t.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) writeError(ctx context.Context, s *Session, code jsonrpc.ErrorCode, detail string) error {
	b, err := json.Marshal(jsonrpc.NewErrorResponse(nil, code, errorMessage(code), detail))
	if err != nil {
		return fmt.Errorf("marshal error frame: %w", err)
	}
	return s.WriteMessage(ctx, b)
}

func errorMessage(code jsonrpc.ErrorCode) string {
	switch code {
	case jsonrpc.ErrorCodeParseError:
		return "Parse error"
	case jsonrpc.ErrorCodeInvalidRequest:
		return "Invalid Request"
	}
	return "Internal error"
}

// decodeMessage parses a single JSON-RPC message. On failure it reports the
// JSON-RPC error code the client should see.
func decodeMessage(body []byte) (*jsonrpc.AnyMessage, jsonrpc.ErrorCode, error) {
	if !json.Valid(body) {
		return nil, jsonrpc.ErrorCodeParseError, errors.New("invalid JSON")
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return nil, jsonrpc.ErrorCodeInvalidRequest, errors.New("batch messages are not supported")
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, jsonrpc.ErrorCodeInvalidRequest, err
	}
	return &msg, 0, nil
}
