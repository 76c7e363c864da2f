package ssetransport

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"
)

// EventWriter is the sink a session stream writes frames to. Implementations
// must write each frame atomically with respect to concurrent calls.
type EventWriter interface {
	WriteEvent(event string, data []byte) error
	WriteComment(text string) error
}

// appendEvent serializes one SSE event. Every line of data becomes its own
// data field so payloads containing newlines survive framing.
func appendEvent(buf []byte, event string, data []byte) []byte {
	if event != "" {
		buf = append(buf, "event: "...)
		buf = append(buf, event...)
		buf = append(buf, '\n')
	}
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf = append(buf, "data: "...)
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return append(buf, '\n')
}

func appendComment(buf []byte, text string) []byte {
	buf = append(buf, ": "...)
	buf = append(buf, text...)
	return append(buf, "\n\n"...)
}

// httpEventWriter writes frames to an http.ResponseWriter, flushing after
// each one. A frame is built in full before the lock is taken so concurrent
// writers (the queue drain and the keep-alive ticker) never interleave bytes.
type httpEventWriter struct {
	mu  sync.Mutex
	ctx context.Context
	w   http.ResponseWriter
	rc  *http.ResponseController
}

func newHTTPEventWriter(ctx context.Context, w http.ResponseWriter) *httpEventWriter {
	rc := http.NewResponseController(w)
	// Streams outlive any server-wide write timeout.
	_ = rc.SetWriteDeadline(time.Time{})
	return &httpEventWriter{ctx: ctx, w: w, rc: rc}
}

func (h *httpEventWriter) WriteEvent(event string, data []byte) error {
	return h.write(appendEvent(nil, event, data))
}

func (h *httpEventWriter) WriteComment(text string) error {
	return h.write(appendComment(nil, text))
}

func (h *httpEventWriter) flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rc.Flush()
}

func (h *httpEventWriter) write(frame []byte) error {
	if err := h.ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if err := h.ctx.Err(); err != nil {
		return err
	}
	if _, err := h.w.Write(frame); err != nil {
		return err
	}
	return h.rc.Flush()
}
