package ssetransport

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// writeJSONError writes a small JSON error body for failures that happen
// before a stream is established.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// ServeStream handles the long-lived GET that opens a session.
func (t *Transport) ServeStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			t.log.WarnContext(ctx, "sse.accept.unsupported", slog.String("accept", acc))
			writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
			return
		}
	}
	if t.closing.Load() {
		writeJSONError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	ew := newHTTPEventWriter(ctx, w)

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := ew.flush(); err != nil {
		t.log.ErrorContext(ctx, "sse.flush.unsupported", slog.String("err", err.Error()))
		return
	}

	if err := t.Open(ctx, ew); err != nil {
		t.log.WarnContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
	}
}

// ServeMessage handles a client POST carrying one JSON-RPC message for the
// session named by the session_id query parameter.
func (t *Transport) ServeMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id := r.URL.Query().Get("session_id")
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if _, err := uuid.Parse(id); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid session_id")
		return
	}

	if r.Header.Get("Content-Type") != "" {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			t.log.WarnContext(ctx, "sse.content_type.unsupported")
			writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.maxMessageBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "message too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "could not read body")
		return
	}

	switch err := t.Post(ctx, id, body); {
	case err == nil:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, "Accepted")
	case errors.Is(err, ErrUnknownSession):
		writeJSONError(w, http.StatusNotFound, "Could not find session")
	case errors.Is(err, ErrMalformedMessage):
		writeJSONError(w, http.StatusBadRequest, "Could not parse message")
	default:
		t.log.ErrorContext(ctx, "sse.message.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}
