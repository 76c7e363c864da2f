package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})

	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "r1", Method: "POST", Path: "/messages"})
	ctx = WithSessionData(ctx, &SessionData{SessionID: "s1"})
	ctx = WithRPCMessage(ctx, &RPCMessage{Method: "tools/call", ID: "7", Type: "request"})
	ctx = WithToolCallData(ctx, &ToolCallData{ToolName: "echo"})

	log.With(slog.String("component", "test")).InfoContext(ctx, "tool.call")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}

	group := func(name string) map[string]any {
		g, ok := rec[name].(map[string]any)
		if !ok {
			t.Fatalf("expected %q group in %v", name, rec)
		}
		return g
	}

	if want, got := "r1", group("req")["id"]; want != got {
		t.Fatalf("expected req.id %q, got %v", want, got)
	}
	if want, got := "s1", group("sess")["id"]; want != got {
		t.Fatalf("expected sess.id %q, got %v", want, got)
	}
	if want, got := "tools/call", group("rpc")["method"]; want != got {
		t.Fatalf("expected rpc.method %q, got %v", want, got)
	}
	if want, got := "echo", group("tool")["name"]; want != got {
		t.Fatalf("expected tool.name %q, got %v", want, got)
	}
	if want, got := "test", rec["component"]; want != got {
		t.Fatalf("expected component %q, got %v", want, got)
	}
}

func TestHandlerWithoutContextData(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})
	log.InfoContext(context.Background(), "plain")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for _, k := range []string{"req", "sess", "rpc", "tool"} {
		if _, ok := rec[k]; ok {
			t.Fatalf("unexpected %q group in %v", k, rec)
		}
	}
}
