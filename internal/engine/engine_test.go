package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-server-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-server-go/mcp"
	"github.com/ggoodman/mcp-sse-server-go/mcpservice"
)

type recordingSession struct {
	id string

	mu   sync.Mutex
	msgs [][]byte
	err  error

	panicOnID bool
}

func (s *recordingSession) SessionID() string {
	if s.panicOnID {
		panic("session id unavailable")
	}
	return s.id
}

func (s *recordingSession) WriteMessage(ctx context.Context, msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, append([]byte(nil), msg...))
	return nil
}

func (s *recordingSession) responses(t *testing.T) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.msgs))
	for _, b := range s.msgs {
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			t.Fatalf("unmarshal response %s: %v", b, err)
		}
		out = append(out, m)
	}
	return out
}

func mustMessage(t *testing.T, raw string) *jsonrpc.AnyMessage {
	t.Helper()
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	return &msg
}

func newTestEngine(t *testing.T, tools ...mcpservice.StaticTool) *Engine {
	t.Helper()
	reg := mcpservice.NewToolRegistry()
	reg.MustRegister(tools...)
	return NewEngine(reg, WithServerInfo(mcp.ImplementationInfo{Name: "test-server", Version: "9.9.9"}))
}

func echoTool() mcpservice.StaticTool {
	type args struct {
		Text string `json:"text"`
	}
	return mcpservice.TypedTool(mcp.Tool{Name: "echo", Description: "echo", InputSchema: mcp.ToolInputSchema{Type: "object"}},
		func(ctx context.Context, a args) (*mcp.CallToolResult, error) {
			return mcpservice.TextResult("Echo: " + a.Text), nil
		})
}

func dispatchOne(t *testing.T, e *Engine, raw string) map[string]any {
	t.Helper()
	sess := &recordingSession{id: "s1"}
	if err := e.Dispatch(context.Background(), sess, mustMessage(t, raw)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	res := sess.responses(t)
	if want, got := 1, len(res); want != got {
		t.Fatalf("expected %d response, got %d", want, got)
	}
	return res[0]
}

func errorCode(t *testing.T, res map[string]any) float64 {
	t.Helper()
	errObj, ok := res["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error response, got %v", res)
	}
	return errObj["code"].(float64)
}

func TestInitialize(t *testing.T) {
	e := newTestEngine(t, echoTool())

	t.Run("echoes supported version", func(t *testing.T) {
		res := dispatchOne(t, e, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`)
		result := res["result"].(map[string]any)
		if want, got := "2024-11-05", result["protocolVersion"]; want != got {
			t.Fatalf("expected version %q, got %v", want, got)
		}
		info := result["serverInfo"].(map[string]any)
		if want, got := "test-server", info["name"]; want != got {
			t.Fatalf("expected server name %q, got %v", want, got)
		}
		tools := result["capabilities"].(map[string]any)["tools"].(map[string]any)
		if want, got := false, tools["listChanged"]; want != got {
			t.Fatalf("expected listChanged %v, got %v", want, got)
		}
		if want, got := float64(1), res["id"]; want != got {
			t.Fatalf("expected id %v, got %v", want, got)
		}
	})

	t.Run("falls back to latest", func(t *testing.T) {
		res := dispatchOne(t, e, `{"jsonrpc":"2.0","id":"init","method":"initialize","params":{"protocolVersion":"1999-01-01","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`)
		if want, got := mcp.LatestProtocolVersion, res["result"].(map[string]any)["protocolVersion"]; want != got {
			t.Fatalf("expected version %q, got %v", want, got)
		}
		if want, got := "init", res["id"]; want != got {
			t.Fatalf("expected id %v, got %v", want, got)
		}
	})

	t.Run("repeatable", func(t *testing.T) {
		raw := `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`
		first := dispatchOne(t, e, raw)
		second := dispatchOne(t, e, raw)
		if _, ok := first["result"]; !ok {
			t.Fatalf("expected result, got %v", first)
		}
		if _, ok := second["result"]; !ok {
			t.Fatalf("expected result on repeat, got %v", second)
		}
	})

	t.Run("invalid params", func(t *testing.T) {
		res := dispatchOne(t, e, `{"jsonrpc":"2.0","id":3,"method":"initialize","params":{"protocolVersion":42}}`)
		if want, got := float64(jsonrpc.ErrorCodeInvalidParams), errorCode(t, res); want != got {
			t.Fatalf("expected code %v, got %v", want, got)
		}
	})
}

func TestToolsListAndCall(t *testing.T) {
	e := newTestEngine(t, echoTool())

	res := dispatchOne(t, e, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	tools := res["result"].(map[string]any)["tools"].([]any)
	if want, got := 1, len(tools); want != got {
		t.Fatalf("expected %d tool, got %d", want, got)
	}
	if want, got := "echo", tools[0].(map[string]any)["name"]; want != got {
		t.Fatalf("expected tool %q, got %v", want, got)
	}

	res = dispatchOne(t, e, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hello"}}}`)
	content := res["result"].(map[string]any)["content"].([]any)
	block := content[0].(map[string]any)
	if want, got := "text", block["type"]; want != got {
		t.Fatalf("expected type %q, got %v", want, got)
	}
	if want, got := "Echo: hello", block["text"]; want != got {
		t.Fatalf("expected text %q, got %v", want, got)
	}

	res = dispatchOne(t, e, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"missing","arguments":{}}}`)
	result := res["result"].(map[string]any)
	if want, got := "Unknown tool: missing", result["content"].([]any)[0].(map[string]any)["text"]; want != got {
		t.Fatalf("expected text %q, got %v", want, got)
	}
	if _, ok := result["isError"]; ok {
		t.Fatalf("unknown tool must not set isError: %v", result)
	}
}

func TestErrorResponses(t *testing.T) {
	e := newTestEngine(t, echoTool())

	cases := []struct {
		name string
		raw  string
		code jsonrpc.ErrorCode
	}{
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, jsonrpc.ErrorCodeMethodNotFound},
		{"tools/call without params", `{"jsonrpc":"2.0","id":2,"method":"tools/call"}`, jsonrpc.ErrorCodeInvalidParams},
		{"tools/call without name", `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"arguments":{}}}`, jsonrpc.ErrorCodeInvalidParams},
		{"tools/call bad params", `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":[1,2]}`, jsonrpc.ErrorCodeInvalidParams},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := dispatchOne(t, e, tc.raw)
			if want, got := float64(tc.code), errorCode(t, res); want != got {
				t.Fatalf("expected code %v, got %v", want, got)
			}
		})
	}
}

func TestPing(t *testing.T) {
	e := newTestEngine(t)
	res := dispatchOne(t, e, `{"jsonrpc":"2.0","id":"p","method":"ping"}`)
	if _, ok := res["result"].(map[string]any); !ok {
		t.Fatalf("expected empty result, got %v", res)
	}
}

func TestNotificationsAndResponsesAreNotAnswered(t *testing.T) {
	e := newTestEngine(t, echoTool())
	sess := &recordingSession{id: "s1"}

	for _, raw := range []string{
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","method":"notifications/unknown"}`,
		`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":99}}`,
		`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"echo"}}`,
		`{"jsonrpc":"2.0","id":5,"result":{}}`,
	} {
		if err := e.Dispatch(context.Background(), sess, mustMessage(t, raw)); err != nil {
			t.Fatalf("dispatch %s: %v", raw, err)
		}
	}
	if want, got := 0, len(sess.responses(t)); want != got {
		t.Fatalf("expected %d responses, got %d", want, got)
	}
}

func TestPanicBecomesInternalError(t *testing.T) {
	e := newTestEngine(t, echoTool())
	sess := &recordingSession{id: "s1", panicOnID: true}

	msg := mustMessage(t, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"echo"}}`)
	if err := e.Dispatch(context.Background(), sess, msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	res := sess.responses(t)
	if want, got := 1, len(res); want != got {
		t.Fatalf("expected %d response, got %d", want, got)
	}
	if want, got := float64(jsonrpc.ErrorCodeInternalError), errorCode(t, res[0]); want != got {
		t.Fatalf("expected code %v, got %v", want, got)
	}

	// The engine keeps working afterwards.
	sess.panicOnID = false
	if err := e.Dispatch(context.Background(), sess, msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if want, got := 2, len(sess.responses(t)); want != got {
		t.Fatalf("expected %d responses, got %d", want, got)
	}
}

func TestWriteFailureIsReturned(t *testing.T) {
	e := newTestEngine(t)
	boom := errors.New("closed")
	sess := &recordingSession{id: "s1", err: boom}
	err := e.Dispatch(context.Background(), sess, mustMessage(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if !errors.Is(err, boom) {
		t.Fatalf("expected write error, got %v", err)
	}
}

func TestCancelInFlightToolCall(t *testing.T) {
	started := make(chan struct{})
	blocking := mcpservice.TypedTool(mcp.Tool{Name: "block"}, func(ctx context.Context, _ struct{}) (*mcp.CallToolResult, error) {
		close(started)
		<-ctx.Done()
		return nil, context.Cause(ctx)
	})
	e := newTestEngine(t, blocking)
	sess := &recordingSession{id: "s1"}

	done := make(chan error, 1)
	go func() {
		done <- e.Dispatch(context.Background(), sess, mustMessage(t, `{"jsonrpc":"2.0","id":"call-1","method":"tools/call","params":{"name":"block"}}`))
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("tool did not start")
	}
	if want, got := 1, e.InFlight(); want != got {
		t.Fatalf("expected %d in-flight call, got %d", want, got)
	}

	// A cancellation from another session must not affect this call.
	other := &recordingSession{id: "s2"}
	if err := e.Dispatch(context.Background(), other, mustMessage(t, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"call-1"}}`)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	select {
	case <-done:
		t.Fatal("call cancelled by a different session")
	case <-time.After(50 * time.Millisecond):
	}

	if err := e.Dispatch(context.Background(), sess, mustMessage(t, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"call-1","reason":"user"}}`)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call was not cancelled")
	}

	if want, got := 0, len(sess.responses(t)); want != got {
		t.Fatalf("expected no response for cancelled call, got %d", got)
	}
	if want, got := 0, e.InFlight(); want != got {
		t.Fatalf("expected %d in-flight calls, got %d", want, got)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		raw  string
		want Call
	}{
		{`{"jsonrpc":"2.0","id":1,"method":"ping"}`, PingCall{}},
		{`{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{"cursor":"x"}}`, ListToolsCall{}},
		{`{"jsonrpc":"2.0","id":1,"method":"initialize"}`, InitializeCall{}},
		{`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"x"}}`, CallToolCall{}},
		{`{"jsonrpc":"2.0","id":1,"method":"nope"}`, UnknownMethodCall{}},
		{`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":3}}`, CancelCall{}},
		{`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{}}`, NotificationCall{}},
		{`{"jsonrpc":"2.0","id":1,"error":{"code":1,"message":"x"}}`, ClientResponse{}},
	}
	for _, tc := range cases {
		got := Classify(mustMessage(t, tc.raw))
		if want, gotT := typeName(tc.want), typeName(got); want != gotT {
			t.Fatalf("%s: expected %s, got %s", tc.raw, want, gotT)
		}
	}

	c := Classify(mustMessage(t, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":3}}`)).(CancelCall)
	if want, got := "3", c.RequestID.String(); want != got {
		t.Fatalf("expected request id %q, got %q", want, got)
	}
}

func typeName(c Call) string {
	switch c.(type) {
	case InitializeCall:
		return "InitializeCall"
	case ListToolsCall:
		return "ListToolsCall"
	case CallToolCall:
		return "CallToolCall"
	case PingCall:
		return "PingCall"
	case CancelCall:
		return "CancelCall"
	case NotificationCall:
		return "NotificationCall"
	case ClientResponse:
		return "ClientResponse"
	case UnknownMethodCall:
		return "UnknownMethodCall"
	case InvalidParamsCall:
		return "InvalidParamsCall"
	}
	return "unknown"
}

func TestStringAndNumericIDsDoNotCollide(t *testing.T) {
	started := make(chan struct{})
	blocking := mcpservice.TypedTool(mcp.Tool{Name: "block"}, func(ctx context.Context, _ struct{}) (*mcp.CallToolResult, error) {
		close(started)
		<-ctx.Done()
		return nil, context.Cause(ctx)
	})
	e := newTestEngine(t, blocking, echoTool())
	sess := &recordingSession{id: "s1"}

	done := make(chan error, 1)
	go func() {
		done <- e.Dispatch(context.Background(), sess, mustMessage(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"block"}}`))
	}()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("tool did not start")
	}

	if err := e.Dispatch(context.Background(), sess, mustMessage(t, `{"jsonrpc":"2.0","id":"1","method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	res := sess.responses(t)
	if want, got := 1, len(res); want != got {
		t.Fatalf("expected %d response, got %d", want, got)
	}
	if _, isErr := res[0]["error"]; isErr {
		t.Fatalf("expected a result for string id, got %v", res[0])
	}
	if want, got := "1", res[0]["id"]; want != got {
		t.Fatalf("expected id %q, got %v", want, got)
	}

	if err := e.Dispatch(context.Background(), sess, mustMessage(t, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"1"}}`)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	select {
	case <-done:
		t.Fatal("numeric call cancelled by a string id")
	case <-time.After(50 * time.Millisecond):
	}

	if err := e.Dispatch(context.Background(), sess, mustMessage(t, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":1}}`)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call was not cancelled")
	}
	if want, got := 0, e.InFlight(); want != got {
		t.Fatalf("expected %d in-flight calls, got %d", want, got)
	}
}
