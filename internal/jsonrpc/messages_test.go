package jsonrpc

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestAnyMessageClassification(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, "request"},
		{"string id request", `{"jsonrpc":"2.0","id":"abc","method":"tools/list"}`, "request"},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, "notification"},
		{"result response", `{"jsonrpc":"2.0","id":7,"result":{}}`, "response"},
		{"error response", `{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"nope"}}`, "response"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var msg AnyMessage
			if err := json.Unmarshal([]byte(tc.in), &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if want, got := tc.want, msg.Type(); want != got {
				t.Fatalf("expected type %q, got %q", want, got)
			}
		})
	}
}

func TestAnyMessageRejectsInvalidEnvelopes(t *testing.T) {
	cases := map[string]string{
		"wrong version":       `{"jsonrpc":"1.0","id":1,"method":"ping"}`,
		"missing version":     `{"id":1,"method":"ping"}`,
		"request with result": `{"jsonrpc":"2.0","id":1,"method":"ping","result":{}}`,
		"empty response":      `{"jsonrpc":"2.0","id":1}`,
		"result and error":    `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`,
		"object id":           `{"jsonrpc":"2.0","id":{"a":1},"method":"ping"}`,
	}

	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			var msg AnyMessage
			if err := json.Unmarshal([]byte(in), &msg); err == nil {
				t.Fatalf("expected error for %s", in)
			}
		})
	}
}

func TestErrorResponseWithoutIDMarshalsNull(t *testing.T) {
	resp := NewErrorResponse(nil, ErrorCodeParseError, "Parse error", nil)
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"id":null`) {
		t.Fatalf("expected null id, got %s", b)
	}

	resp = NewErrorResponse(NewRequestID(nil), ErrorCodeParseError, "Parse error", nil)
	b, err = json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"id":null`) {
		t.Fatalf("expected null id for empty RequestID, got %s", b)
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	var msg AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":42,"method":"ping"}`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	resp, err := NewResultResponse(msg.ID, struct{}{})
	if err != nil {
		t.Fatalf("result response: %v", err)
	}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want, got := `{"jsonrpc":"2.0","result":{},"id":42}`, string(b); want != got {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if want, got := "42", msg.ID.String(); want != got {
		t.Fatalf("expected id string %q, got %q", want, got)
	}
}

func TestRequestIDKeyDistinguishesStringsFromNumbers(t *testing.T) {
	parse := func(raw string) *RequestID {
		t.Helper()
		var id RequestID
		if err := json.Unmarshal([]byte(raw), &id); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		return &id
	}

	if parse(`1`).Key() == parse(`"1"`).Key() {
		t.Fatal("numeric and string ids share a key")
	}
	if want, got := parse(`1`).String(), parse(`"1"`).String(); want != got {
		t.Fatalf("expected matching display strings, got %q and %q", want, got)
	}
	if want, got := NewRequestID(1).Key(), parse(`1`).Key(); want != got {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if want, got := NewRequestID(uint8(7)).Key(), NewRequestID(int64(7)).Key(); want != got {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if want, got := "n:1.5", parse(`1.5`).Key(); want != got {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if want, got := "", (*RequestID)(nil).Key(); want != got {
		t.Fatalf("expected empty key for nil id, got %q", got)
	}
}
