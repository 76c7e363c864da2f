package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-sse-server-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-server-go/mcp"
)

// Call is the closed set of inbound message kinds the engine understands.
// Classify produces exactly one variant per message.
type Call interface {
	call()
}

// InitializeCall is an initialize request.
type InitializeCall struct {
	ID     *jsonrpc.RequestID
	Params mcp.InitializeRequest
}

// ListToolsCall is a tools/list request.
type ListToolsCall struct {
	ID *jsonrpc.RequestID
}

// CallToolCall is a tools/call request.
type CallToolCall struct {
	ID     *jsonrpc.RequestID
	Params mcp.CallToolRequestReceived
}

// PingCall is a ping request.
type PingCall struct {
	ID *jsonrpc.RequestID
}

// CancelCall is a notifications/cancelled notification naming an in-flight
// request of the same session.
type CancelCall struct {
	RequestID *jsonrpc.RequestID
	Reason    string
}

// NotificationCall is any other notification. It is never answered.
type NotificationCall struct {
	Method string
}

// ClientResponse is a response sent by the client. The server never issues
// requests, so these are logged and dropped.
type ClientResponse struct {
	ID    *jsonrpc.RequestID
	Error *jsonrpc.Error
}

// UnknownMethodCall is a request for a method the server does not implement.
type UnknownMethodCall struct {
	ID     *jsonrpc.RequestID
	Method string
}

// InvalidParamsCall is a request for a known method whose params could not
// be decoded.
type InvalidParamsCall struct {
	ID     *jsonrpc.RequestID
	Method string
	Err    error
}

func (InitializeCall) call()    {}
func (ListToolsCall) call()     {}
func (CallToolCall) call()      {}
func (PingCall) call()          {}
func (CancelCall) call()        {}
func (NotificationCall) call()  {}
func (ClientResponse) call()    {}
func (UnknownMethodCall) call() {}
func (InvalidParamsCall) call() {}

var errMissingToolName = errors.New("missing tool name")

// Classify maps a validated JSON-RPC message onto its Call variant.
func Classify(msg *jsonrpc.AnyMessage) Call {
	switch msg.Type() {
	case "response":
		return ClientResponse{ID: msg.ID, Error: msg.Error}
	case "notification":
		if msg.Method == string(mcp.CancelledNotificationMethod) {
			var p mcp.CancelledNotification
			if err := json.Unmarshal(msg.Params, &p); err == nil {
				if id := parseRequestID(p.RequestID); id != nil {
					return CancelCall{RequestID: id, Reason: p.Reason}
				}
			}
		}
		return NotificationCall{Method: msg.Method}
	}

	switch mcp.Method(msg.Method) {
	case mcp.InitializeMethod:
		var p mcp.InitializeRequest
		if err := decodeParams(msg.Params, &p); err != nil {
			return InvalidParamsCall{ID: msg.ID, Method: msg.Method, Err: err}
		}
		return InitializeCall{ID: msg.ID, Params: p}

	case mcp.ToolsListMethod:
		return ListToolsCall{ID: msg.ID}

	case mcp.ToolsCallMethod:
		var p mcp.CallToolRequestReceived
		if len(msg.Params) == 0 {
			return InvalidParamsCall{ID: msg.ID, Method: msg.Method, Err: errMissingToolName}
		}
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return InvalidParamsCall{ID: msg.ID, Method: msg.Method, Err: err}
		}
		if p.Name == "" {
			return InvalidParamsCall{ID: msg.ID, Method: msg.Method, Err: errMissingToolName}
		}
		return CallToolCall{ID: msg.ID, Params: p}

	case mcp.PingMethod:
		return PingCall{ID: msg.ID}
	}

	return UnknownMethodCall{ID: msg.ID, Method: msg.Method}
}

func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

// parseRequestID decodes the id named by a cancellation. It returns nil when
// the id is absent or is neither a string nor a number.
func parseRequestID(raw json.RawMessage) *jsonrpc.RequestID {
	if len(raw) == 0 {
		return nil
	}
	var id jsonrpc.RequestID
	if err := json.Unmarshal(raw, &id); err != nil || id.Key() == "" {
		return nil
	}
	return &id
}
