package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ggoodman/mcp-sse-server-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-server-go/internal/logctx"
	"github.com/ggoodman/mcp-sse-server-go/mcp"
	"github.com/ggoodman/mcp-sse-server-go/mcpservice"
	"github.com/ggoodman/mcp-sse-server-go/sessions"
)

var (
	// ErrCancelled is the cancellation cause recorded when a client cancels
	// an in-flight request.
	ErrCancelled = errors.New("operation cancelled")
)

// Engine interprets inbound JSON-RPC messages for a session and writes the
// replies back through the session. It holds no per-session state besides the
// cancel functions of in-flight tool calls.
type Engine struct {
	tools        *mcpservice.ToolRegistry
	log          *slog.Logger
	info         mcp.ImplementationInfo
	instructions string

	// tool call tracking
	toolCtxMu      sync.Mutex
	toolCtxCancels map[inflightKey]context.CancelCauseFunc
}

type inflightKey struct {
	sessionID string
	requestID string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithServerInfo sets the implementation info reported by initialize.
func WithServerInfo(info mcp.ImplementationInfo) EngineOption {
	return func(e *Engine) { e.info = info }
}

// WithInstructions sets the optional instructions string returned by initialize.
func WithInstructions(s string) EngineOption {
	return func(e *Engine) { e.instructions = s }
}

func NewEngine(tools *mcpservice.ToolRegistry, opts ...EngineOption) *Engine {
	e := &Engine{
		tools:          tools,
		log:            slog.Default(),
		info:           mcp.ImplementationInfo{Name: "mcp-sse-server", Version: "0.0.0"},
		toolCtxCancels: make(map[inflightKey]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Dispatch handles one inbound message and, when the message calls for a
// reply, writes exactly one response through sess. The returned error is
// non-nil only when the reply could not be written.
func (e *Engine) Dispatch(ctx context.Context, sess sessions.Session, msg *jsonrpc.AnyMessage) error {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	res := e.handle(ctx, sess, msg)
	if res == nil {
		return nil
	}
	return e.writeResponse(ctx, sess, res)
}

// handle produces the reply for msg, or nil when none is owed. Panics in any
// handler are converted into an internal error reply.
func (e *Engine) handle(ctx context.Context, sess sessions.Session, msg *jsonrpc.AnyMessage) (res *jsonrpc.Response) {
	defer func() {
		if p := recover(); p != nil {
			e.log.ErrorContext(ctx, "engine.handle_request.panic", slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
			if msg.Type() == "request" {
				res = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "Internal error", nil)
			} else {
				res = nil
			}
		}
	}()

	switch c := Classify(msg).(type) {
	case InitializeCall:
		return e.handleInitialize(ctx, c)
	case ListToolsCall:
		return e.handleToolsList(ctx, c)
	case CallToolCall:
		return e.handleToolCall(ctx, sess, c)
	case PingCall:
		return e.result(ctx, c.ID, mcp.EmptyResult{})
	case CancelCall:
		had := e.cancelInFlightRequest(sess.SessionID(), c.RequestID.Key(), c.Reason)
		e.log.InfoContext(ctx, "engine.handle_notification.cancelled", slog.String("request_id", c.RequestID.String()), slog.Bool("in_flight", had))
		return nil
	case NotificationCall:
		if c.Method == string(mcp.InitializedNotificationMethod) {
			e.log.InfoContext(ctx, "engine.session.initialized")
		} else {
			e.log.DebugContext(ctx, "engine.handle_notification.ignored")
		}
		return nil
	case ClientResponse:
		e.log.DebugContext(ctx, "engine.handle_response.ignored", slog.Bool("is_error", c.Error != nil))
		return nil
	case UnknownMethodCall:
		e.log.InfoContext(ctx, "engine.handle_request.unknown_method")
		return jsonrpc.NewErrorResponse(c.ID, jsonrpc.ErrorCodeMethodNotFound, "Method not found", nil)
	case InvalidParamsCall:
		e.log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", c.Err.Error()))
		return jsonrpc.NewErrorResponse(c.ID, jsonrpc.ErrorCodeInvalidParams, "Invalid params", nil)
	}

	// Unreachable as long as Classify covers every variant.
	return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "Internal error", nil)
}

func (e *Engine) handleInitialize(ctx context.Context, c InitializeCall) *jsonrpc.Response {
	start := time.Now()

	version := c.Params.ProtocolVersion
	if !mcp.IsSupportedProtocolVersion(version) {
		version = mcp.LatestProtocolVersion
	}

	initRes := &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Tools: &mcp.ToolsCapability{ListChanged: false},
		},
		ServerInfo:   e.info,
		Instructions: e.instructions,
	}

	e.log.InfoContext(ctx, "engine.handle_request.ok",
		slog.String("client", c.Params.ClientInfo.Name),
		slog.String("requested_version", c.Params.ProtocolVersion),
		slog.String("protocol_version", version),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
	return e.result(ctx, c.ID, initRes)
}

func (e *Engine) handleToolsList(ctx context.Context, c ListToolsCall) *jsonrpc.Response {
	start := time.Now()
	tools := e.tools.List()
	e.log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("tool_count", len(tools)))
	return e.result(ctx, c.ID, &mcp.ListToolsResult{Tools: tools})
}

func (e *Engine) handleToolCall(ctx context.Context, sess sessions.Session, c CallToolCall) *jsonrpc.Response {
	start := time.Now()
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: c.Params.Name})

	key := inflightKey{sessionID: sess.SessionID(), requestID: c.ID.Key()}
	toolCtx, toolCancel := context.WithCancelCause(ctx)
	defer toolCancel(context.Canceled)

	e.toolCtxMu.Lock()
	if _, exists := e.toolCtxCancels[key]; exists {
		e.toolCtxMu.Unlock()
		e.log.WarnContext(ctx, "engine.handle_request.fail", slog.String("err", "duplicate request ID"))
		return jsonrpc.NewErrorResponse(c.ID, jsonrpc.ErrorCodeInvalidRequest, "Duplicate request id", nil)
	}
	e.toolCtxCancels[key] = toolCancel
	e.toolCtxMu.Unlock()

	defer func() {
		e.toolCtxMu.Lock()
		delete(e.toolCtxCancels, key)
		e.toolCtxMu.Unlock()
	}()

	res, err := e.tools.Call(toolCtx, c.Params.Name, c.Params.Arguments)
	if err != nil {
		// A cancelled request is never answered.
		e.log.InfoContext(ctx, "engine.handle_request.cancelled", slog.String("cause", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return nil
	}

	e.log.InfoContext(ctx, "engine.handle_request.ok", slog.Bool("is_error", res.IsError), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return e.result(ctx, c.ID, res)
}

func (e *Engine) result(ctx context.Context, id *jsonrpc.RequestID, v any) *jsonrpc.Response {
	res, err := jsonrpc.NewResultResponse(id, v)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "Internal error", nil)
	}
	return res
}

func (e *Engine) writeResponse(ctx context.Context, sess sessions.Session, res *jsonrpc.Response) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	if err := sess.WriteMessage(ctx, b); err != nil {
		e.log.WarnContext(ctx, "engine.write_response.fail", slog.String("err", err.Error()))
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

// cancelInFlightRequest cancels the tool call whose request id has the given
// key in the given session and reports whether one was running.
func (e *Engine) cancelInFlightRequest(sessionID, reqKey, reason string) bool {
	if reqKey == "" {
		return false
	}

	e.toolCtxMu.Lock()
	cancel, exists := e.toolCtxCancels[inflightKey{sessionID: sessionID, requestID: reqKey}]
	e.toolCtxMu.Unlock()

	if exists && cancel != nil {
		cause := ErrCancelled
		if reason != "" {
			cause = fmt.Errorf("%w: %s", ErrCancelled, reason)
		}
		cancel(cause)
	}
	return exists && cancel != nil
}

// InFlight reports the number of tool calls currently running.
func (e *Engine) InFlight() int {
	e.toolCtxMu.Lock()
	defer e.toolCtxMu.Unlock()
	return len(e.toolCtxCancels)
}
