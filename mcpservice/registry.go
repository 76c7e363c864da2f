package mcpservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ggoodman/mcp-sse-server-go/internal/logctx"
	"github.com/ggoodman/mcp-sse-server-go/internal/metrics"
	"github.com/ggoodman/mcp-sse-server-go/internal/validation"
	"github.com/ggoodman/mcp-sse-server-go/mcp"
)

var (
	// ErrDuplicateTool is returned by Register when a tool with the same name
	// is already registered.
	ErrDuplicateTool = errors.New("duplicate tool name")
	// ErrInvalidTool is returned by Register for a tool without a name or handler.
	ErrInvalidTool = errors.New("invalid tool definition")
)

// DefaultToolTimeout bounds a single tool invocation unless overridden with
// WithToolTimeout.
const DefaultToolTimeout = 30 * time.Second

// ToolRegistry owns the fixed set of tools advertised to every session.
// Names are matched exactly and case-sensitively.
type ToolRegistry struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu       sync.RWMutex
	tools    []mcp.Tool             // descriptors for listing, registration order
	handlers map[string]ToolHandler // name -> handler
}

// RegistryOption configures a ToolRegistry.
type RegistryOption func(*ToolRegistry)

// WithToolTimeout bounds each invocation. A non-positive value disables the bound.
func WithToolTimeout(d time.Duration) RegistryOption {
	return func(r *ToolRegistry) { r.timeout = d }
}

// WithRegistryLogger sets the logger used for tool call diagnostics.
func WithRegistryLogger(log *slog.Logger) RegistryOption {
	return func(r *ToolRegistry) { r.log = log }
}

// WithRegistryMetrics records invocation counts and latency on m.
func WithRegistryMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *ToolRegistry) { r.metrics = m }
}

// NewToolRegistry constructs an empty registry.
func NewToolRegistry(opts ...RegistryOption) *ToolRegistry {
	r := &ToolRegistry{
		log:      slog.Default(),
		timeout:  DefaultToolTimeout,
		handlers: make(map[string]ToolHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds def to the registry after validating its input schema.
func (r *ToolRegistry) Register(def StaticTool) error {
	name := def.Descriptor.Name
	if name == "" || def.Handler == nil {
		return fmt.Errorf("%w: %q", ErrInvalidTool, name)
	}
	if err := validation.ToolInputSchema(&def.Descriptor.InputSchema); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidTool, name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, name)
	}
	r.tools = append(r.tools, def.Descriptor)
	r.handlers[name] = def.Handler
	return nil
}

// MustRegister is Register for startup code; it panics on error.
func (r *ToolRegistry) MustRegister(defs ...StaticTool) {
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

// List returns a copy of the registered tool descriptors in registration order.
func (r *ToolRegistry) List() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.Tool, len(r.tools))
	copy(out, r.tools)
	return out
}

// Invoke runs the named tool and returns its content blocks. It never fails:
// unknown names yield a single "Unknown tool" text block, and handler errors,
// panics and timeouts are rendered as text.
func (r *ToolRegistry) Invoke(ctx context.Context, name string, args []byte) []mcp.ContentBlock {
	res, err := r.Call(ctx, name, args)
	if err != nil {
		return []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: fmt.Sprintf("Error executing tool %s: %v", name, err)}}
	}
	return res.Content
}

// Call runs the named tool. The returned error is non-nil only when ctx ends
// before the handler completes; every other failure is folded into a result
// with IsError set.
func (r *ToolRegistry) Call(ctx context.Context, name string, args []byte) (*mcp.CallToolResult, error) {
	r.mu.RLock()
	h := r.handlers[name]
	r.mu.RUnlock()

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: name})

	if h == nil {
		r.log.WarnContext(ctx, "tool.call.unknown")
		r.metrics.ToolCalled(name, metrics.ToolUnknown, 0)
		return TextResult("Unknown tool: " + name), nil
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.timeout > 0 {
		callCtx, cancel = context.WithTimeoutCause(ctx, r.timeout, errToolTimeout)
	}
	defer cancel()

	type outcome struct {
		res *mcp.CallToolResult
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.log.ErrorContext(ctx, "tool.call.panic", slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		res, err := h(callCtx, &mcp.CallToolRequestReceived{Name: name, Arguments: args})
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		dur := time.Since(start)
		if o.err != nil {
			if ctx.Err() != nil {
				r.metrics.ToolCalled(name, metrics.ToolCancelled, dur)
				return nil, context.Cause(ctx)
			}
			if errors.Is(context.Cause(callCtx), errToolTimeout) {
				r.metrics.ToolCalled(name, metrics.ToolTimeout, dur)
				return Errorf("Error executing tool %s: timed out after %s", name, r.timeout), nil
			}
			r.log.WarnContext(ctx, "tool.call.fail", slog.String("err", o.err.Error()), slog.Duration("dur", dur))
			r.metrics.ToolCalled(name, metrics.ToolError, dur)
			return Errorf("Error executing tool %s: %v", name, o.err), nil
		}
		if o.res == nil {
			o.res = &mcp.CallToolResult{}
		}
		if o.res.Content == nil {
			o.res.Content = []mcp.ContentBlock{}
		}
		outcomeLabel := metrics.ToolOK
		if o.res.IsError {
			outcomeLabel = metrics.ToolError
		}
		r.metrics.ToolCalled(name, outcomeLabel, dur)
		r.log.DebugContext(ctx, "tool.call.ok", slog.Duration("dur", dur))
		return o.res, nil

	case <-callCtx.Done():
		dur := time.Since(start)
		if ctx.Err() != nil {
			r.metrics.ToolCalled(name, metrics.ToolCancelled, dur)
			return nil, context.Cause(ctx)
		}
		r.log.WarnContext(ctx, "tool.call.timeout", slog.Duration("timeout", r.timeout))
		r.metrics.ToolCalled(name, metrics.ToolTimeout, dur)
		return Errorf("Error executing tool %s: timed out after %s", name, r.timeout), nil
	}
}

var errToolTimeout = errors.New("tool call timed out")
