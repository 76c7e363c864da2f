package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hashicorp/go-multierror"

	"github.com/ggoodman/mcp-sse-server-go/internal/engine"
	"github.com/ggoodman/mcp-sse-server-go/internal/logctx"
	"github.com/ggoodman/mcp-sse-server-go/internal/metrics"
	"github.com/ggoodman/mcp-sse-server-go/mcp"
	"github.com/ggoodman/mcp-sse-server-go/mcpservice"
	"github.com/ggoodman/mcp-sse-server-go/sessions"
	"github.com/ggoodman/mcp-sse-server-go/sessions/memoryhost"
	"github.com/ggoodman/mcp-sse-server-go/sessions/redishost"
	"github.com/ggoodman/mcp-sse-server-go/ssetransport"
)

// Server is the assembled MCP server.
type Server struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	host      sessions.SessionHost
	tools     *mcpservice.ToolRegistry
	engine    *engine.Engine
	transport *ssetransport.Transport

	router  chi.Router
	httpSrv *http.Server
}

// Option configures a Server.
type Option func(*options)

type options struct {
	log   *slog.Logger
	host  sessions.SessionHost
	tools []mcpservice.StaticTool
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithSessionHost overrides the session queue backend chosen from Config.
// The server takes ownership and closes it on shutdown.
func WithSessionHost(h sessions.SessionHost) Option {
	return func(o *options) { o.host = h }
}

// WithTools registers tools in the order given.
func WithTools(tools ...mcpservice.StaticTool) Option {
	return func(o *options) { o.tools = append(o.tools, tools...) }
}

// New wires a Server from cfg.
func New(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.log == nil {
		o.log = slog.Default()
	}

	host := o.host
	if host == nil {
		var err error
		if host, err = newSessionHost(cfg); err != nil {
			return nil, err
		}
	}

	m := metrics.New()
	tools := mcpservice.NewToolRegistry(
		mcpservice.WithToolTimeout(cfg.ToolTimeout),
		mcpservice.WithRegistryLogger(o.log),
		mcpservice.WithRegistryMetrics(m),
	)
	for _, tool := range o.tools {
		if err := tools.Register(tool); err != nil {
			_ = host.Close()
			return nil, fmt.Errorf("register tool: %w", err)
		}
	}

	eng := engine.NewEngine(tools,
		engine.WithLogger(o.log),
		engine.WithServerInfo(mcp.ImplementationInfo{Name: cfg.ServerName, Version: cfg.ServerVersion}),
		engine.WithInstructions(cfg.Instructions),
	)

	tr := ssetransport.New(host, eng,
		ssetransport.WithLogger(o.log),
		ssetransport.WithMetrics(m),
		ssetransport.WithKeepAlive(cfg.KeepAlive),
		ssetransport.WithMessagePath(cfg.MessagePath),
	)

	s := &Server{
		cfg:       cfg,
		log:       o.log,
		metrics:   m,
		host:      host,
		tools:     tools,
		engine:    eng,
		transport: tr,
	}
	s.router = s.routes()
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout; streams are long-lived.
		ErrorLog: slog.NewLogLogger(o.log.Handler(), slog.LevelWarn),
	}
	return s, nil
}

func newSessionHost(cfg Config) (sessions.SessionHost, error) {
	if cfg.RedisAddr == "" {
		return memoryhost.New(), nil
	}
	h, err := redishost.New(cfg.redisConfig())
	if err != nil {
		return nil, fmt.Errorf("redis session host: %w", err)
	}
	return h, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestContext)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		// Credentials are allowed, so the request origin is echoed rather than "*".
		AllowOriginFunc:  func(r *http.Request, origin string) bool { return true },
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", handleHealth)
	r.Get("/health", handleHealth)
	r.Get(s.cfg.SSEPath, s.transport.ServeStream)
	r.Post(s.cfg.MessagePath, s.transport.ServeMessage)
	r.Mount("/metrics", s.metrics.Router())

	return r
}

// requestContext attaches request attributes to every log record emitted
// while serving the request.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  middleware.GetReqID(r.Context()),
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})
		s.log.DebugContext(ctx, "http.request")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK")
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Transport returns the session transport.
func (s *Server) Transport() *ssetransport.Transport { return s.transport }

// Tools returns the tool registry.
func (s *Server) Tools() *mcpservice.ToolRegistry { return s.tools }

// Metrics returns the server's collectors.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Run listens on the configured address and serves until ctx ends, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		_ = s.host.Close()
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then shuts down gracefully within the
// configured shutdown timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.InfoContext(ctx, "server.start",
		slog.String("addr", ln.Addr().String()),
		slog.String("sse_path", s.cfg.SSEPath),
		slog.String("message_path", s.cfg.MessagePath),
		slog.Int("tool_count", len(s.tools.List())),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return multierror.Append(fmt.Errorf("serve: %w", err), s.host.Close()).ErrorOrNil()
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	err := s.Shutdown(shutdownCtx)
	if serr := <-errCh; serr != nil && !errors.Is(serr, http.ErrServerClosed) {
		err = multierror.Append(err, serr)
	}
	return err
}

// Shutdown closes every open stream, stops the HTTP server and releases the
// session backend. Failures of the individual steps are combined.
func (s *Server) Shutdown(ctx context.Context) error {
	start := time.Now()
	var result *multierror.Error

	if err := s.transport.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("close sessions: %w", err))
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.host.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close session host: %w", err))
	}

	if err := result.ErrorOrNil(); err != nil {
		s.log.WarnContext(ctx, "server.shutdown.fail", slog.Duration("dur", time.Since(start)), slog.String("err", err.Error()))
		return err
	}
	s.log.InfoContext(ctx, "server.shutdown", slog.Duration("dur", time.Since(start)))
	return nil
}
