// Package metrics exposes the Prometheus collectors recorded by the SSE
// transport and the tool registry. Every method is safe to call on a nil
// *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "mcp_sse"

// Frame kinds.
const (
	FrameEndpoint = "endpoint"
	FrameMessage  = "message"
	FramePing     = "ping"
)

// Post outcomes.
const (
	PostAccepted       = "accepted"
	PostUnknownSession = "unknown_session"
	PostMalformed      = "malformed"
)

// Tool call outcomes.
const (
	ToolOK        = "ok"
	ToolError     = "error"
	ToolTimeout   = "timeout"
	ToolUnknown   = "unknown"
	ToolCancelled = "cancelled"
)

// Metrics holds the server's collectors and the registry that owns them.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive prometheus.Gauge
	sessionsOpened prometheus.Counter
	frames         *prometheus.CounterVec
	posts          *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
}

// New creates a private registry and registers every collector on it.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of SSE sessions currently open",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Total SSE sessions opened since start",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "SSE frames written to clients by kind",
		}, []string{"kind"}),
		posts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_posted_total",
			Help:      "Inbound POSTed messages by outcome",
		}, []string{"outcome"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and outcome",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool handler latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
	}

	m.registry.MustRegister(
		m.sessionsActive,
		m.sessionsOpened,
		m.frames,
		m.posts,
		m.toolCalls,
		m.toolDuration,
	)

	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) FrameSent(kind string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(kind).Inc()
}

func (m *Metrics) MessagePosted(outcome string) {
	if m == nil {
		return
	}
	m.posts.WithLabelValues(outcome).Inc()
}

// ToolCalled records one tool invocation. Unknown tools are recorded under a
// fixed label so arbitrary client input cannot grow label cardinality.
func (m *Metrics) ToolCalled(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	if outcome == ToolUnknown {
		tool = "_unknown"
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// Router serves the registry in the Prometheus text exposition format.
func (m *Metrics) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/", m.handleMetrics)
	return r
}

func (m *Metrics) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}

	metricFamilies, err := m.registry.Gather()
	if err != nil {
		http.Error(w, "Failed to gather metrics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", string(expfmt.FmtText))

	encoder := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metricFamilies {
		if err := encoder.Encode(mf); err != nil {
			http.Error(w, "Failed to encode metrics", http.StatusInternalServerError)
			return
		}
	}
}
