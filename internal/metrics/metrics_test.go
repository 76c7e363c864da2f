package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionOpened()
	m.SessionClosed()
	m.FrameSent(FrameMessage)
	m.MessagePosted(PostAccepted)
	m.ToolCalled("echo", ToolOK, time.Millisecond)
	assert.Nil(t, m.Registry())
}

func TestCollectors(t *testing.T) {
	m := New()

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsOpened))

	m.FrameSent(FrameEndpoint)
	m.FrameSent(FrameMessage)
	m.FrameSent(FrameMessage)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.frames.WithLabelValues(FrameMessage)))

	m.MessagePosted(PostMalformed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.posts.WithLabelValues(PostMalformed)))

	m.ToolCalled("echo", ToolOK, 10*time.Millisecond)
	m.ToolCalled("no-such-tool", ToolUnknown, 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("echo", ToolOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("_unknown", ToolUnknown)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("no-such-tool", ToolUnknown)))
}

func TestRouterServesExposition(t *testing.T) {
	m := New()
	m.SessionOpened()

	srv := httptest.NewServer(m.Router())
	defer srv.Close()

	res, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mcp_sse_sessions_active 1")
	assert.Contains(t, string(body), "mcp_sse_sessions_opened_total 1")
}
