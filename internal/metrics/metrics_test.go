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

	"github.com/xx70235/AstroPropose/internal/engine"
	"github.com/xx70235/AstroPropose/internal/tools"
)

var (
	_ tools.Observer  = (*Collector)(nil)
	_ engine.Observer = (*Collector)(nil)
)

func TestToolMetrics(t *testing.T) {
	c := NewCollector("test")

	c.ObserveAttempt("exposure-calc", "check", 503)
	c.ObserveAttempt("exposure-calc", "check", 503)
	c.ObserveAttempt("exposure-calc", "check", 200)
	c.ObserveInvocation("exposure-calc", "check", "success", 120*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.toolAttempts.WithLabelValues("exposure-calc", "check", "503")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.toolAttempts.WithLabelValues("exposure-calc", "check", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.toolInvocations.WithLabelValues("exposure-calc", "check", "success")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.toolLatency))
}

func TestTransitionMetrics(t *testing.T) {
	c := NewCollector("")

	c.ObserveTransition("submit_phase1", "success", time.Millisecond)
	c.ObserveTransition("submit_phase1", "PERMISSION_DENIED", time.Millisecond)
	c.ObserveTransition("accept", "success", time.Millisecond)

	assert.Equal(t, 3, testutil.CollectAndCount(c.transitions))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("submit_phase1", "PERMISSION_DENIED")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector("")
	c.ObserveTransition("accept", "success", 2*time.Millisecond)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `astropropose_workflow_transitions_total{action="accept",outcome="success"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestCollectorsAreIndependent(t *testing.T) {
	a := NewCollector("")
	b := NewCollector("")
	a.ObserveTransition("accept", "success", 0)

	assert.Equal(t, 1, testutil.CollectAndCount(a.transitions))
	assert.Equal(t, 0, testutil.CollectAndCount(b.transitions))
}
