package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCycle("magma", "succeeded")
		m.ObserveAction("stake", "failed")
		m.ObserveRetry("send", "rate_limit")
		m.ObserveFailover("a", "b")
		m.ObserveNonceRecovery("0xabc")
		m.ObserveSubmitted("0xabc")
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveCycle("magma", "succeeded")
	m.ObserveCycle("magma", "succeeded")
	m.ObserveCycle("magma", "failed")
	m.ObserveFailover("https://a", "https://b")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Cycles.WithLabelValues("magma", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Cycles.WithLabelValues("magma", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failovers))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveEndpoint.WithLabelValues("https://a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveEndpoint.WithLabelValues("https://b")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.ObserveAction("stake", "succeeded")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `testnet_runner_actions_total{action="stake",outcome="succeeded"} 1`)
}
