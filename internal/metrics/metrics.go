// Package metrics exposes the run tally and engine counters to prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "testnet_runner"

type Metrics struct {
	reg *prometheus.Registry

	Cycles          *prometheus.CounterVec
	Actions         *prometheus.CounterVec
	Retries         *prometheus.CounterVec
	Failovers       prometheus.Counter
	NonceRecoveries *prometheus.CounterVec
	Submitted       *prometheus.CounterVec
	ActiveEndpoint  *prometheus.GaugeVec
}

// New registers every collector on a fresh registry so parallel runs and
// tests do not collide on the default one.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Cycles by outcome (succeeded, failed, skipped).",
		}, []string{"plan", "outcome"}),
		Actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Executed actions by outcome.",
		}, []string{"action", "outcome"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried RPC calls by error class.",
		}, []string{"op", "class"}),
		Failovers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_failovers_total",
			Help:      "Switches of the active RPC endpoint after the initial connect.",
		}),
		NonceRecoveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nonce_recoveries_total",
			Help:      "Local nonce bumps after the node reported a used nonce.",
		}, []string{"wallet"}),
		Submitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_submitted_total",
			Help:      "Transactions accepted by the node.",
		}, []string{"wallet"}),
		ActiveEndpoint: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_active_endpoint",
			Help:      "1 for the endpoint currently in use.",
		}, []string{"url"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveCycle(plan, outcome string) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(plan, outcome).Inc()
}

func (m *Metrics) ObserveAction(action, outcome string) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) ObserveRetry(op, class string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(op, class).Inc()
}

func (m *Metrics) ObserveFailover(from, to string) {
	if m == nil {
		return
	}
	m.Failovers.Inc()
	m.SetActive(from, false)
	m.SetActive(to, true)
}

func (m *Metrics) SetActive(url string, active bool) {
	if m == nil || url == "" {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	m.ActiveEndpoint.WithLabelValues(url).Set(v)
}

func (m *Metrics) ObserveNonceRecovery(wallet string) {
	if m == nil {
		return
	}
	m.NonceRecoveries.WithLabelValues(wallet).Inc()
}

func (m *Metrics) ObserveSubmitted(wallet string) {
	if m == nil {
		return
	}
	m.Submitted.WithLabelValues(wallet).Inc()
}
