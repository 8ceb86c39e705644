// Package metrics exposes prometheus/client_golang counters and
// histograms for the host operations the orchestrator and SSH
// connection manager perform, ambient observability carried independently
// of any feature scope.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the control plane registers. Built once at
// boot and wired into the orchestrator and SSH manager through the small
// consumer-defined interfaces each of those packages declares.
type Metrics struct {
	registry *prometheus.Registry

	checksTotal          *prometheus.CounterVec
	upgradesTotal        *prometheus.CounterVec
	sshSessionDuration   prometheus.Histogram
	sshReconnectAttempts prometheus.Counter
}

// New registers every collector against a fresh registry (not the global
// DefaultRegisterer, so tests can build more than one Metrics without
// colliding on collector names).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		checksTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "controlplane",
			Name:      "checks_total",
			Help:      "Update checks run, by outcome.",
		}, []string{"status"}),
		upgradesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "controlplane",
			Name:      "upgrades_total",
			Help:      "Upgrade operations run, by action and outcome.",
		}, []string{"action", "status"}),
		sshSessionDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "controlplane",
			Name:      "ssh_session_duration_seconds",
			Help:      "Wall-clock duration of a connected SSH session, from Connect to Close.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		sshReconnectAttempts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "controlplane",
			Name:      "ssh_reconnect_attempts_total",
			Help:      "Reconnection attempts made after a lost monitoring session.",
		}),
	}
	return m
}

// Handler serves the registry's collectors for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCheck records one completed check, keyed by its terminal status.
func (m *Metrics) ObserveCheck(status string) {
	m.checksTotal.WithLabelValues(status).Inc()
}

// ObserveUpgrade records one completed upgrade operation.
func (m *Metrics) ObserveUpgrade(action, status string) {
	m.upgradesTotal.WithLabelValues(action, status).Inc()
}

// ObserveSSHSessionDuration records how long a session stayed open.
func (m *Metrics) ObserveSSHSessionDuration(d time.Duration) {
	m.sshSessionDuration.Observe(d.Seconds())
}

// IncReconnectAttempt records one reconnection attempt after MONITORING_LOST.
func (m *Metrics) IncReconnectAttempt() {
	m.sshReconnectAttempts.Inc()
}
