// Package metrics exposes Prometheus collectors for the relay and the
// callback flow.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "authrelay"

// Metrics owns a private registry so tests can create as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	relayAttempts    *prometheus.CounterVec
	relayDuration    *prometheus.HistogramVec
	callbackOutcomes *prometheus.CounterVec
	loginsStarted    *prometheus.CounterVec
	statesCleaned    prometheus.Counter
	cleanupFailures  prometheus.Counter
}

// New creates and registers all collectors, plus the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		relayAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_attempts_total",
			Help:      "Backend relay HTTP attempts by result.",
		}, []string{"result"}),
		relayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_duration_seconds",
			Help:      "Wall time of a relay call including retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		}, []string{"result"}),
		callbackOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_outcomes_total",
			Help:      "Completed callbacks by outcome.",
		}, []string{"outcome"}),
		loginsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_started_total",
			Help:      "Persisted login states by entry point.",
		}, []string{"entry"}),
		statesCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "states_cleaned_total",
			Help:      "Expired state records removed by the cleanup manager.",
		}),
		cleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_failures_total",
			Help:      "Cleanup sweeps that failed.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.relayAttempts,
		m.relayDuration,
		m.callbackOutcomes,
		m.loginsStarted,
		m.statesCleaned,
		m.cleanupFailures,
	)
	return m
}

// RecordAttempt counts one backend HTTP attempt.
func (m *Metrics) RecordAttempt(result string) {
	m.relayAttempts.WithLabelValues(result).Inc()
}

// RecordRelay observes a finished relay call.
func (m *Metrics) RecordRelay(result string, elapsed time.Duration) {
	m.relayDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordCallback(outcome string) {
	m.callbackOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordLogin(entry string) {
	m.loginsStarted.WithLabelValues(entry).Inc()
}

// RecordCleanup matches storage.CleanupManager's sweep callback.
func (m *Metrics) RecordCleanup(removed int, err error) {
	if err != nil {
		m.cleanupFailures.Inc()
		return
	}
	m.statesCleaned.Add(float64(removed))
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
