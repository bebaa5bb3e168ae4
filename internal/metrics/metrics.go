// Package metrics declares the Prometheus collectors the runtime
// exposes as a supplemental observability surface. None of this is
// required by the core call/poll/supervise path; it is additive,
// matching the teacher's habit of wiring a metrics registry alongside
// (never instead of) structured logging.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the runtime registers. Construct once
// per process with NewWithRegisterer, or use NewDefault to register
// against prometheus.DefaultRegisterer.
type Metrics struct {
	PollCycleDuration prometheus.Histogram
	CallResults       *prometheus.CounterVec
	ProviderRestarts  *prometheus.CounterVec
	ProviderState     *prometheus.GaugeVec
}

// NewWithRegisterer builds and registers every collector against reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PollCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "anolis_core",
			Subsystem: "statecache",
			Name:      "poll_cycle_duration_seconds",
			Help:      "Wall-clock duration of one full state-cache poll cycle across all providers.",
			Buckets:   prometheus.DefBuckets,
		}),
		CallResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anolis_core",
			Subsystem: "router",
			Name:      "call_results_total",
			Help:      "Count of routed calls by provider and resulting status code.",
		}, []string{"provider", "status_code"}),
		ProviderRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anolis_core",
			Subsystem: "supervisor",
			Name:      "provider_restarts_total",
			Help:      "Count of restart attempts by provider.",
		}, []string{"provider"}),
		ProviderState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "anolis_core",
			Subsystem: "supervisor",
			Name:      "provider_lifecycle_state",
			Help:      "Current lifecycle state per provider (1 for the active state, 0 otherwise).",
		}, []string{"provider", "state"}),
	}

	reg.MustRegister(m.PollCycleDuration, m.CallResults, m.ProviderRestarts, m.ProviderState)
	return m
}

// NewDefault registers against prometheus.DefaultRegisterer, suitable
// for exposing via promhttp.Handler() in cmd/anolis-core.
func NewDefault() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}
