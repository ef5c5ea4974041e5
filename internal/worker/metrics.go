package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the worker's prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	fetches *prometheus.CounterVec
	state   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskly",
			Subsystem: "worker",
			Name:      "fetch_total",
			Help:      "Requests handled by the intercepting worker by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskly",
			Subsystem: "worker",
			Name:      "state",
			Help:      "Lifecycle state of the controlling worker (0 installing .. 4 redundant).",
		}),
	}
	reg.MustRegister(m.fetches, m.state)
	return m
}

// Fetch outcomes.
const (
	outcomeNetwork     = "network"
	outcomeCache       = "cache"
	outcomeFallback    = "fallback"
	outcomeUnavailable = "unavailable"
	outcomePassthrough = "passthrough"
)

func (m *Metrics) observeFetch(s strategy, outcome string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(string(s), outcome).Inc()
}

func (m *Metrics) observeState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}
