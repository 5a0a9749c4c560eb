package resilience

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors are usable before registration; MustRegisterMetrics exposes them.
var (
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "upstream_breaker_state",
		Help: "Breaker state per upstream (0 closed, 1 open, 2 half-open).",
	}, []string{"target"})
	BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_breaker_transitions_total",
		Help: "Breaker state changes per upstream.",
	}, []string{"target", "from", "to"})
	BreakerOpenedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_breaker_opened_total",
		Help: "Times the breaker for an upstream opened.",
	}, []string{"target"})
	OutboundDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "upstream_request_duration_seconds",
		Help:    "Outbound call latency per upstream and outcome.",
		Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"target", "outcome"})
	RetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_retries_total",
		Help: "Outbound attempts beyond the first, per upstream.",
	}, []string{"target"})
)

// MustRegisterMetrics registers the upstream collectors on reg, tolerating a
// second registration of the same collectors.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{BreakerState, BreakerTransitions, BreakerOpenedTotal, OutboundDuration, RetriesTotal} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}
