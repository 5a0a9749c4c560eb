package obs

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentIntentTotal counts authorization attempts by outcome.
	PaymentIntentTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound processor events by terminal state.
	PaymentWebhookTotal *prometheus.CounterVec
	// FulfillmentTotal counts orchestrator outcomes.
	FulfillmentTotal *prometheus.CounterVec
	// FulfillmentStepDuration records latency per orchestrator step.
	FulfillmentStepDuration *prometheus.HistogramVec
	// IncidentTotal counts recorded operational incidents by kind.
	IncidentTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentIntentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_intent_total",
			Help:      "Count of payment authorization attempts by outcome.",
		}, []string{"currency", "result"})
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by event type and terminal state.",
		}, []string{"event_type", "result"})
		FulfillmentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fulfillment_total",
			Help:      "Count of fulfillment outcomes (success, degraded, duplicate, error kinds).",
		}, []string{"result"})
		FulfillmentStepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fulfillment_step_seconds",
			Help:      "Latency of individual fulfillment steps.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"step", "outcome"})
		IncidentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fulfillment_incident_total",
			Help:      "Count of recorded fulfillment incidents by kind.",
		}, []string{"kind"})

		mustRegisterCollector(reg, PaymentIntentTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentIntentTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentWebhookTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentWebhookTotal = v
			}
		})
		mustRegisterCollector(reg, FulfillmentTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				FulfillmentTotal = v
			}
		})
		mustRegisterCollector(reg, FulfillmentStepDuration, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				FulfillmentStepDuration = v
			}
		})
		mustRegisterCollector(reg, IncidentTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				IncidentTotal = v
			}
		})
	})
}

// IncCounter increments vec when it has been registered.
func IncCounter(vec *prometheus.CounterVec, labels ...string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Inc()
}

// ObserveStep records a fulfillment step duration when metrics are registered.
func ObserveStep(step string, start time.Time, err error) {
	if FulfillmentStepDuration == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	FulfillmentStepDuration.WithLabelValues(step, outcome).Observe(time.Since(start).Seconds())
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
