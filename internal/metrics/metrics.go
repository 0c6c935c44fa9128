package metrics

import (
	"github.com/jogardn/fieldops/internal/circuitbreaker"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeliveryTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldops_delivery_transitions_total",
			Help: "Delivery status transitions requested, by action and result",
		},
		[]string{"action", "result"},
	)

	LocationSamplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldops_location_samples_total",
			Help: "Raw position observations, by what happened to them",
		},
		[]string{"result"}, // forwarded, throttled, failed, invalid
	)

	LocationForwardDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fieldops_location_forward_duration_seconds",
			Help:    "Duration of location update calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	PaymentStatusChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldops_payment_status_checks_total",
			Help: "Payment status checks, by returned status",
		},
		[]string{"status"},
	)

	PaymentOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldops_payment_outcomes_total",
			Help: "Resolved payment confirmations, by outcome",
		},
		[]string{"outcome"},
	)

	ProofUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldops_proof_uploads_total",
			Help: "Proof of delivery photo uploads, by backend and result",
		},
		[]string{"backend", "result"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fieldops_api_breaker_state",
			Help: "Circuit breaker state per API area (0 closed, 1 open, 2 half-open)",
		},
		[]string{"area"},
	)
)

// Register registers all fieldops metrics with the default registry.
func Register() {
	prometheus.MustRegister(DeliveryTransitionsTotal)
	prometheus.MustRegister(LocationSamplesTotal)
	prometheus.MustRegister(LocationForwardDuration)
	prometheus.MustRegister(PaymentStatusChecksTotal)
	prometheus.MustRegister(PaymentOutcomesTotal)
	prometheus.MustRegister(ProofUploadsTotal)
	prometheus.MustRegister(BreakerState)
}

// ObserveBreaker is an OnStateChange hook for circuit breakers.
func ObserveBreaker(name string, from, to circuitbreaker.State) {
	BreakerState.WithLabelValues(name).Set(float64(to))
}

func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
