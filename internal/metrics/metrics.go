package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	redemptions        *prometheus.CounterVec
	bindings           *prometheus.CounterVec
	paymentTransitions *prometheus.CounterVec
	gatewayLatency     *prometheus.HistogramVec
}

// New registers the collectors on reg. A nil *Metrics is valid and records nothing.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "activation",
			Name:      "redemptions_total",
			Help:      "Redemption attempts by outcome.",
		}, []string{"outcome"}),
		bindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "activation",
			Name:      "bindings_total",
			Help:      "Hardware binding attempts by outcome.",
		}, []string{"outcome"}),
		paymentTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payment",
			Name:      "transitions_total",
			Help:      "Payment status transitions by method and target status.",
		}, []string{"method", "status"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "payment",
			Name:      "gateway_request_duration_seconds",
			Help:      "Outbound payment gateway call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "operation", "result"}),
	}
	reg.MustRegister(m.redemptions, m.bindings, m.paymentTransitions, m.gatewayLatency)
	return m
}

func (m *Metrics) Redemption(outcome string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Binding(outcome string) {
	if m == nil {
		return
	}
	m.bindings.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PaymentTransition(method, status string) {
	if m == nil {
		return
	}
	m.paymentTransitions.WithLabelValues(method, status).Inc()
}

func (m *Metrics) GatewayCall(method, operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.gatewayLatency.WithLabelValues(method, operation, result).Observe(time.Since(started).Seconds())
}
