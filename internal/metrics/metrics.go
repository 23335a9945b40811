package metrics

import "github.com/prometheus/client_golang/prometheus"

// CheckoutMetrics exposes counters/histograms for the book-and-pay flow.
type CheckoutMetrics struct {
	flowsTotal    *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
}

func NewCheckoutMetrics(reg prometheus.Registerer) *CheckoutMetrics {
	m := &CheckoutMetrics{
		flowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "flows_total",
			Help:      "Checkout flows by terminal or interim outcome",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "checkout",
			Name:      "stage_duration_seconds",
			Help:      "Latency of external calls made by each checkout stage",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage", "result"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.flowsTotal, m.stageDuration)
	return m
}

// ObserveOutcome counts a flow reaching outcome (succeeded, cancelled, or a failure kind).
func (m *CheckoutMetrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.flowsTotal.WithLabelValues(outcome).Inc()
}

func (m *CheckoutMetrics) ObserveStage(stage string, ok bool, seconds float64) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.stageDuration.WithLabelValues(stage, result).Observe(seconds)
}
