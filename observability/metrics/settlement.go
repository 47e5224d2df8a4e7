package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics records settlement engine activity: accepted and rejected
// topups, handler latency and the rounding dust retained on engine vaults.
type SettlementMetrics struct {
	payments *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	residual *prometheus.CounterVec
}

var (
	settlementOnce sync.Once
	settlementReg  *SettlementMetrics
)

// Settlement returns the lazily-initialised settlement metrics registry. All
// collectors are registered against the default prometheus registerer.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			payments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "topup",
				Subsystem: "settlement",
				Name:      "payments_total",
				Help:      "Total topup payments segmented by engine instance and outcome.",
			}, []string{"engine", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "topup",
				Subsystem: "settlement",
				Name:      "duration_seconds",
				Help:      "Latency distribution for settlement operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"engine", "operation"}),
			residual: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "topup",
				Subsystem: "settlement",
				Name:      "residual_units_total",
				Help:      "Cumulative rounding dust retained on engine vaults, in minimal token units.",
			}, []string{"engine"}),
		}
		prometheus.MustRegister(
			settlementReg.payments,
			settlementReg.latency,
			settlementReg.residual,
		)
	})
	return settlementReg
}

// ObservePayment records a settled or rejected topup for the named engine.
func (m *SettlementMetrics) ObservePayment(engine, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(engine, outcome).Inc()
	m.latency.WithLabelValues(engine, "topup").Observe(seconds)
}

// ObserveResidual accumulates vault dust for the named engine. Residuals are
// at most a few minimal units per payment, so a float counter is adequate.
func (m *SettlementMetrics) ObserveResidual(engine string, units float64) {
	if m == nil || units <= 0 {
		return
	}
	m.residual.WithLabelValues(engine).Add(units)
}
