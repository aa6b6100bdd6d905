package wake

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the Wake Coordinator,
// grounded on escrow/metrics.go's CounterVec/HistogramVec/GaugeVec layout.
type Metrics struct {
	WakeTotal    *prometheus.CounterVec
	WakeDuration *prometheus.HistogramVec
	WakeInFlight prometheus.Gauge
}

// NewMetrics creates and registers the wake coordinator's metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		WakeTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wake_total",
				Help: "Total wake attempts by reason and outcome",
			},
			[]string{"reason", "status"}, // status: already_running, awoke, failed, timeout
		),
		WakeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wake_duration_seconds",
				Help:    "Time from wake request to ready (running + healthy)",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
			},
			[]string{"reason"},
		),
		WakeInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "wake_in_flight",
				Help: "Number of exclusive wake operations currently running",
			},
		),
	}
}

func (m *Metrics) recordOutcome(reason, status string, durationSec float64) {
	if m == nil {
		return
	}
	m.WakeTotal.WithLabelValues(reason, status).Inc()
	if status == statusAwoke || status == statusFailed {
		m.WakeDuration.WithLabelValues(reason).Observe(durationSec)
	}
}
