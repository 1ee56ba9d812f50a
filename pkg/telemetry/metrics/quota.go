package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"luneo-hq/guardian/pkg/config"
)

// QuotaMetrics tracks quota checks and reservation lifecycles.
type QuotaMetrics struct {
	decisions *prometheus.CounterVec
	closed    *prometheus.CounterVec
	open      prometheus.Gauge
}

// NewQuotaMetrics creates and registers quota metrics.
func NewQuotaMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *QuotaMetrics {
	qm := &QuotaMetrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "quota_decisions_total",
				Help:      "Quota checks by tier, metric and outcome",
			},
			[]string{"tier", "metric", "outcome"},
		),
		closed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "quota_reservations_closed_total",
				Help:      "Closed reservations by metric and outcome (committed, released, swept)",
			},
			[]string{"metric", "outcome"},
		),
		open: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "quota_open_reservations",
				Help:      "Reservations awaiting commit or release",
			},
		),
	}

	registry.MustRegister(qm.decisions, qm.closed, qm.open)
	return qm
}

// RecordDecision records one quota check.
func (qm *QuotaMetrics) RecordDecision(tier, metric, outcome string) {
	qm.decisions.WithLabelValues(tier, metric, outcome).Inc()
}

// RecordClosed records a closed reservation.
func (qm *QuotaMetrics) RecordClosed(metric, outcome string) {
	qm.closed.WithLabelValues(metric, outcome).Inc()
}

// SetOpen sets the open reservation gauge.
func (qm *QuotaMetrics) SetOpen(n int) {
	qm.open.Set(float64(n))
}
