package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"luneo-hq/guardian/pkg/config"
)

// AdmissionMetrics tracks gate decisions.
//
// Metrics:
//   - guardian_admission_decisions_total{metric,decision,reason}
//   - guardian_admission_decision_duration_seconds{decision}
//   - guardian_admission_cost_cents_total{metric}
//   - guardian_admission_credits_total{metric}
type AdmissionMetrics struct {
	decisions *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	cost      *prometheus.CounterVec
	credits   *prometheus.CounterVec
}

// NewAdmissionMetrics creates and registers admission metrics.
func NewAdmissionMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *AdmissionMetrics {
	am := &AdmissionMetrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "admission_decisions_total",
				Help:      "Admission decisions by metric, decision and reason",
			},
			[]string{"metric", "decision", "reason"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "admission_decision_duration_seconds",
				Help:      "Time spent deciding admission",
				Buckets:   cfg.DecisionDurationBuckets,
			},
			[]string{"decision"},
		),
		cost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "admission_cost_cents_total",
				Help:      "Estimated cost of committed operations in cents",
			},
			[]string{"metric"},
		),
		credits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "admission_credits_total",
				Help:      "Credits charged for committed operations",
			},
			[]string{"metric"},
		),
	}

	registry.MustRegister(am.decisions, am.duration, am.cost, am.credits)
	return am
}

// RecordDecision records one decision.
func (am *AdmissionMetrics) RecordDecision(metric, decision, reason string, latency time.Duration) {
	am.decisions.WithLabelValues(metric, decision, reason).Inc()
	am.duration.WithLabelValues(decision).Observe(latency.Seconds())
}

// RecordCost records cost and credits. Negative values are ignored.
func (am *AdmissionMetrics) RecordCost(metric string, costCents float64, credits int64) {
	if costCents > 0 {
		am.cost.WithLabelValues(metric).Add(costCents)
	}
	if credits > 0 {
		am.credits.WithLabelValues(metric).Add(float64(credits))
	}
}
