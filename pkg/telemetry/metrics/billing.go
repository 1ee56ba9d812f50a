package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"luneo-hq/guardian/pkg/config"
)

// BillingMetrics tracks reconciliation with the billing provider.
type BillingMetrics struct {
	batches *prometheus.CounterVec
	units   *prometheus.CounterVec
	retries *prometheus.CounterVec
}

// NewBillingMetrics creates and registers billing metrics.
func NewBillingMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *BillingMetrics {
	bm := &BillingMetrics{
		batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "billing_batches_total",
				Help:      "Usage batches by provider and outcome (reported, skipped, failed)",
			},
			[]string{"provider", "outcome"},
		),
		units: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "billing_reported_units_total",
				Help:      "Units reported to the billing provider",
			},
			[]string{"provider"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "billing_retries_total",
				Help:      "Retried billing provider calls",
			},
			[]string{"provider"},
		),
	}

	registry.MustRegister(bm.batches, bm.units, bm.retries)
	return bm
}

// RecordBatch records one batch. Units count only when reported.
func (bm *BillingMetrics) RecordBatch(provider, outcome string, units int64) {
	bm.batches.WithLabelValues(provider, outcome).Inc()
	if outcome == "reported" && units > 0 {
		bm.units.WithLabelValues(provider).Add(float64(units))
	}
}

// RecordRetry records a retried call.
func (bm *BillingMetrics) RecordRetry(provider string) {
	bm.retries.WithLabelValues(provider).Inc()
}
