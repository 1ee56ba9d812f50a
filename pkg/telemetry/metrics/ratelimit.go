package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"luneo-hq/guardian/pkg/config"
)

// RateLimitMetrics tracks rate limit checks per route.
type RateLimitMetrics struct {
	decisions *prometheus.CounterVec
}

// NewRateLimitMetrics creates and registers rate limit metrics.
func NewRateLimitMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *RateLimitMetrics {
	rm := &RateLimitMetrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "ratelimit_decisions_total",
				Help:      "Rate limit checks by route and outcome (allowed, limited, disabled, degraded)",
			},
			[]string{"route", "outcome"},
		),
	}

	registry.MustRegister(rm.decisions)
	return rm
}

// RecordDecision records one rate limit check.
func (rm *RateLimitMetrics) RecordDecision(route, outcome string) {
	rm.decisions.WithLabelValues(route, outcome).Inc()
}
