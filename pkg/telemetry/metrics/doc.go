// Package metrics exposes guardian's Prometheus metrics.
//
// A single Collector implements the observer hooks of the gate, the quota
// manager, the rate limiter and the billing reconciler, and records
// counter store breaker transitions:
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	guarded := storage.NewGuarded(store, storage.GuardConfig{
//	    OnStateChange: collector.StoreBreakerState,
//	})
//	limiter := ratelimit.NewLimiter(guarded, rlConfig, collector)
//	http.Handle("/metrics", collector.Handler())
//
// # Metrics
//
//   - admission_decisions_total, admission_decision_duration_seconds
//   - admission_cost_cents_total, admission_credits_total
//   - quota_decisions_total, quota_reservations_closed_total, quota_open_reservations
//   - ratelimit_decisions_total
//   - billing_batches_total, billing_reported_units_total, billing_retries_total
//   - store_breaker_state, store_breaker_transitions_total
//
// Route and metric labels are capped by MaxRouteCardinality; values past
// the cap are recorded as "other".
package metrics
