package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"luneo-hq/guardian/pkg/config"
)

// OverflowLabel replaces route and metric labels once the cardinality
// limit is reached.
const OverflowLabel = "other"

// Collector owns every guardian Prometheus metric. It satisfies the
// observer interfaces of the admission, quota, ratelimit and billing
// packages so each component reports into one registry.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	admissionMetrics *AdmissionMetrics
	quotaMetrics     *QuotaMetrics
	rateLimitMetrics *RateLimitMetrics
	billingMetrics   *BillingMetrics
	storeMetrics     *StoreMetrics

	// Bounds distinct routes and metrics used as label values.
	cardinalityLimiter *CardinalityLimiter
}

// NewCollector creates a collector and registers its metrics. If registry
// is nil a fresh registry is created.
//
// Example:
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	limiter := ratelimit.NewLimiter(store, rlConfig, collector)
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	if cfg.Namespace == "" {
		cfg.Namespace = config.DefaultMetricsNamespace
	}
	if len(cfg.DecisionDurationBuckets) == 0 {
		cfg.DecisionDurationBuckets = append([]float64(nil), config.DefaultDecisionDurationBuckets...)
	}
	if cfg.MaxRouteCardinality <= 0 {
		cfg.MaxRouteCardinality = config.DefaultMaxRouteCardinality
	}

	return &Collector{
		config:             cfg,
		registry:           registry,
		admissionMetrics:   NewAdmissionMetrics(cfg, registry),
		quotaMetrics:       NewQuotaMetrics(cfg, registry),
		rateLimitMetrics:   NewRateLimitMetrics(cfg, registry),
		billingMetrics:     NewBillingMetrics(cfg, registry),
		storeMetrics:       NewStoreMetrics(cfg, registry),
		cardinalityLimiter: NewCardinalityLimiter(cfg.MaxRouteCardinality),
	}
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.IsEnabled()
}

func (c *Collector) label(kind, value string) string {
	if c.cardinalityLimiter.Allow(kind + ":" + value) {
		return value
	}
	return OverflowLabel
}

// AdmissionDecision records one gate decision and its latency.
func (c *Collector) AdmissionDecision(metric, decision, reason string, latency time.Duration) {
	if !c.enabled() {
		return
	}
	c.admissionMetrics.RecordDecision(c.label("metric", metric), decision, reason, latency)
}

// AdmissionCost records the cost and credits of a committed operation.
func (c *Collector) AdmissionCost(metric string, costCents float64, credits int64) {
	if !c.enabled() {
		return
	}
	c.admissionMetrics.RecordCost(c.label("metric", metric), costCents, credits)
}

// QuotaDecision records the outcome of one quota check.
func (c *Collector) QuotaDecision(tier, metric, outcome string) {
	if !c.enabled() {
		return
	}
	c.quotaMetrics.RecordDecision(tier, c.label("metric", metric), outcome)
}

// ReservationClosed records how a reservation ended.
func (c *Collector) ReservationClosed(metric, outcome string) {
	if !c.enabled() {
		return
	}
	c.quotaMetrics.RecordClosed(c.label("metric", metric), outcome)
}

// SetOpenReservations sets the number of reservations awaiting settlement.
func (c *Collector) SetOpenReservations(n int) {
	if !c.enabled() {
		return
	}
	c.quotaMetrics.SetOpen(n)
}

// RateLimitDecision records one rate limit check.
func (c *Collector) RateLimitDecision(route, outcome string) {
	if !c.enabled() {
		return
	}
	c.rateLimitMetrics.RecordDecision(c.label("route", route), outcome)
}

// BillingReport records the outcome of one billing batch.
func (c *Collector) BillingReport(provider, outcome string, units int64) {
	if !c.enabled() {
		return
	}
	c.billingMetrics.RecordBatch(provider, outcome, units)
}

// BillingRetry records a retried provider call.
func (c *Collector) BillingRetry(provider string) {
	if !c.enabled() {
		return
	}
	c.billingMetrics.RecordRetry(provider)
}

// StoreBreakerState records a counter store circuit breaker transition.
// It matches storage.GuardConfig.OnStateChange.
func (c *Collector) StoreBreakerState(state string) {
	if !c.enabled() {
		return
	}
	c.storeMetrics.SetBreakerState(state)
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// CardinalityLimiter prevents metric cardinality explosion by limiting
// the number of unique label values.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a new cardinality limiter with the specified
// maximum cardinality.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow checks if a label set is allowed. Returns true if the label set
// already exists or if we haven't reached the cardinality limit yet.
func (cl *CardinalityLimiter) Allow(labelSet string) bool {
	cl.mu.RLock()
	if _, exists := cl.current[labelSet]; exists {
		cl.mu.RUnlock()
		return true
	}
	cl.mu.RUnlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, exists := cl.current[labelSet]; exists {
		return true
	}
	if len(cl.current) >= cl.maxCardinality {
		return false
	}
	cl.current[labelSet] = struct{}{}
	return true
}

// Count returns the current cardinality.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
