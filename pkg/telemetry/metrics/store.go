package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"luneo-hq/guardian/pkg/config"
)

var breakerStates = []string{"closed", "half-open", "open"}

// StoreMetrics tracks the counter store circuit breaker.
type StoreMetrics struct {
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
}

// NewStoreMetrics creates and registers store metrics. The breaker starts
// closed.
func NewStoreMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *StoreMetrics {
	sm := &StoreMetrics{
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "store_breaker_state",
				Help:      "1 for the current counter store circuit breaker state",
			},
			[]string{"state"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "store_breaker_transitions_total",
				Help:      "Circuit breaker transitions by target state",
			},
			[]string{"state"},
		),
	}

	registry.MustRegister(sm.state, sm.transitions)
	sm.setState("closed")
	return sm
}

// SetBreakerState records a transition to state.
func (sm *StoreMetrics) SetBreakerState(state string) {
	sm.transitions.WithLabelValues(state).Inc()
	sm.setState(state)
}

func (sm *StoreMetrics) setState(state string) {
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		sm.state.WithLabelValues(s).Set(v)
	}
}
