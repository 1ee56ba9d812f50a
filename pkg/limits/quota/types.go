package quota

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"luneo-hq/guardian/pkg/plans"
)

// ErrReservationClosed is returned when a reservation is committed or
// released a second time.
var ErrReservationClosed = errors.New("reservation already closed")

// Decision is the outcome of CheckAndReserve.
type Decision struct {
	// Allowed is false only for a block-mode quota that is exhausted.
	Allowed bool

	TenantID string
	Metric   string
	Tier     plans.Tier

	// Limit is the per-period limit, or plans.Unlimited.
	Limit int64

	// Used is the counter value after this request (or the unchanged value
	// when blocked).
	Used int64

	// Remaining is Limit - Used floored at zero, or -1 when unlimited.
	Remaining int64

	// ResetAt is the first instant of the next period.
	ResetAt time.Time

	// IsOverage marks a charge-mode admission past the limit.
	IsOverage bool

	// OverageUnits is how many of the requested units fell past the limit.
	// Units that still fit under the limit are not overage.
	OverageUnits int64

	// Degraded marks an admission made without the counter store.
	Degraded bool

	// ThresholdsCrossed lists notification thresholds that this request
	// pushed usage past.
	ThresholdsCrossed []float64

	// Definition is the quota applied, nil when the tier has none for the metric.
	Definition *plans.QuotaDefinition

	// Reservation must be committed or released. Nil when not allowed.
	Reservation *Reservation

	// Err is the typed denial (limits.ErrQuotaExceeded) when not allowed.
	Err error
}

// Unlimited reports whether no limit applied.
func (d *Decision) Unlimited() bool {
	return d.Limit == plans.Unlimited
}

// Reservation tracks units counted by CheckAndReserve until the operation
// is reported. Exactly one of Commit or Release closes it.
type Reservation struct {
	ID        string
	TenantID  string
	Metric    string
	Tier      plans.Tier
	Units     int64
	Overage   bool
	CreatedAt time.Time

	// OverageUnits is the part of Units counted past the limit.
	OverageUnits int64

	// key is the counter the units were added to; empty when nothing was
	// counted (unlimited or degraded).
	key string

	// held is the number of credits reserved against the tenant balance.
	held int64
}

// Counted reports whether the reservation incremented a counter.
func (r *Reservation) Counted() bool {
	return r.key != ""
}

// CreditsHeld returns the credits reserved for this reservation.
func (r *Reservation) CreditsHeld() int64 {
	return r.held
}

// Charge describes the priced operation being committed.
type Charge struct {
	CostCents      decimal.Decimal
	PricingVersion string

	// Credits is debited directly when no hold was placed.
	Credits int64
}

// MetricUsage is the current-period status of one metric for a tenant.
type MetricUsage struct {
	Metric  string
	Label   string
	Unit    string
	Period  plans.Period
	Overage plans.OverageBehavior

	// Limit is plans.Unlimited for unlimited metrics.
	Limit     int64
	Used      int64
	Remaining int64

	// OverageUnits is max(0, Used-Limit) for charge-mode quotas.
	OverageUnits int64

	// OverageCostCents is OverageUnits priced at the overage rate.
	OverageCostCents decimal.Decimal

	// Percentage is Used/Limit (0 for unlimited).
	Percentage float64

	// ThresholdsReached lists notification thresholds at or below Percentage.
	ThresholdsReached []float64

	ResetAt time.Time
}

// Snapshot is a tenant's usage across every metric defined by its tier.
type Snapshot struct {
	TenantID string
	Tier     plans.Tier
	TakenAt  time.Time
	Metrics  []MetricUsage
	Degraded bool
}

// Observer receives quota outcomes for metrics. Implementations must be
// safe for concurrent use.
type Observer interface {
	// QuotaDecision is called once per CheckAndReserve with outcome
	// admitted, overage, blocked, unlimited or degraded.
	QuotaDecision(tier, metric, outcome string)

	// ReservationClosed is called with committed, released or swept.
	ReservationClosed(metric, outcome string)
}

type nopObserver struct{}

func (nopObserver) QuotaDecision(string, string, string) {}
func (nopObserver) ReservationClosed(string, string) {}
