package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"luneo-hq/guardian/pkg/credits"
	"luneo-hq/guardian/pkg/limits"
	"luneo-hq/guardian/pkg/limits/storage"
	"luneo-hq/guardian/pkg/plans"
	"luneo-hq/guardian/pkg/usage"
)

// Config controls failure handling and reservation lifetime.
type Config struct {
	// FailOpen admits requests (flagged Degraded) when the counter store is
	// unavailable. When false the store error is returned.
	// Default: true (set by config.ApplyDefaults)
	FailOpen bool

	// GracePeriod is how long a reservation may stay open before Sweep
	// releases it.
	// Default: 15 minutes
	GracePeriod time.Duration

	// ReleaseAttempts bounds counter decrement, credit settlement and ledger
	// append attempts.
	// Default: 3
	ReleaseAttempts int

	// ReleaseBackoff is the initial retry delay, doubling up to ReleaseMaxBackoff.
	// Default: 10ms / 250ms
	ReleaseBackoff    time.Duration
	ReleaseMaxBackoff time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Deps are the collaborators of a Manager. Credits may be nil, in which
// case no balances are touched.
type Deps struct {
	Catalog  *plans.Catalog
	Tenants  *plans.Assignments
	Store    storage.CounterStore
	Credits  credits.Store
	Ledger   usage.Ledger
	Observer Observer
	Logger   *slog.Logger
}

// Manager enforces per-tenant, per-metric, per-period quotas. It is the
// only component that mutates usage counters and credit balances.
//
// Manager is safe for concurrent use.
type Manager struct {
	catalog  *plans.Catalog
	tenants  *plans.Assignments
	store    storage.CounterStore
	credits  credits.Store
	ledger   usage.Ledger
	observer Observer
	logger   *slog.Logger

	config Config

	decrementPolicy retrypolicy.RetryPolicy[int64]
	appendPolicy    retrypolicy.RetryPolicy[bool]
	creditPolicy    retrypolicy.RetryPolicy[any]

	mu   sync.Mutex
	open map[string]*Reservation
}

// NewManager creates a quota manager.
func NewManager(config Config, deps Deps) (*Manager, error) {
	if deps.Catalog == nil {
		return nil, errors.New("plan catalog is required")
	}
	if deps.Tenants == nil {
		return nil, errors.New("tenant assignments are required")
	}
	if deps.Store == nil {
		return nil, errors.New("counter store is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("usage ledger is required")
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "quota")
	}

	if config.GracePeriod <= 0 {
		config.GracePeriod = 15 * time.Minute
	}
	if config.ReleaseAttempts <= 0 {
		config.ReleaseAttempts = 3
	}
	if config.ReleaseBackoff <= 0 {
		config.ReleaseBackoff = 10 * time.Millisecond
	}
	if config.ReleaseMaxBackoff < config.ReleaseBackoff {
		config.ReleaseMaxBackoff = 250 * time.Millisecond
		if config.ReleaseMaxBackoff < config.ReleaseBackoff {
			config.ReleaseMaxBackoff = config.ReleaseBackoff
		}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	decrementPolicy := retrypolicy.NewBuilder[int64]().
		WithBackoff(config.ReleaseBackoff, config.ReleaseMaxBackoff).
		WithMaxRetries(config.ReleaseAttempts - 1).
		Build()

	// Invalid events never succeed on retry.
	appendPolicy := retrypolicy.NewBuilder[bool]().
		WithBackoff(config.ReleaseBackoff, config.ReleaseMaxBackoff).
		WithMaxRetries(config.ReleaseAttempts - 1).
		HandleIf(func(_ bool, err error) bool {
			return err != nil && !errors.Is(err, usage.ErrInvalidEvent)
		}).
		Build()

	// An insufficient balance does not change on retry.
	creditPolicy := retrypolicy.NewBuilder[any]().
		WithBackoff(config.ReleaseBackoff, config.ReleaseMaxBackoff).
		WithMaxRetries(config.ReleaseAttempts - 1).
		HandleIf(func(_ any, err error) bool {
			return err != nil && !errors.Is(err, limits.ErrInsufficientCredits)
		}).
		Build()

	return &Manager{
		catalog:         deps.Catalog,
		tenants:         deps.Tenants,
		store:           deps.Store,
		credits:         deps.Credits,
		ledger:          deps.Ledger,
		observer:        deps.Observer,
		logger:          deps.Logger,
		config:          config,
		decrementPolicy: decrementPolicy,
		appendPolicy:    appendPolicy,
		creditPolicy:    creditPolicy,
		open:            make(map[string]*Reservation),
	}, nil
}

// CheckAndReserve counts units against the tenant's quota for metric in the
// current period.
//
// A block-mode quota that would be exceeded yields Allowed=false with Err
// set to a limits.ErrQuotaExceeded error and a nil returned error. The
// returned error is reserved for unknown tiers or metrics, invalid input,
// and store failures under the fail-closed policy.
//
// Every allowed decision carries a Reservation that must be committed or
// released.
func (m *Manager) CheckAndReserve(ctx context.Context, tenantID, metric string, units int64) (*Decision, error) {
	if err := limits.ValidateIdentifier("tenant", tenantID); err != nil {
		return nil, err
	}
	if err := limits.ValidateIdentifier("metric", metric); err != nil {
		return nil, err
	}
	if units <= 0 {
		return nil, fmt.Errorf("units must be positive, got %d", units)
	}

	tier, err := m.tenants.TierFor(tenantID)
	if err != nil {
		return nil, err
	}
	def, ok, err := m.catalog.Definition(tier, metric)
	if err != nil {
		return nil, err
	}

	now := m.config.Now().UTC()
	d := &Decision{
		Allowed:  true,
		TenantID: tenantID,
		Metric:   metric,
		Tier:     tier,
		Limit:    plans.Unlimited,
	}

	if !ok {
		d.Remaining = -1
		d.Reservation = m.reserve(d, units, "", now)
		m.observer.QuotaDecision(string(tier), metric, "unlimited")
		return d, nil
	}

	d.Definition = &def
	d.Limit = def.Limit
	d.ResetAt = ResetAt(def.Period, now)
	key := CounterKey(tenantID, metric, def.Period, now)
	ttl := CounterTTL(def.Period)

	if def.IsUnlimited() {
		return m.reserveUnlimited(ctx, d, key, ttl, units, now), nil
	}

	res, err := m.store.IncrementIfUnder(ctx, key, units, def.Limit, ttl)
	if err != nil {
		return m.degrade(d, units, now, err)
	}

	if res.Admitted {
		d.Used = res.Count
		d.Remaining = res.Remaining
		d.ThresholdsCrossed = crossed(def.NotificationThresholds, def.Limit, res.Count-units, res.Count)
		d.Reservation = m.reserve(d, units, key, now)
		m.observer.QuotaDecision(string(tier), metric, "admitted")
		return d, nil
	}

	if def.Overage == plans.OverageCharge {
		count, err := m.store.Increment(ctx, key, units, ttl)
		if err != nil {
			return m.degrade(d, units, now, err)
		}
		d.Used = count
		d.Remaining = 0
		d.IsOverage = true
		d.OverageUnits = overageUnits(def.Limit, count, units)
		d.Reservation = m.reserve(d, units, key, now)
		m.observer.QuotaDecision(string(tier), metric, "overage")
		return d, nil
	}

	d.Allowed = false
	d.Used = res.Count
	d.Remaining = res.Remaining
	d.Err = limits.NewQuotaExceededError(tenantID, metric, def.Limit, res.Count, d.ResetAt)
	m.observer.QuotaDecision(string(tier), metric, "blocked")
	return d, nil
}

// reserveUnlimited tracks usage of an unlimited metric for reporting. A
// store failure only loses the count.
func (m *Manager) reserveUnlimited(ctx context.Context, d *Decision, key string, ttl time.Duration, units int64, now time.Time) *Decision {
	d.Remaining = -1
	count, err := m.store.Increment(ctx, key, units, ttl)
	if err != nil {
		m.logger.Warn("usage not counted for unlimited metric",
			"tenant_id", d.TenantID, "metric", d.Metric, "error", err)
		key = ""
	}
	d.Used = count
	d.Reservation = m.reserve(d, units, key, now)
	m.observer.QuotaDecision(string(d.Tier), d.Metric, "unlimited")
	return d
}

// degrade applies the fail policy after a store error.
func (m *Manager) degrade(d *Decision, units int64, now time.Time, err error) (*Decision, error) {
	if !errors.Is(err, limits.ErrStoreUnavailable) {
		err = fmt.Errorf("%w: %v", limits.ErrStoreUnavailable, err)
	}

	if !m.config.FailOpen {
		m.logger.Error("counter store unavailable, denying request",
			"tenant_id", d.TenantID, "metric", d.Metric, "error", err)
		m.observer.QuotaDecision(string(d.Tier), d.Metric, "unavailable")
		return nil, fmt.Errorf("quota check for %s/%s: %w", d.TenantID, d.Metric, err)
	}

	m.logger.Error("counter store unavailable, admitting without quota check",
		"tenant_id", d.TenantID, "metric", d.Metric, "error", err)
	d.Degraded = true
	d.Remaining = -1
	d.Reservation = m.reserve(d, units, "", now)
	m.observer.QuotaDecision(string(d.Tier), d.Metric, "degraded")
	return d, nil
}

func (m *Manager) reserve(d *Decision, units int64, key string, now time.Time) *Reservation {
	r := &Reservation{
		ID:        uuid.NewString(),
		TenantID:  d.TenantID,
		Metric:    d.Metric,
		Tier:      d.Tier,
		Units:     units,
		Overage:      d.IsOverage,
		OverageUnits: d.OverageUnits,
		CreatedAt:    now,
		key:          key,
	}
	m.mu.Lock()
	m.open[r.ID] = r
	m.mu.Unlock()
	return r
}

// overageUnits returns how many of the units that took the counter to after
// lie past limit.
func overageUnits(limit, after, units int64) int64 {
	over := after - limit
	if over > units {
		return units
	}
	if over < 0 {
		return 0
	}
	return over
}

// crossed returns the thresholds t with before/limit < t <= after/limit.
func crossed(thresholds []float64, limit, before, after int64) []float64 {
	if limit <= 0 {
		return nil
	}
	var out []float64
	prev := float64(before) / float64(limit)
	cur := float64(after) / float64(limit)
	for _, t := range thresholds {
		if prev < t && cur >= t {
			out = append(out, t)
		}
	}
	return out
}

// HoldCredits reserves credits against the tenant balance for the lifetime
// of r. It fails with limits.ErrInsufficientCredits when the balance cannot
// cover the amount; r stays open and must still be released.
func (m *Manager) HoldCredits(ctx context.Context, r *Reservation, amount int64) error {
	if amount <= 0 || m.credits == nil {
		return nil
	}
	if !m.IsOpen(r) {
		return ErrReservationClosed
	}

	if err := m.credits.Reserve(ctx, r.TenantID, amount); err != nil {
		var le *limits.LimitError
		if errors.As(err, &le) && errors.Is(err, limits.ErrInsufficientCredits) {
			return limits.NewInsufficientCreditsError(r.TenantID, r.Metric, amount, le.Current)
		}
		return fmt.Errorf("hold credits for %s: %w", r.TenantID, err)
	}

	m.mu.Lock()
	r.held += amount
	m.mu.Unlock()
	return nil
}

// IsOpen reports whether r is still awaiting commit or release.
func (m *Manager) IsOpen(r *Reservation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.open[r.ID]
	return ok
}

// close removes r from the open set. Only the first caller gets true.
func (m *Manager) close(r *Reservation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.open[r.ID]; !ok {
		return false
	}
	delete(m.open, r.ID)
	return true
}

// Commit finalizes a successful operation: held credits are captured (or
// charge.Credits debited when nothing was held) and a usage event is
// appended to the ledger.
//
// The usage event is recorded even when the credits cannot be settled. A
// hold that cannot be captured is cancelled so it never stays pending, the
// event is charged zero credits, and the error is returned.
func (m *Manager) Commit(ctx context.Context, r *Reservation, charge Charge) (*usage.Event, error) {
	if r == nil || !m.close(r) {
		return nil, ErrReservationClosed
	}

	key, err := uuid.NewV7()
	if err != nil {
		key = uuid.New()
	}
	event := &usage.Event{
		IdempotencyKey: key.String(),
		TenantID:       r.TenantID,
		Metric:         r.Metric,
		Units:          r.Units,
		CostCents:      charge.CostCents,
		Overage:        r.Overage,
		OverageUnits:   r.OverageUnits,
		PricingVersion: charge.PricingVersion,
		OccurredAt:     m.config.Now().UTC(),
	}
	if event.CostCents.IsNegative() {
		event.CostCents = decimal.Zero
	}

	var errs []error
	charged, err := m.settleCredits(ctx, r, charge.Credits, event.IdempotencyKey)
	if err != nil {
		errs = append(errs, err)
	}
	event.CreditsCharged = charged

	_, err = failsafe.With(m.appendPolicy).WithContext(ctx).Get(func() (bool, error) {
		return m.ledger.Append(ctx, event)
	})
	m.observer.ReservationClosed(r.Metric, "committed")
	if err != nil {
		m.logger.Error("failed to append usage event",
			"tenant_id", r.TenantID, "metric", r.Metric, "idempotency_key", event.IdempotencyKey, "error", err)
		errs = append(errs, fmt.Errorf("append usage event: %w", err))
	}
	return event, errors.Join(errs...)
}

// retryCredits runs a credit store call under the credit retry policy.
func (m *Manager) retryCredits(ctx context.Context, call func() error) error {
	_, err := failsafe.With(m.creditPolicy).WithContext(ctx).Get(func() (any, error) {
		return nil, call()
	})
	return err
}

// settleCredits captures the hold or debits directly and returns the
// number of credits charged.
func (m *Manager) settleCredits(ctx context.Context, r *Reservation, credits int64, reference string) (int64, error) {
	if m.credits == nil {
		return 0, nil
	}

	if r.held > 0 {
		err := m.retryCredits(ctx, func() error {
			return m.credits.Capture(ctx, r.TenantID, r.held, reference)
		})
		if err == nil {
			return r.held, nil
		}
		m.logger.Error("failed to capture held credits, cancelling hold",
			"tenant_id", r.TenantID, "credits", r.held, "error", err)
		err = fmt.Errorf("capture credits: %w", err)

		cancelErr := m.retryCredits(ctx, func() error {
			return m.credits.Cancel(ctx, r.TenantID, r.held)
		})
		if cancelErr != nil {
			m.logger.Error("failed to cancel held credits",
				"tenant_id", r.TenantID, "credits", r.held, "error", cancelErr)
			return 0, errors.Join(err, fmt.Errorf("cancel credits: %w", cancelErr))
		}
		return 0, err
	}

	if credits <= 0 {
		return 0, nil
	}
	err := m.retryCredits(ctx, func() error {
		return m.credits.Debit(ctx, r.TenantID, credits, reference)
	})
	switch {
	case err == nil:
		return credits, nil
	case errors.Is(err, limits.ErrInsufficientCredits):
		m.logger.Warn("insufficient credits to debit",
			"tenant_id", r.TenantID, "credits", credits, "error", err)
		return 0, nil
	default:
		m.logger.Error("failed to debit credits",
			"tenant_id", r.TenantID, "credits", credits, "error", err)
		return 0, fmt.Errorf("debit credits: %w", err)
	}
}

// Release undoes a reservation: the counted units are given back and held
// credits return to the available balance.
func (m *Manager) Release(ctx context.Context, r *Reservation) error {
	return m.release(ctx, r, "released")
}

func (m *Manager) release(ctx context.Context, r *Reservation, outcome string) error {
	if r == nil || !m.close(r) {
		return ErrReservationClosed
	}

	var errs []error
	if r.Counted() {
		_, err := failsafe.With(m.decrementPolicy).WithContext(ctx).Get(func() (int64, error) {
			return m.store.Decrement(ctx, r.key, r.Units)
		})
		if err != nil {
			m.logger.Error("failed to release counted units",
				"tenant_id", r.TenantID, "metric", r.Metric, "units", r.Units, "error", err)
			errs = append(errs, fmt.Errorf("decrement %s: %w", r.key, err))
		}
	}

	if r.held > 0 && m.credits != nil {
		err := m.retryCredits(ctx, func() error {
			return m.credits.Cancel(ctx, r.TenantID, r.held)
		})
		if err != nil {
			m.logger.Error("failed to cancel held credits",
				"tenant_id", r.TenantID, "credits", r.held, "error", err)
			errs = append(errs, fmt.Errorf("cancel credits: %w", err))
		}
	}

	m.observer.ReservationClosed(r.Metric, outcome)
	return errors.Join(errs...)
}

// Sweep releases reservations older than the grace period and returns how
// many were released.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	cutoff := m.config.Now().Add(-m.config.GracePeriod)

	m.mu.Lock()
	var stale []*Reservation
	for _, r := range m.open {
		if r.CreatedAt.Before(cutoff) {
			stale = append(stale, r)
		}
	}
	m.mu.Unlock()

	var (
		released int
		errs     []error
	)
	for _, r := range stale {
		err := m.release(ctx, r, "swept")
		if errors.Is(err, ErrReservationClosed) {
			continue
		}
		released++
		if err != nil {
			errs = append(errs, err)
		}
	}

	if released > 0 {
		m.logger.Warn("released stale reservations", "count", released, "grace_period", m.config.GracePeriod)
	}
	return released, errors.Join(errs...)
}

// OpenReservations returns the number of reservations awaiting commit or release.
func (m *Manager) OpenReservations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// Usage reports current-period usage for every metric the tenant's tier
// defines. Store failures mark the snapshot Degraded and report zero usage.
func (m *Manager) Usage(ctx context.Context, tenantID string) (*Snapshot, error) {
	tier, err := m.tenants.TierFor(tenantID)
	if err != nil {
		return nil, err
	}
	defs, err := m.catalog.LimitsFor(tier)
	if err != nil {
		return nil, err
	}

	now := m.config.Now().UTC()
	snap := &Snapshot{TenantID: tenantID, Tier: tier, TakenAt: now}

	for _, def := range defs {
		used, err := m.store.Get(ctx, CounterKey(tenantID, def.Metric, def.Period, now))
		if err != nil {
			snap.Degraded = true
			used = 0
		}

		entry := MetricUsage{
			Metric:  def.Metric,
			Period:  def.Period,
			Overage: def.Overage,
			Limit:   def.Limit,
			Used:    used,
			ResetAt: ResetAt(def.Period, now),
		}
		if meta, ok := m.catalog.Metric(def.Metric); ok {
			entry.Label, entry.Unit = meta.Label, meta.Unit
		}

		if def.IsUnlimited() {
			entry.Remaining = -1
		} else {
			entry.Remaining = max(def.Limit-used, 0)
			if def.Limit > 0 {
				entry.Percentage = float64(used) / float64(def.Limit)
			}
			if def.Overage == plans.OverageCharge && used > def.Limit {
				entry.OverageUnits = used - def.Limit
				entry.OverageCostCents = def.OverageRateCents.Mul(decimal.NewFromInt(entry.OverageUnits))
			}
			for _, t := range def.NotificationThresholds {
				if entry.Percentage >= t {
					entry.ThresholdsReached = append(entry.ThresholdsReached, t)
				}
			}
			sort.Float64s(entry.ThresholdsReached)
		}

		snap.Metrics = append(snap.Metrics, entry)
	}

	return snap, nil
}
