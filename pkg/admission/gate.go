package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"luneo-hq/guardian/pkg/credits"
	"luneo-hq/guardian/pkg/limits"
	"luneo-hq/guardian/pkg/limits/quota"
	"luneo-hq/guardian/pkg/limits/ratelimit"
	"luneo-hq/guardian/pkg/pricing"
	"luneo-hq/guardian/pkg/scheduler"
	"luneo-hq/guardian/pkg/usage"
)

// Deps are the components the gate runs requests through. Limiter may be
// nil to disable rate limiting; Sink defaults to a LogSink.
type Deps struct {
	Limiter   *ratelimit.Limiter
	Quota     *quota.Manager
	Estimator *pricing.Estimator
	Converter *credits.Converter
	Sink      EventSink
	Logger    *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type ticket struct {
	id          string
	request     Request
	reservation *quota.Reservation
	estimate    pricing.CostEstimate
	credits     int64
	state       State
	admittedAt  time.Time
}

// Gate admits, meters and settles tenant operations.
//
// Every request runs once through a fixed pipeline: rate limit, quota
// reservation, cost estimate, credit conversion and credit hold. Admitted
// requests get a ticket that the caller settles with Report once the
// operation has run.
type Gate struct {
	limiter   *ratelimit.Limiter
	quota     *quota.Manager
	estimator *pricing.Estimator
	converter *credits.Converter
	sink      EventSink
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	tickets map[string]*ticket
}

// NewGate creates a gate.
func NewGate(deps Deps) (*Gate, error) {
	if deps.Quota == nil {
		return nil, fmt.Errorf("quota manager is required")
	}
	if deps.Estimator == nil {
		return nil, fmt.Errorf("cost estimator is required")
	}
	if deps.Converter == nil {
		return nil, fmt.Errorf("credit converter is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "admission")
	}
	if deps.Sink == nil {
		deps.Sink = LogSink{Logger: deps.Logger}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Gate{
		limiter:   deps.Limiter,
		quota:     deps.Quota,
		estimator: deps.Estimator,
		converter: deps.Converter,
		sink:      deps.Sink,
		logger:    deps.Logger,
		now:       deps.Now,
		tickets:   make(map[string]*ticket),
	}, nil
}

// Admit runs req through the pipeline. Business denials (rate limited, quota
// exhausted, insufficient credits) come back as a Result with Allowed=false
// and a nil error. An error means the request could not be evaluated, e.g.
// an unknown plan tier or a store failure under a fail-closed policy.
func (g *Gate) Admit(ctx context.Context, req Request) (*Result, error) {
	start := g.now()
	res, err := g.admit(ctx, req)

	e := Event{
		TenantID:  req.TenantID,
		Metric:    req.Metric,
		Route:     req.Route,
		Ticket:    res.Ticket,
		Decision:  res.State,
		Reason:    string(res.Reason),
		Remaining: res.Remaining,
		CostCents: res.CostCents.InexactFloat64(),
		Credits:   res.CreditsCharged,
		Overage:   res.Overage,
		Degraded:  res.Degraded,
		Latency:   g.now().Sub(start),
	}
	g.sink.Emit(ctx, e)
	return res, err
}

func (g *Gate) admit(ctx context.Context, req Request) (*Result, error) {
	res := &Result{State: StatePending}
	if err := req.Validate(); err != nil {
		res.State = StateFailed
		return res, err
	}

	// 1. Rate limit.
	if g.limiter != nil && req.Route != "" {
		rl, err := g.limiter.AllowRoute(ctx, req.TenantID, req.Route)
		if err != nil {
			res.State = StateFailed
			return res, fmt.Errorf("rate limit check: %w", err)
		}
		res.Degraded = rl.Degraded
		if !rl.Allowed {
			res.State = StateRateLimited
			res.Reason = rl.Reason
			res.Err = rl.Err
			res.RetryAfter = rl.RetryAfter
			res.Remaining = rl.Remaining
			return res, nil
		}
	}

	// 2. Quota reservation.
	qd, err := g.quota.CheckAndReserve(ctx, req.TenantID, req.Metric, req.Units)
	if err != nil {
		res.State = StateFailed
		if errors.Is(err, limits.ErrStoreUnavailable) {
			res.Reason = limits.ReasonStoreUnavailable
			res.Degraded = true
		}
		return res, err
	}
	res.ResetAt = qd.ResetAt
	res.Remaining = qd.Remaining
	res.Overage = qd.IsOverage
	res.Degraded = res.Degraded || qd.Degraded
	if !qd.Allowed {
		res.State = StateQuotaBlocked
		res.Reason = limits.ReasonQuotaExceeded
		res.Err = qd.Err
		return res, nil
	}

	// 3. Cost estimate.
	var estimate pricing.CostEstimate
	if qd.IsOverage && qd.Definition != nil {
		estimate = g.estimator.EstimateSplit(req.Provider, req.Model, req.Operation, req.Units, qd.OverageUnits, qd.Definition.OverageRateCents)
	} else {
		estimate = g.estimator.Estimate(req.Provider, req.Model, req.Operation, req.Units)
	}
	res.Estimate = &estimate
	res.CostCents = estimate.CostCents

	// 4. Credits.
	amount, err := g.converter.ForOperation(qd.Tier, qd.Definition, req.Units, estimate.CostCents)
	if err != nil {
		g.releaseQuietly(ctx, qd.Reservation)
		res.State = StateFailed
		return res, fmt.Errorf("credit conversion: %w", err)
	}
	res.CreditsCharged = amount

	// 5. Credit hold.
	if err := g.quota.HoldCredits(ctx, qd.Reservation, amount); err != nil {
		g.releaseQuietly(ctx, qd.Reservation)
		if errors.Is(err, limits.ErrInsufficientCredits) {
			res.State = StateInsufficientCredits
			res.Reason = limits.ReasonInsufficientCredits
			res.Err = err
			return res, nil
		}
		res.State = StateFailed
		return res, err
	}

	// 6. Admitted.
	for _, threshold := range qd.ThresholdsCrossed {
		g.logger.Warn("quota threshold crossed",
			"tenant_id", req.TenantID,
			"metric", req.Metric,
			"tier", qd.Tier,
			"threshold", threshold,
			"used", qd.Used,
			"limit", qd.Limit,
		)
	}

	t := &ticket{
		id:          uuid.NewString(),
		request:     req,
		reservation: qd.Reservation,
		estimate:    estimate,
		credits:     amount,
		state:       StateAdmitted,
		admittedAt:  g.now(),
	}
	g.mu.Lock()
	g.tickets[t.id] = t
	g.mu.Unlock()

	res.Allowed = true
	res.State = StateAdmitted
	res.Ticket = t.id
	return res, nil
}

func (g *Gate) releaseQuietly(ctx context.Context, r *quota.Reservation) {
	if err := g.quota.Release(ctx, r); err != nil && !errors.Is(err, quota.ErrReservationClosed) {
		g.logger.Error("failed to release reservation", "reservation_id", r.ID, "error", err)
	}
}

// claim moves an admitted ticket to state. Only the first caller succeeds.
func (g *Gate) claim(id string, state State) (*ticket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tickets[id]
	if !ok {
		return nil, ErrUnknownTicket
	}
	if t.state != StateAdmitted {
		return nil, ErrTicketClosed
	}
	t.state = state
	return t, nil
}

// Report settles an admitted ticket. OutcomeSuccess commits the usage and
// captures held credits; OutcomeFailure releases the quota units and the
// credit hold.
func (g *Gate) Report(ctx context.Context, ticketID string, outcome Outcome) (*Result, error) {
	var target State
	switch outcome {
	case OutcomeSuccess:
		target = StateCommitted
	case OutcomeFailure:
		target = StateReleased
	default:
		return nil, fmt.Errorf("unknown outcome %q", outcome)
	}

	start := g.now()
	t, err := g.claim(ticketID, target)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Allowed:        true,
		State:          target,
		Ticket:         t.id,
		CostCents:      t.estimate.CostCents,
		CreditsCharged: t.credits,
		Overage:        t.reservation.Overage,
		Estimate:       &t.estimate,
	}

	var reportErr error
	if target == StateCommitted {
		var event *usage.Event
		event, reportErr = g.quota.Commit(ctx, t.reservation, quota.Charge{
			CostCents:      t.estimate.CostCents,
			PricingVersion: t.estimate.PricingVersion,
			Credits:        t.credits,
		})
		if event != nil {
			res.CreditsCharged = event.CreditsCharged
		}
	} else {
		res.CostCents = decimal.Zero
		res.CreditsCharged = 0
		reportErr = g.quota.Release(ctx, t.reservation)
	}

	if errors.Is(reportErr, quota.ErrReservationClosed) {
		// The sweep got there first.
		g.mu.Lock()
		t.state = StateReleased
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: reservation expired", ErrTicketClosed)
	}

	g.sink.Emit(ctx, Event{
		TenantID:  t.request.TenantID,
		Metric:    t.request.Metric,
		Route:     t.request.Route,
		Ticket:    t.id,
		Decision:  target,
		CostCents: res.CostCents.InexactFloat64(),
		Credits:   res.CreditsCharged,
		Overage:   res.Overage,
		Latency:   g.now().Sub(start),
	})

	if reportErr != nil {
		return res, fmt.Errorf("report %s: %w", outcome, reportErr)
	}
	return res, nil
}

// State returns the current state of a ticket.
func (g *Gate) State(ticketID string) (State, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tickets[ticketID]
	if !ok {
		return "", false
	}
	return t.state, true
}

// OpenTickets returns the number of admitted, unsettled tickets.
func (g *Gate) OpenTickets() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, t := range g.tickets {
		if t.state == StateAdmitted {
			n++
		}
	}
	return n
}

// Sweep releases stale reservations and forgets settled tickets. Tickets
// whose reservation was swept become unknown to Report.
func (g *Gate) Sweep(ctx context.Context) (int, error) {
	released, err := g.quota.Sweep(ctx)

	g.mu.Lock()
	dropped := 0
	for id, t := range g.tickets {
		if t.state.Terminal() || !g.quota.IsOpen(t.reservation) {
			delete(g.tickets, id)
			dropped++
		}
	}
	g.mu.Unlock()

	if dropped > 0 {
		g.logger.Debug("dropped settled tickets", "count", dropped)
	}
	return released, err
}

// SweepJob returns a scheduled job that runs Sweep.
func (g *Gate) SweepJob(schedule string) scheduler.Job {
	return scheduler.Job{
		Name:     "reservation-sweep",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			_, err := g.Sweep(ctx)
			return err
		},
	}
}
