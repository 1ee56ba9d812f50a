package admission

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"luneo-hq/guardian/pkg/limits"
	"luneo-hq/guardian/pkg/pricing"
)

var (
	// ErrUnknownTicket is returned by Report for a ticket the gate never issued
	// or has already forgotten.
	ErrUnknownTicket = errors.New("unknown admission ticket")

	// ErrTicketClosed is returned by Report for a ticket that was already
	// committed or released.
	ErrTicketClosed = errors.New("admission ticket already closed")
)

// State is a position in the admission lifecycle.
//
//	Pending -> RateLimited | QuotaBlocked | InsufficientCredits | Admitted | Failed
//	Admitted -> Committed | Released
type State string

const (
	StatePending             State = "pending"
	StateRateLimited         State = "rate_limited"
	StateQuotaBlocked        State = "quota_blocked"
	StateInsufficientCredits State = "insufficient_credits"
	StateAdmitted            State = "admitted"
	StateCommitted           State = "committed"
	StateReleased            State = "released"
	StateFailed              State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StatePending, StateAdmitted:
		return false
	default:
		return true
	}
}

// Outcome is what the caller reports after running the operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Request describes one operation that needs admission.
type Request struct {
	TenantID string
	Metric   string

	// Route is the rate-limited endpoint. Empty skips rate limiting.
	Route string

	// Provider, Model and Operation select the pricing entry.
	Provider  string
	Model     string
	Operation string

	// Units is the quantity consumed, at least 1.
	Units int64
}

// Validate checks the request fields.
func (r *Request) Validate() error {
	if err := limits.ValidateIdentifier("tenant", r.TenantID); err != nil {
		return err
	}
	if err := limits.ValidateIdentifier("metric", r.Metric); err != nil {
		return err
	}
	if r.Units <= 0 {
		return fmt.Errorf("units must be positive, got %d", r.Units)
	}
	return nil
}

// Result is the gate's answer to Admit or Report.
type Result struct {
	Allowed bool
	State   State

	// Reason is set for denials.
	Reason limits.Reason

	// Err is the typed denial; use errors.Is with the limits sentinels.
	Err error

	// Ticket identifies the admission for Report. Empty when not admitted.
	Ticket string

	CostCents      decimal.Decimal
	CreditsCharged int64

	// RetryAfter is set for rate limit denials.
	RetryAfter time.Duration

	// ResetAt is the start of the next quota period.
	ResetAt time.Time

	// Remaining is the quota left after this request, -1 when unlimited.
	Remaining int64

	Overage  bool
	Degraded bool

	// Estimate is the pricing used for admitted requests.
	Estimate *pricing.CostEstimate
}
