package limits

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Reason is the machine-readable code attached to an admission denial.
type Reason string

const (
	// ReasonNone is used for admitted requests.
	ReasonNone Reason = ""

	// ReasonRateLimited means the tenant exceeded its per-route request rate.
	ReasonRateLimited Reason = "rate_limited"

	// ReasonQuotaExceeded means a block-mode quota is exhausted for the period.
	ReasonQuotaExceeded Reason = "quota_exceeded"

	// ReasonInsufficientCredits means the tenant cannot pay for the operation.
	ReasonInsufficientCredits Reason = "insufficient_credits"

	// ReasonStoreUnavailable means the counter store failed and the
	// fail-closed policy applied.
	ReasonStoreUnavailable Reason = "store_unavailable"
)

// Error types for limit violations and system errors.
var (
	// ErrRateLimitExceeded is returned when a rate limit is exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrQuotaExceeded is returned when a block-mode quota is exhausted.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrInsufficientCredits is returned when the credit balance cannot cover an operation.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrUnknownPlanTier is returned when a tenant references an undefined tier.
	ErrUnknownPlanTier = errors.New("unknown plan tier")

	// ErrUnknownMetric is returned when a metric is not registered in the plan catalog.
	ErrUnknownMetric = errors.New("unknown metric")

	// ErrStoreUnavailable is returned when the counter store times out or fails.
	ErrStoreUnavailable = errors.New("usage store unavailable")

	// ErrBillingSyncFailure is returned when usage could not be reported to billing.
	ErrBillingSyncFailure = errors.New("billing sync failure")

	// ErrInvalidIdentifier is returned when a tenant or metric identifier is
	// empty or contains the counter key separator.
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

// KeySeparator joins the parts of counter store keys.
const KeySeparator = ":"

// ValidateIdentifier checks that a tenant or metric id can be embedded in a
// counter key without colliding with another tuple.
func ValidateIdentifier(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s id is required", ErrInvalidIdentifier, kind)
	}
	if strings.Contains(id, KeySeparator) {
		return fmt.Errorf("%w: %s id %q must not contain %q", ErrInvalidIdentifier, kind, id, KeySeparator)
	}
	return nil
}

// LimitError provides detailed context about a limit violation.
// It wraps one of the sentinel errors so callers can use errors.Is.
type LimitError struct {
	// Type is the error type (rate_limit, quota, credits).
	Type string

	// TenantID is the tenant that hit the limit.
	TenantID string

	// Metric is the metric or route that was limited.
	Metric string

	// Limit is the configured limit value.
	Limit int64

	// Current is the value observed when the limit was hit.
	Current int64

	// RetryAfter is set for rate limit violations.
	RetryAfter time.Duration

	// ResetAt is set for quota violations: the first instant of the next period.
	ResetAt time.Time

	// Err is the underlying sentinel error.
	Err error
}

// Error implements the error interface.
func (e *LimitError) Error() string {
	switch {
	case e.RetryAfter > 0:
		return fmt.Sprintf("%s limit exceeded for %s/%s: current=%d, limit=%d, retry after %s",
			e.Type, e.TenantID, e.Metric, e.Current, e.Limit, e.RetryAfter)
	case !e.ResetAt.IsZero():
		return fmt.Sprintf("%s limit exceeded for %s/%s: current=%d, limit=%d, resets at %s",
			e.Type, e.TenantID, e.Metric, e.Current, e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
	default:
		return fmt.Sprintf("%s limit exceeded for %s/%s: current=%d, limit=%d",
			e.Type, e.TenantID, e.Metric, e.Current, e.Limit)
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *LimitError) Unwrap() error {
	return e.Err
}

// NewRateLimitError builds a rate limit violation carrying the retry delay.
func NewRateLimitError(tenantID, route string, limit, current int64, retryAfter time.Duration) *LimitError {
	return &LimitError{
		Type:       "rate",
		TenantID:   tenantID,
		Metric:     route,
		Limit:      limit,
		Current:    current,
		RetryAfter: retryAfter,
		Err:        ErrRateLimitExceeded,
	}
}

// NewQuotaExceededError builds a quota violation carrying the period reset time.
func NewQuotaExceededError(tenantID, metric string, limit, current int64, resetAt time.Time) *LimitError {
	return &LimitError{
		Type:     "quota",
		TenantID: tenantID,
		Metric:   metric,
		Limit:    limit,
		Current:  current,
		ResetAt:  resetAt,
		Err:      ErrQuotaExceeded,
	}
}

// NewInsufficientCreditsError reports a balance shortfall. Limit is the
// required amount, Current the available amount.
func NewInsufficientCreditsError(tenantID, metric string, required, available int64) *LimitError {
	return &LimitError{
		Type:     "credits",
		TenantID: tenantID,
		Metric:   metric,
		Limit:    required,
		Current:  available,
		Err:      ErrInsufficientCredits,
	}
}

// BillingSyncFailureError is raised by the billing reconciler after retries
// are exhausted for a batch.
type BillingSyncFailureError struct {
	TenantID       string
	Metric         string
	IdempotencyKey string
	Attempts       int
	Err            error
}

// Error implements the error interface.
func (e *BillingSyncFailureError) Error() string {
	return fmt.Sprintf("billing sync failed for %s/%s (batch %s) after %d attempts: %v",
		e.TenantID, e.Metric, e.IdempotencyKey, e.Attempts, e.Err)
}

// Unwrap exposes both the sentinel and the provider error.
func (e *BillingSyncFailureError) Unwrap() []error {
	return []error{ErrBillingSyncFailure, e.Err}
}

// RetryAfter extracts the retry delay from a rate limit error, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var le *LimitError
	if errors.As(err, &le) && le.RetryAfter > 0 {
		return le.RetryAfter, true
	}
	return 0, false
}

// ResetAt extracts the period reset time from a quota error, if any.
func ResetAt(err error) (time.Time, bool) {
	var le *LimitError
	if errors.As(err, &le) && !le.ResetAt.IsZero() {
		return le.ResetAt, true
	}
	return time.Time{}, false
}
