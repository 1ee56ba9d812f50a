package ratelimit

import (
	"time"

	"luneo-hq/guardian/pkg/limits"
)

// Rule is a request budget per fixed window.
type Rule struct {
	// Limit is the number of requests allowed per window. Zero or less
	// disables rate limiting for the route.
	Limit int64 `yaml:"limit"`

	// Window is the window length.
	Window time.Duration `yaml:"window"`
}

// Enabled reports whether the rule limits anything.
func (r Rule) Enabled() bool {
	return r.Limit > 0 && r.Window > 0
}

// Config contains limiter configuration.
type Config struct {
	// FailOpen admits requests when the counter store is unavailable.
	// Default: false (fail closed with RetryAfter = StoreRetryAfter)
	FailOpen bool

	// StoreRetryAfter is the RetryAfter reported when failing closed.
	// Default: 1 second
	StoreRetryAfter time.Duration

	// Default applies to routes without a specific rule.
	Default Rule

	// Routes maps a route (or route prefix ending in "*") to its rule.
	Routes map[string]Rule

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Decision contains the result of a rate limit check.
type Decision struct {
	// Allowed indicates if the request is permitted.
	Allowed bool

	// Reason is set when Allowed is false.
	Reason limits.Reason

	// Limit is the configured limit value, -1 when disabled.
	Limit int64

	// Remaining is how many requests remain in the window, -1 when disabled.
	Remaining int64

	// Reset is when the current window ends.
	Reset time.Time

	// RetryAfter suggests how long to wait before retrying.
	RetryAfter time.Duration

	// Degraded is set when the store was unavailable and the fail policy decided.
	Degraded bool

	// Err is the typed denial (limits.ErrRateLimitExceeded or
	// limits.ErrStoreUnavailable) when Allowed is false.
	Err error
}

// Observer receives rate limit outcomes for metrics.
type Observer interface {
	// RateLimitDecision is called with outcome allowed, limited,
	// disabled or degraded.
	RateLimitDecision(route, outcome string)
}

type nopObserver struct{}

func (nopObserver) RateLimitDecision(string, string) {}
