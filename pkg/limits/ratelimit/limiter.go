package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"luneo-hq/guardian/pkg/limits"
	"luneo-hq/guardian/pkg/limits/storage"
)

// Limiter enforces fixed-window request limits per tenant and route.
//
// Each window is one counter keyed rl:tenant:route:floor(now/window) with a
// TTL of one window. The count hard-resets at every window boundary, so a
// burst straddling a boundary may see up to twice the limit; within one
// window the limit is exact because admission is a single atomic
// increment-if-under.
type Limiter struct {
	store    storage.CounterStore
	config   Config
	prefixes []string
	observer Observer
	logger   *slog.Logger
}

// NewLimiter creates a limiter on store.
//
// Example:
//
//	limiter := ratelimit.NewLimiter(store, ratelimit.Config{
//	    Default: ratelimit.Rule{Limit: 60, Window: time.Minute},
//	    Routes: map[string]ratelimit.Rule{
//	        "/v1/ai/generate": {Limit: 10, Window: time.Minute},
//	        "/v1/renders/*":   {Limit: 30, Window: time.Minute},
//	    },
//	}, nil)
func NewLimiter(store storage.CounterStore, config Config, observer Observer) *Limiter {
	if config.StoreRetryAfter <= 0 {
		config.StoreRetryAfter = time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if observer == nil {
		observer = nopObserver{}
	}

	// Longest prefix first.
	var prefixes []string
	for route := range config.Routes {
		if strings.HasSuffix(route, "*") {
			prefixes = append(prefixes, route)
		}
	}
	sort.Slice(prefixes, func(i, j int) bool {
		if len(prefixes[i]) != len(prefixes[j]) {
			return len(prefixes[i]) > len(prefixes[j])
		}
		return prefixes[i] < prefixes[j]
	})

	return &Limiter{
		store:    store,
		config:   config,
		prefixes: prefixes,
		observer: observer,
		logger:   slog.Default().With("component", "ratelimit"),
	}
}

// LimitFor returns the rule for route: an exact match, then the longest
// matching prefix rule, then the default.
func (l *Limiter) LimitFor(route string) Rule {
	if rule, ok := l.config.Routes[route]; ok {
		return rule
	}
	for _, p := range l.prefixes {
		if strings.HasPrefix(route, strings.TrimSuffix(p, "*")) {
			return l.config.Routes[p]
		}
	}
	return l.config.Default
}

// WindowKey returns the counter key for the window containing now. The route
// may contain colons since the tenant id cannot and the window is numeric.
func WindowKey(tenantID, route string, window time.Duration, now time.Time) string {
	return fmt.Sprintf("rl:%s:%s:%d", tenantID, route, now.UnixNano()/int64(window))
}

// AllowRoute checks the configured rule for route.
func (l *Limiter) AllowRoute(ctx context.Context, tenantID, route string) (*Decision, error) {
	rule := l.LimitFor(route)
	return l.Allow(ctx, tenantID, route, rule.Limit, rule.Window)
}

// Allow counts one request for tenant on route against limit per window.
// Denials are returned as a Decision with Allowed=false, not as an error.
func (l *Limiter) Allow(ctx context.Context, tenantID, route string, limit int64, window time.Duration) (*Decision, error) {
	if err := limits.ValidateIdentifier("tenant", tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 || window <= 0 {
		l.observer.RateLimitDecision(route, "disabled")
		return &Decision{Allowed: true, Limit: -1, Remaining: -1}, nil
	}

	now := l.config.Now()
	windowStart := time.Unix(0, now.UnixNano()/int64(window)*int64(window))
	reset := windowStart.Add(window)

	res, err := l.store.IncrementIfUnder(ctx, WindowKey(tenantID, route, window, now), 1, limit, window)
	if err != nil {
		return l.degrade(tenantID, route, limit, reset, err), nil
	}

	d := &Decision{
		Allowed:   res.Admitted,
		Limit:     limit,
		Remaining: res.Remaining,
		Reset:     reset,
	}
	if !res.Admitted {
		d.Reason = limits.ReasonRateLimited
		d.RetryAfter = reset.Sub(now)
		d.Err = limits.NewRateLimitError(tenantID, route, limit, res.Count, d.RetryAfter)
		l.observer.RateLimitDecision(route, "limited")
		return d, nil
	}

	l.observer.RateLimitDecision(route, "allowed")
	return d, nil
}

func (l *Limiter) degrade(tenantID, route string, limit int64, reset time.Time, err error) *Decision {
	l.observer.RateLimitDecision(route, "degraded")

	if l.config.FailOpen {
		l.logger.Error("counter store unavailable, admitting without rate limit",
			"tenant_id", tenantID, "route", route, "error", err)
		return &Decision{Allowed: true, Limit: limit, Remaining: -1, Reset: reset, Degraded: true}
	}

	l.logger.Error("counter store unavailable, rejecting request",
		"tenant_id", tenantID, "route", route, "error", err)
	return &Decision{
		Allowed:    false,
		Reason:     limits.ReasonStoreUnavailable,
		Limit:      limit,
		Remaining:  0,
		Reset:      reset,
		RetryAfter: l.config.StoreRetryAfter,
		Degraded:   true,
		Err:        fmt.Errorf("rate limit check for %s: %w", tenantID, limits.ErrStoreUnavailable),
	}
}
