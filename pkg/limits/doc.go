// Package limits holds the denial reasons and error types shared by the
// admission pipeline.
//
// # Architecture
//
// The enforcement components live in sub-packages:
//
//   - storage: atomic usage counters (memory, SQLite, Redis) behind a
//     timeout and circuit breaker
//   - quota: per-tenant, per-metric, per-period quotas with reservations
//   - ratelimit: fixed-window request limits per tenant and route
//
// # Errors
//
// Denials are *LimitError values wrapping a sentinel, so callers branch with
// errors.Is and read the details with errors.As:
//
//	if errors.Is(res.Err, limits.ErrQuotaExceeded) {
//	    resetAt, _ := limits.ResetAt(res.Err)
//	    ...
//	}
//	if retryAfter, ok := limits.RetryAfter(res.Err); ok {
//	    w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
//	}
//
// Infrastructure failures (ErrStoreUnavailable, ErrBillingSyncFailure) are
// returned as errors rather than denials.
package limits
