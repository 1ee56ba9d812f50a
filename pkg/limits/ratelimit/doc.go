// Package ratelimit provides fixed-window request limits per tenant and route.
//
// # Overview
//
// Every (tenant, route, window) triple maps to one counter in a
// storage.CounterStore:
//
//	rl:<tenant>:<route>:<floor(now / window)>
//
// The counter expires with its window. Admission is one atomic
// increment-if-under, so concurrent requests in the same window never
// exceed the limit, across processes when the store is Redis.
//
// # Usage
//
//	limiter := ratelimit.NewLimiter(store, ratelimit.Config{
//	    Default: ratelimit.Rule{Limit: 60, Window: time.Minute},
//	}, nil)
//	d, err := limiter.AllowRoute(ctx, "acme", "/v1/designs")
//	if err == nil && !d.Allowed {
//	    // respond 429 with Retry-After: d.RetryAfter
//	}
//
// # Store Failures
//
// The limiter fails closed by default: an unavailable store rejects the
// request with RetryAfter of one second and Degraded set. Config.FailOpen
// admits instead.
package ratelimit
