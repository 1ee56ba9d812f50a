package storage

import (
	"context"
	"time"
)

// CounterStore holds usage counters and rate-limit windows.
// Implementations must be safe for concurrent use, and every mutating
// method must be a single atomic operation on the backend.
//
// Backend failures are returned wrapped in limits.ErrStoreUnavailable so the
// caller can apply its fail-open or fail-closed policy.
type CounterStore interface {
	// IncrementIfUnder adds units to key only if the result stays <= limit.
	// The key expires ttl after its first increment; a zero ttl never expires.
	IncrementIfUnder(ctx context.Context, key string, units, limit int64, ttl time.Duration) (IncrementResult, error)

	// Increment adds units unconditionally and returns the new count.
	Increment(ctx context.Context, key string, units int64, ttl time.Duration) (int64, error)

	// Decrement subtracts units, flooring at zero, and returns the new count.
	Decrement(ctx context.Context, key string, units int64) (int64, error)

	// Get returns the current count, or zero for a missing key.
	Get(ctx context.Context, key string) (int64, error)

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// Ping checks backend health.
	Ping(ctx context.Context) error

	// Close releases resources. The store must not be used afterwards.
	Close() error
}

// IncrementResult is the outcome of IncrementIfUnder.
type IncrementResult struct {
	// Admitted is true when the units were added.
	Admitted bool

	// Count is the counter after the call: the new value when admitted,
	// the unchanged value when not.
	Count int64

	// Remaining is limit - Count, never negative.
	Remaining int64
}

func newResult(admitted bool, count, limit int64) IncrementResult {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return IncrementResult{Admitted: admitted, Count: count, Remaining: remaining}
}
