// Package storage provides counter stores for quotas and rate-limit windows.
//
// # Overview
//
// CounterStore exposes one atomic primitive, IncrementIfUnder, plus plain
// increment and decrement. Implementations:
//
//   - Memory: in-process map behind a mutex (default, no persistence)
//   - Redis: Lua scripts, shared by every guardian instance
//   - SQLite: file-backed, single instance, survives restarts
//
// Guarded wraps any store with a per-call timeout and a circuit breaker so
// a slow backend degrades into limits.ErrStoreUnavailable quickly.
//
// # Usage
//
//	store := storage.NewGuarded(storage.NewMemoryStore(), storage.GuardConfig{Timeout: 50 * time.Millisecond})
//	res, err := store.IncrementIfUnder(ctx, "q:acme:designs_created:202601", 1, 100, 62*24*time.Hour)
//	if errors.Is(err, limits.ErrStoreUnavailable) {
//	    // apply fail policy
//	}
//
// # Thread Safety
//
// All stores are safe for concurrent use. Redis additionally guarantees
// atomicity across processes.
package storage
