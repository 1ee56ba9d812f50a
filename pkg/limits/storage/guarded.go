package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"luneo-hq/guardian/pkg/limits"
)

// GuardConfig bounds how long and how often a slow or failing backend is
// consulted.
type GuardConfig struct {
	// Timeout caps every call.
	// Default: 50ms
	Timeout time.Duration

	// FailureThreshold failures out of FailureWindow calls open the breaker.
	// Default: 5 of 10
	FailureThreshold uint
	FailureWindow    uint

	// OpenDelay is how long the breaker stays open before probing.
	// Default: 5s
	OpenDelay time.Duration

	// SuccessThreshold is the number of half-open successes needed to close.
	// Default: 2
	SuccessThreshold uint

	// OnStateChange is called with "closed", "half-open" or "open".
	OnStateChange func(state string)
}

// Guarded decorates a CounterStore with a per-call timeout and a circuit
// breaker. While the breaker is open, calls fail immediately with
// limits.ErrStoreUnavailable instead of waiting on the backend.
type Guarded struct {
	inner   CounterStore
	timeout time.Duration
	breaker circuitbreaker.CircuitBreaker[any]
	logger  *slog.Logger
}

// NewGuarded wraps inner.
func NewGuarded(inner CounterStore, cfg GuardConfig) *Guarded {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 50 * time.Millisecond
	}
	if cfg.FailureWindow == 0 {
		cfg.FailureWindow = 10
	}
	if cfg.FailureThreshold == 0 || cfg.FailureThreshold > cfg.FailureWindow {
		cfg.FailureThreshold = (cfg.FailureWindow + 1) / 2
	}
	if cfg.OpenDelay <= 0 {
		cfg.OpenDelay = 5 * time.Second
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}

	logger := slog.Default().With("component", "storage.guard")

	breaker := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(cfg.FailureThreshold, cfg.FailureWindow).
		WithDelay(cfg.OpenDelay).
		WithSuccessThreshold(cfg.SuccessThreshold).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			from, to := stateName(event.OldState), stateName(event.NewState)
			logger.Warn("counter store circuit breaker state change", "from_state", from, "to_state", to)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(to)
			}
		}).
		Build()

	return &Guarded{
		inner:   inner,
		timeout: cfg.Timeout,
		breaker: breaker,
		logger:  logger,
	}
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}

// State returns "closed", "half-open" or "open".
func (g *Guarded) State() string {
	return stateName(g.breaker.State())
}

// call runs fn under the timeout and breaker. Result values travel through
// the closure so the breaker can stay untyped.
func (g *Guarded) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := failsafe.With(g.breaker).WithContext(ctx).Get(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return nil, fn(callCtx)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %s: circuit open", limits.ErrStoreUnavailable, op)
	}
	if errors.Is(err, limits.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", limits.ErrStoreUnavailable, op, err)
}

// IncrementIfUnder delegates to the wrapped store.
func (g *Guarded) IncrementIfUnder(ctx context.Context, key string, units, limit int64, ttl time.Duration) (IncrementResult, error) {
	var res IncrementResult
	err := g.call(ctx, "increment-if-under", func(ctx context.Context) error {
		var err error
		res, err = g.inner.IncrementIfUnder(ctx, key, units, limit, ttl)
		return err
	})
	return res, err
}

// Increment delegates to the wrapped store.
func (g *Guarded) Increment(ctx context.Context, key string, units int64, ttl time.Duration) (int64, error) {
	var n int64
	err := g.call(ctx, "increment", func(ctx context.Context) error {
		var err error
		n, err = g.inner.Increment(ctx, key, units, ttl)
		return err
	})
	return n, err
}

// Decrement delegates to the wrapped store.
func (g *Guarded) Decrement(ctx context.Context, key string, units int64) (int64, error) {
	var n int64
	err := g.call(ctx, "decrement", func(ctx context.Context) error {
		var err error
		n, err = g.inner.Decrement(ctx, key, units)
		return err
	})
	return n, err
}

// Get delegates to the wrapped store.
func (g *Guarded) Get(ctx context.Context, key string) (int64, error) {
	var n int64
	err := g.call(ctx, "get", func(ctx context.Context) error {
		var err error
		n, err = g.inner.Get(ctx, key)
		return err
	})
	return n, err
}

// Delete delegates to the wrapped store.
func (g *Guarded) Delete(ctx context.Context, key string) error {
	return g.call(ctx, "delete", func(ctx context.Context) error {
		return g.inner.Delete(ctx, key)
	})
}

// Ping bypasses the breaker so health checks observe the backend directly.
func (g *Guarded) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.inner.Ping(ctx)
}

// Close closes the wrapped store.
func (g *Guarded) Close() error {
	return g.inner.Close()
}
