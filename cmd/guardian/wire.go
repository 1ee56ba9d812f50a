package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"luneo-hq/guardian/pkg/admission"
	"luneo-hq/guardian/pkg/billing"
	"luneo-hq/guardian/pkg/config"
	"luneo-hq/guardian/pkg/credits"
	"luneo-hq/guardian/pkg/limits/quota"
	"luneo-hq/guardian/pkg/limits/ratelimit"
	"luneo-hq/guardian/pkg/limits/storage"
	"luneo-hq/guardian/pkg/plans"
	"luneo-hq/guardian/pkg/pricing"
	"luneo-hq/guardian/pkg/scheduler"
	"luneo-hq/guardian/pkg/telemetry"
	"luneo-hq/guardian/pkg/telemetry/health"
	"luneo-hq/guardian/pkg/usage"
)

// components is everything the run command builds from one configuration.
type components struct {
	catalog    *plans.Catalog
	tenants    *plans.Assignments
	estimator  *pricing.Estimator
	counters   storage.CounterStore
	guarded    *storage.Guarded
	credits    credits.Store
	ledger     usage.Ledger
	quota      *quota.Manager
	limiter    *ratelimit.Limiter
	gate       *admission.Gate
	reconciler *billing.Reconciler

	closers []io.Closer
}

// buildComponents opens every store and wires the admission pipeline. On
// error, whatever was already opened is closed.
func buildComponents(cfg *config.Config, tel *telemetry.Telemetry) (_ *components, err error) {
	c := &components{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	if c.catalog, err = openCatalog(cfg); err != nil {
		return nil, err
	}
	if c.tenants, err = openAssignments(cfg, c.catalog); err != nil {
		return nil, err
	}
	if c.estimator, err = openEstimator(cfg); err != nil {
		return nil, err
	}

	c.counters, c.guarded, err = openCounterStore(cfg.Store, tel.Metrics.StoreBreakerState)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, c.counters)

	if cfg.Credits.IsEnabled() {
		if c.credits, err = openCreditStore(cfg.Credits); err != nil {
			return nil, err
		}
		c.closers = append(c.closers, c.credits)
	}

	if c.ledger, err = openLedger(cfg.Usage); err != nil {
		return nil, err
	}
	c.closers = append(c.closers, c.ledger)

	deps := quota.Deps{
		Catalog:  c.catalog,
		Tenants:  c.tenants,
		Store:    c.counters,
		Credits:  c.credits,
		Ledger:   c.ledger,
		Observer: tel.Metrics,
		Logger:   tel.Logger.With("component", "quota"),
	}
	c.quota, err = quota.NewManager(quota.Config{
		FailOpen:        cfg.Quota.FailOpenEnabled(),
		GracePeriod:     cfg.Quota.ReservationGracePeriod,
		ReleaseAttempts: cfg.Quota.ReleaseAttempts,
		ReleaseBackoff:  cfg.Quota.ReleaseBackoff,
	}, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create quota manager: %w", err)
	}

	c.limiter = ratelimit.NewLimiter(c.counters, rateLimitConfig(cfg.RateLimit), tel.Metrics)

	c.gate, err = admission.NewGate(admission.Deps{
		Limiter:   c.limiter,
		Quota:     c.quota,
		Estimator: c.estimator,
		Converter: credits.NewConverter(c.catalog),
		Sink: admission.MultiSink{
			admission.LogSink{Logger: tel.Logger.With("component", "admission")},
			admission.MetricsSink{Recorder: tel.Metrics},
		},
		Logger: tel.Logger.With("component", "admission"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create admission gate: %w", err)
	}

	if cfg.Billing.Enabled {
		if c.reconciler, err = newReconciler(cfg.Billing, c.ledger, tel); err != nil {
			return nil, err
		}
	}

	registerHealthChecks(tel.Health, c)
	return c, nil
}

// Close closes stores in reverse opening order.
func (c *components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// applyConfig reloads plan and pricing tables and tenant assignments from
// cfg. The previous state is kept for any part that fails.
func (c *components) applyConfig(cfg *config.Config) error {
	var errs []error

	table, err := loadPlanTable(cfg.Plans)
	if err == nil {
		err = c.catalog.Swap(table)
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("plans: %w", err))
	}

	prices, err := loadPricingTable(cfg.Pricing)
	if err == nil {
		err = c.estimator.Swap(prices)
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("pricing: %w", err))
	}

	if err := checkTiers(cfg.Plans, c.catalog); err != nil {
		errs = append(errs, err)
	} else {
		current := c.tenants.Snapshot()
		for tenantID, tier := range cfg.Plans.Tenants {
			c.tenants.SetTier(tenantID, plans.Tier(tier))
			delete(current, tenantID)
		}
		for tenantID := range current {
			c.tenants.Remove(tenantID)
		}
	}

	return errors.Join(errs...)
}

func registerHealthChecks(checker *health.Checker, c *components) {
	checker.RegisterCheck("counter_store", health.PingCheck(c.counters))
	if c.guarded != nil {
		checker.RegisterCheck("store_breaker", health.BreakerCheck(c.guarded.State))
	}
	if p, ok := c.ledger.(health.Pinger); ok {
		checker.RegisterCriticalCheck("usage_ledger", health.PingCheck(p))
	}
}

// sweepJob runs the reservation sweep and publishes the open reservation
// count afterwards.
func sweepJob(c *components, schedule string, tel *telemetry.Telemetry) scheduler.Job {
	job := c.gate.SweepJob(schedule)
	run := job.Run
	job.Run = func(ctx context.Context) error {
		err := run(ctx)
		tel.Metrics.SetOpenReservations(c.quota.OpenReservations())
		return err
	}
	return job
}

// refillJob grants the monthly credit allowance to every assigned tenant.
// Refills are idempotent per tenant and month, so a missed or repeated run
// is harmless.
func refillJob(c *components, schedule string, logger *slog.Logger) scheduler.Job {
	return scheduler.Job{
		Name:     "credits-refill",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			now := time.Now()
			var errs []error
			for tenantID, tier := range c.tenants.Snapshot() {
				granted, err := credits.Refill(ctx, c.credits, c.catalog, tenantID, tier, now)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if granted > 0 {
					logger.Info("credits refilled", "tenant_id", tenantID, "tier", tier, "credits", granted)
				}
			}
			return errors.Join(errs...)
		},
	}
}

func loadPlanTable(cfg config.PlansConfig) (*plans.Table, error) {
	if cfg.File == "" {
		return plans.DefaultTable(), nil
	}
	return plans.LoadTable(cfg.File)
}

func openCatalog(cfg *config.Config) (*plans.Catalog, error) {
	table, err := loadPlanTable(cfg.Plans)
	if err != nil {
		return nil, fmt.Errorf("failed to load plans: %w", err)
	}
	catalog, err := plans.NewCatalog(table)
	if err != nil {
		return nil, fmt.Errorf("invalid plan table: %w", err)
	}
	return catalog, nil
}

// checkTiers verifies the default tier and every tenant tier exist in the
// catalog.
func checkTiers(cfg config.PlansConfig, catalog *plans.Catalog) error {
	var errs []error
	if _, err := catalog.Plan(plans.Tier(cfg.DefaultTier)); err != nil {
		errs = append(errs, fmt.Errorf("plans.default_tier: %w", err))
	}
	for tenantID, tier := range cfg.Tenants {
		if _, err := catalog.Plan(plans.Tier(tier)); err != nil {
			errs = append(errs, fmt.Errorf("plans.tenants.%s: %w", tenantID, err))
		}
	}
	return errors.Join(errs...)
}

func openAssignments(cfg *config.Config, catalog *plans.Catalog) (*plans.Assignments, error) {
	if err := checkTiers(cfg.Plans, catalog); err != nil {
		return nil, err
	}
	initial := make(map[string]plans.Tier, len(cfg.Plans.Tenants))
	for tenantID, tier := range cfg.Plans.Tenants {
		initial[tenantID] = plans.Tier(tier)
	}
	return plans.NewAssignments(plans.Tier(cfg.Plans.DefaultTier), initial), nil
}

// loadPricingTable loads the pricing file, or the built-in table, and applies
// the configured fallback rate on top.
func loadPricingTable(cfg config.PricingConfig) (*pricing.Table, error) {
	table := pricing.DefaultTable()
	if cfg.File != "" {
		loaded, err := pricing.LoadTable(cfg.File)
		if err != nil {
			return nil, err
		}
		table = loaded
	}
	if cfg.DefaultCentsPerUnit.IsPositive() {
		table.DefaultCentsPerUnit = cfg.DefaultCentsPerUnit
	}
	return table, nil
}

func openEstimator(cfg *config.Config) (*pricing.Estimator, error) {
	table, err := loadPricingTable(cfg.Pricing)
	if err != nil {
		return nil, fmt.Errorf("failed to load pricing: %w", err)
	}
	estimator, err := pricing.NewEstimator(table)
	if err != nil {
		return nil, fmt.Errorf("invalid pricing table: %w", err)
	}
	return estimator, nil
}

// openCounterStore opens the configured backend and, unless disabled, wraps
// it in a timeout and circuit breaker. guarded is nil when unwrapped.
func openCounterStore(cfg config.StoreConfig, onStateChange func(string)) (store storage.CounterStore, guarded *storage.Guarded, err error) {
	var inner storage.CounterStore
	switch cfg.Backend {
	case "redis":
		inner, err = storage.NewRedisStore(storage.RedisConfig{
			Addr:      cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			PoolSize:  cfg.Redis.PoolSize,
		})
	case "sqlite":
		inner, err = storage.NewSQLiteStore(storage.SQLiteConfig{
			DBPath:      cfg.SQLite.Path,
			BusyTimeout: cfg.SQLite.BusyTimeout,
		})
	default:
		inner = storage.NewMemoryStoreWithConfig(storage.MemoryConfig{
			MaxEntries:      cfg.Memory.MaxEntries,
			CleanupInterval: cfg.Memory.CleanupInterval,
		})
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s counter store: %w", cfg.Backend, err)
	}

	if cfg.CircuitBreaker.Disabled {
		return inner, nil, nil
	}

	guarded = storage.NewGuarded(inner, storage.GuardConfig{
		Timeout:          cfg.Timeout,
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		FailureWindow:    cfg.CircuitBreaker.FailureWindow,
		OpenDelay:        cfg.CircuitBreaker.OpenDelay,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		OnStateChange:    onStateChange,
	})
	return guarded, guarded, nil
}

func openCreditStore(cfg config.CreditsConfig) (credits.Store, error) {
	if cfg.Backend == "memory" {
		return credits.NewMemoryStore(), nil
	}
	store, err := credits.NewSQLiteStore(credits.SQLiteConfig{
		Path:        cfg.SQLite.Path,
		BusyTimeout: cfg.SQLite.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open credit store: %w", err)
	}
	return store, nil
}

func openLedger(cfg config.UsageConfig) (usage.Ledger, error) {
	if cfg.Backend == "memory" {
		return usage.NewMemoryLedger(), nil
	}
	ledger, err := usage.NewSQLiteLedger(&usage.SQLiteConfig{
		Path:         cfg.SQLite.Path,
		MaxOpenConns: cfg.SQLite.MaxOpenConns,
		WALMode:      cfg.SQLite.WALMode,
		BusyTimeout:  cfg.SQLite.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open usage ledger: %w", err)
	}
	return ledger, nil
}

func rateLimitConfig(cfg config.RateLimitConfig) ratelimit.Config {
	routes := make(map[string]ratelimit.Rule, len(cfg.Routes))
	for route, limit := range cfg.Routes {
		routes[route] = ratelimit.Rule{Limit: limit.Limit, Window: limit.Window}
	}
	return ratelimit.Config{
		FailOpen:        cfg.FailOpen,
		StoreRetryAfter: cfg.StoreRetryAfter,
		Default:         ratelimit.Rule{Limit: cfg.Default.Limit, Window: cfg.Default.Window},
		Routes:          routes,
	}
}

func newProvider(cfg config.BillingConfig, logger *slog.Logger) (billing.Provider, error) {
	if cfg.Provider != "stripe" {
		return billing.NewLogProvider(logger.With("component", "billing")), nil
	}
	provider, err := billing.NewStripeProvider(billing.StripeConfig{
		SecretKey:         cfg.Stripe.SecretKey,
		SubscriptionItems: cfg.Stripe.SubscriptionItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stripe provider: %w", err)
	}
	return provider, nil
}

func newReconciler(cfg config.BillingConfig, ledger usage.Ledger, tel *telemetry.Telemetry) (*billing.Reconciler, error) {
	provider, err := newProvider(cfg, tel.Logger)
	if err != nil {
		return nil, err
	}
	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{
		BatchLimit: cfg.BatchLimit,
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
		Schedule:   cfg.ReconcileSchedule,
	}, ledger, provider, billing.LogAlerter{Logger: tel.Logger.With("component", "billing")}, tel.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}
	return reconciler, nil
}
