package config

import (
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "store.redis.address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
// It implements the error interface and provides access to all field errors.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. It returns nil if the configuration is valid.
// All validation errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateStore(&cfg.Store)...)
	errs = append(errs, validatePlans(&cfg.Plans, &cfg.Pricing)...)
	errs = append(errs, validateQuota(&cfg.Quota)...)
	errs = append(errs, validateRateLimit(&cfg.RateLimit)...)
	errs = append(errs, validateCredits(&cfg.Credits)...)
	errs = append(errs, validateUsage(&cfg.Usage)...)
	errs = append(errs, validateBilling(&cfg.Billing)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}

	return nil
}

func oneOf(field, value string, options ...string) []FieldError {
	for _, o := range options {
		if value == o {
			return nil
		}
	}
	return []FieldError{{
		Field:   field,
		Message: fmt.Sprintf("invalid value %q: must be one of %s", value, strings.Join(options, ", ")),
	}}
}

func positive(field string, d time.Duration) []FieldError {
	if d <= 0 {
		return []FieldError{{Field: field, Message: "must be positive"}}
	}
	return nil
}

func schedule(field, spec string) []FieldError {
	if spec == "" {
		return []FieldError{{Field: field, Message: "schedule is required"}}
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return []FieldError{{Field: field, Message: fmt.Sprintf("invalid cron schedule %q: %v", spec, err)}}
	}
	return nil
}

// validateServer validates ops server configuration.
func validateServer(cfg *ServerConfig) []FieldError {
	var errs []FieldError

	if cfg.ListenAddress == "" {
		errs = append(errs, FieldError{Field: "server.listen_address", Message: "listen address is required"})
	} else if _, port, err := net.SplitHostPort(cfg.ListenAddress); err != nil || port == "" {
		errs = append(errs, FieldError{
			Field:   "server.listen_address",
			Message: fmt.Sprintf("invalid listen address %q: must be host:port", cfg.ListenAddress),
		})
	}

	errs = append(errs, positive("server.read_timeout", cfg.ReadTimeout)...)
	errs = append(errs, positive("server.write_timeout", cfg.WriteTimeout)...)
	errs = append(errs, positive("server.shutdown_timeout", cfg.ShutdownTimeout)...)
	return errs
}

// validateStore validates counter store configuration.
func validateStore(cfg *StoreConfig) []FieldError {
	errs := oneOf("store.backend", cfg.Backend, "memory", "redis", "sqlite")

	switch cfg.Backend {
	case "redis":
		if cfg.Redis.Address == "" {
			errs = append(errs, FieldError{Field: "store.redis.address", Message: "redis address is required for the redis backend"})
		}
		if cfg.Redis.DB < 0 {
			errs = append(errs, FieldError{Field: "store.redis.db", Message: "db must be non-negative"})
		}
	case "sqlite":
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{Field: "store.sqlite.path", Message: "path is required for the sqlite backend"})
		}
	}

	errs = append(errs, positive("store.timeout", cfg.Timeout)...)

	cb := cfg.CircuitBreaker
	if !cb.Disabled && cb.FailureThreshold > cb.FailureWindow {
		errs = append(errs, FieldError{
			Field:   "store.circuit_breaker.failure_threshold",
			Message: fmt.Sprintf("failure threshold %d exceeds failure window %d", cb.FailureThreshold, cb.FailureWindow),
		})
	}
	return errs
}

// validatePlans validates plan and pricing sources. The tables themselves
// are validated when loaded.
func validatePlans(plans *PlansConfig, pricing *PricingConfig) []FieldError {
	var errs []FieldError

	if plans.Watch && plans.File == "" {
		errs = append(errs, FieldError{Field: "plans.watch", Message: "watch requires plans.file"})
	}

	tenants := make([]string, 0, len(plans.Tenants))
	for tenant := range plans.Tenants {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)
	for _, tenant := range tenants {
		if tenant == "" {
			errs = append(errs, FieldError{Field: "plans.tenants", Message: "tenant id cannot be empty"})
		}
		if plans.Tenants[tenant] == "" {
			errs = append(errs, FieldError{Field: "plans.tenants." + tenant, Message: "tier cannot be empty"})
		}
	}

	if pricing.Watch && pricing.File == "" {
		errs = append(errs, FieldError{Field: "pricing.watch", Message: "watch requires pricing.file"})
	}
	if pricing.DefaultCentsPerUnit.IsNegative() {
		errs = append(errs, FieldError{Field: "pricing.default_cents_per_unit", Message: "rate cannot be negative"})
	}
	return errs
}

// validateQuota validates quota policy.
func validateQuota(cfg *QuotaConfig) []FieldError {
	var errs []FieldError
	errs = append(errs, positive("quota.reservation_grace_period", cfg.ReservationGracePeriod)...)
	errs = append(errs, schedule("quota.sweep_schedule", cfg.SweepSchedule)...)
	if cfg.ReleaseAttempts < 1 {
		errs = append(errs, FieldError{Field: "quota.release_attempts", Message: "at least one attempt is required"})
	}
	errs = append(errs, positive("quota.release_backoff", cfg.ReleaseBackoff)...)
	return errs
}

func validateRouteLimit(field string, limit RouteLimit) []FieldError {
	var errs []FieldError
	if limit.Limit < 0 {
		errs = append(errs, FieldError{Field: field + ".limit", Message: "limit cannot be negative"})
	}
	errs = append(errs, positive(field+".window", limit.Window)...)
	return errs
}

// validateRateLimit validates rate limit configuration.
func validateRateLimit(cfg *RateLimitConfig) []FieldError {
	var errs []FieldError
	errs = append(errs, positive("rate_limit.store_retry_after", cfg.StoreRetryAfter)...)
	errs = append(errs, validateRouteLimit("rate_limit.default", cfg.Default)...)

	routes := make([]string, 0, len(cfg.Routes))
	for route := range cfg.Routes {
		routes = append(routes, route)
	}
	sort.Strings(routes)
	for _, route := range routes {
		if route == "" || route == "*" {
			errs = append(errs, FieldError{Field: "rate_limit.routes", Message: fmt.Sprintf("invalid route %q", route)})
			continue
		}
		errs = append(errs, validateRouteLimit("rate_limit.routes."+route, cfg.Routes[route])...)
	}
	return errs
}

// validateCredits validates credit store configuration.
func validateCredits(cfg *CreditsConfig) []FieldError {
	errs := oneOf("credits.backend", cfg.Backend, "memory", "sqlite")
	if cfg.Backend == "sqlite" && cfg.SQLite.Path == "" {
		errs = append(errs, FieldError{Field: "credits.sqlite.path", Message: "path is required for the sqlite backend"})
	}
	if cfg.RefillSchedule != "" {
		errs = append(errs, schedule("credits.refill_schedule", cfg.RefillSchedule)...)
	}
	return errs
}

// validateUsage validates usage ledger configuration.
func validateUsage(cfg *UsageConfig) []FieldError {
	errs := oneOf("usage.backend", cfg.Backend, "memory", "sqlite")
	if cfg.Backend == "sqlite" {
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{Field: "usage.sqlite.path", Message: "path is required for the sqlite backend"})
		}
		if cfg.SQLite.MaxOpenConns < 1 {
			errs = append(errs, FieldError{Field: "usage.sqlite.max_open_conns", Message: "must be at least 1"})
		}
	}
	return errs
}

// validateBilling validates billing configuration.
func validateBilling(cfg *BillingConfig) []FieldError {
	errs := oneOf("billing.provider", cfg.Provider, "stripe", "log")
	errs = append(errs, schedule("billing.reconcile_schedule", cfg.ReconcileSchedule)...)

	if cfg.BatchLimit < 1 {
		errs = append(errs, FieldError{Field: "billing.batch_limit", Message: "must be at least 1"})
	}
	if cfg.Retry.MaxRetries < 0 {
		errs = append(errs, FieldError{Field: "billing.retry.max_retries", Message: "cannot be negative"})
	}
	errs = append(errs, positive("billing.retry.base_delay", cfg.Retry.BaseDelay)...)
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		errs = append(errs, FieldError{Field: "billing.retry.max_delay", Message: "must not be less than base_delay"})
	}

	if cfg.Enabled && cfg.Provider == "stripe" {
		if cfg.Stripe.SecretKey == "" {
			errs = append(errs, FieldError{Field: "billing.stripe.secret_key", Message: "secret key is required for the stripe provider"})
		} else if !strings.HasPrefix(cfg.Stripe.SecretKey, "sk_") && !strings.HasPrefix(cfg.Stripe.SecretKey, "rk_") {
			errs = append(errs, FieldError{Field: "billing.stripe.secret_key", Message: "secret key must start with sk_ or rk_"})
		}
		if len(cfg.Stripe.SubscriptionItems) == 0 {
			errs = append(errs, FieldError{Field: "billing.stripe.subscription_items", Message: "at least one subscription item mapping is required"})
		}
	}
	return errs
}

// validateTelemetry validates telemetry configuration.
func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	errs = append(errs, oneOf("telemetry.logging.level", cfg.Logging.Level, "debug", "info", "warn", "error")...)
	errs = append(errs, oneOf("telemetry.logging.format", cfg.Logging.Format, "json", "text", "console")...)

	for i, p := range cfg.Logging.RedactPatterns {
		if _, err := regexp.Compile(p.Pattern); err != nil {
			errs = append(errs, FieldError{
				Field:   fmt.Sprintf("telemetry.logging.redact_patterns[%d].pattern", i),
				Message: fmt.Sprintf("invalid regular expression: %v", err),
			})
		}
	}

	if cfg.Metrics.IsEnabled() && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{Field: "telemetry.metrics.path", Message: "metrics path must start with /"})
	}
	if !sort.Float64sAreSorted(cfg.Metrics.DecisionDurationBuckets) {
		errs = append(errs, FieldError{Field: "telemetry.metrics.decision_duration_buckets", Message: "buckets must be sorted"})
	}

	for field, path := range map[string]string{
		"telemetry.health.liveness_path":  cfg.Health.LivenessPath,
		"telemetry.health.readiness_path": cfg.Health.ReadinessPath,
		"telemetry.health.version_path":   cfg.Health.VersionPath,
	} {
		if !strings.HasPrefix(path, "/") {
			errs = append(errs, FieldError{Field: field, Message: "path must start with /"})
		}
	}
	errs = append(errs, positive("telemetry.health.check_timeout", cfg.Health.CheckTimeout)...)
	return errs
}
