package config

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure for the usage guardian.
// It contains all configuration sections for the ops server, counter store,
// plan and pricing tables, quota and rate limit policies, credit and usage
// storage, billing and telemetry.
type Config struct {
	// Server contains the ops HTTP server configuration (health, readiness
	// and metrics endpoints).
	Server ServerConfig `yaml:"server"`

	// Store contains the counter store configuration shared by quotas and
	// rate limits.
	Store StoreConfig `yaml:"store"`

	// Plans contains the plan catalog source and tenant assignments.
	Plans PlansConfig `yaml:"plans"`

	// Pricing contains the cost table source.
	Pricing PricingConfig `yaml:"pricing"`

	// Quota contains quota reservation policy.
	Quota QuotaConfig `yaml:"quota"`

	// RateLimit contains per-route request rate limits.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Credits contains the credit balance store configuration.
	Credits CreditsConfig `yaml:"credits"`

	// Usage contains the usage event ledger configuration.
	Usage UsageConfig `yaml:"usage"`

	// Billing contains the billing provider and reconciler configuration.
	Billing BillingConfig `yaml:"billing"`

	// Telemetry contains logging, metrics and health check configuration.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig contains configuration for the ops HTTP server.
type ServerConfig struct {
	// ListenAddress is the address the ops server binds to.
	// Default: "127.0.0.1:9090"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout is the maximum duration for reading a request.
	// Default: 10s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out a response write.
	// Default: 10s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is the keep-alive timeout.
	// Default: 60s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig contains counter store configuration.
type StoreConfig struct {
	// Backend selects the counter store.
	// Options: "memory", "redis", "sqlite"
	// Default: "memory"
	Backend string `yaml:"backend"`

	// Timeout caps every store call.
	// Default: 50ms
	Timeout time.Duration `yaml:"timeout"`

	// Redis contains Redis connection settings.
	Redis RedisConfig `yaml:"redis"`

	// SQLite contains SQLite counter store settings.
	SQLite StoreSQLiteConfig `yaml:"sqlite"`

	// Memory contains in-memory store settings.
	Memory StoreMemoryConfig `yaml:"memory"`

	// CircuitBreaker configures the breaker in front of the store.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	// Address is host:port.
	// Default: "localhost:6379"
	Address string `yaml:"address"`

	// Password is optional. Prefer GUARDIAN_STORE_REDIS_PASSWORD.
	Password string `yaml:"password"`

	// DB selects the logical database.
	// Default: 0
	DB int `yaml:"db"`

	// KeyPrefix namespaces every key.
	// Default: "guardian:"
	KeyPrefix string `yaml:"key_prefix"`

	// PoolSize is the maximum number of connections (0 = client default).
	PoolSize int `yaml:"pool_size"`
}

// StoreSQLiteConfig contains SQLite counter store settings.
type StoreSQLiteConfig struct {
	// Path is the database file.
	// Default: "data/counters.db"
	Path string `yaml:"path"`

	// BusyTimeout is how long to wait for locks.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// StoreMemoryConfig contains in-memory store settings.
type StoreMemoryConfig struct {
	// MaxEntries bounds the number of live counters.
	// Default: 100000
	MaxEntries int `yaml:"max_entries"`

	// CleanupInterval is how often expired counters are purged.
	// Default: 1m
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// CircuitBreakerConfig configures the counter store circuit breaker.
type CircuitBreakerConfig struct {
	// Disabled skips the timeout and circuit breaker around the store.
	// Default: false
	Disabled bool `yaml:"disabled"`

	// FailureThreshold failures within FailureWindow calls open the breaker.
	// Default: 5 of 10
	FailureThreshold uint `yaml:"failure_threshold"`
	FailureWindow    uint `yaml:"failure_window"`

	// OpenDelay is how long the breaker stays open before probing.
	// Default: 5s
	OpenDelay time.Duration `yaml:"open_delay"`

	// SuccessThreshold is the number of probe successes needed to close.
	// Default: 2
	SuccessThreshold uint `yaml:"success_threshold"`
}

// PlansConfig contains plan catalog configuration.
type PlansConfig struct {
	// File is a YAML plan table. Empty uses the built-in table.
	File string `yaml:"file"`

	// Watch reloads File on change.
	// Default: false
	Watch bool `yaml:"watch"`

	// DefaultTier is assigned to tenants without an explicit tier.
	// Empty makes unassigned tenants fail with an unknown tier.
	// Default: "free"
	DefaultTier string `yaml:"default_tier"`

	// Tenants maps tenant IDs to their tier.
	Tenants map[string]string `yaml:"tenants"`
}

// PricingConfig contains cost table configuration.
type PricingConfig struct {
	// File is a YAML pricing table. Empty uses the built-in table.
	File string `yaml:"file"`

	// Watch reloads File on change.
	// Default: false
	Watch bool `yaml:"watch"`

	// DefaultCentsPerUnit overrides the table's fallback rate when set.
	DefaultCentsPerUnit decimal.Decimal `yaml:"default_cents_per_unit"`
}

// QuotaConfig contains quota policy configuration.
type QuotaConfig struct {
	// FailOpen admits requests when the counter store is unavailable.
	// Default: true
	FailOpen *bool `yaml:"fail_open"`

	// ReservationGracePeriod is how long a reservation may stay open before
	// the sweep releases it.
	// Default: 15m
	ReservationGracePeriod time.Duration `yaml:"reservation_grace_period"`

	// SweepSchedule is the cron schedule of the reservation sweep.
	// Default: "@every 1m"
	SweepSchedule string `yaml:"sweep_schedule"`

	// ReleaseAttempts bounds retries when releasing counted units.
	// Default: 3
	ReleaseAttempts int `yaml:"release_attempts"`

	// ReleaseBackoff is the initial delay between release attempts.
	// Default: 10ms
	ReleaseBackoff time.Duration `yaml:"release_backoff"`
}

// FailOpenEnabled returns the effective fail-open policy.
func (q QuotaConfig) FailOpenEnabled() bool {
	return q.FailOpen == nil || *q.FailOpen
}

// RateLimitConfig contains rate limit configuration.
type RateLimitConfig struct {
	// FailOpen admits requests when the counter store is unavailable.
	// Default: false
	FailOpen bool `yaml:"fail_open"`

	// StoreRetryAfter is the Retry-After reported when failing closed.
	// Default: 1s
	StoreRetryAfter time.Duration `yaml:"store_retry_after"`

	// Default applies to routes without a specific rule. A zero limit
	// disables rate limiting.
	// Default: 60 requests per minute
	Default RouteLimit `yaml:"default"`

	// Routes maps a route, or a prefix ending in "*", to its limit.
	Routes map[string]RouteLimit `yaml:"routes"`
}

// RouteLimit is a fixed-window request limit.
type RouteLimit struct {
	// Limit is the number of requests per window.
	Limit int64 `yaml:"limit"`

	// Window is the window length.
	// Default: 1m
	Window time.Duration `yaml:"window"`
}

// CreditsConfig contains credit store configuration.
type CreditsConfig struct {
	// Enabled turns on credit holds and debits.
	// Default: true
	Enabled *bool `yaml:"enabled"`

	// Backend selects the credit store.
	// Options: "memory", "sqlite"
	// Default: "sqlite"
	Backend string `yaml:"backend"`

	// SQLite contains SQLite credit store settings.
	SQLite CreditsSQLiteConfig `yaml:"sqlite"`

	// RefillSchedule is the cron schedule of the monthly plan credit refill.
	// Empty disables the refill.
	// Default: "0 0 1 * *"
	RefillSchedule string `yaml:"refill_schedule"`
}

// IsEnabled returns the effective credits toggle.
func (c CreditsConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// CreditsSQLiteConfig contains SQLite credit store settings.
type CreditsSQLiteConfig struct {
	// Path is the database file.
	// Default: "data/credits.db"
	Path string `yaml:"path"`

	// BusyTimeout is how long to wait for locks.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// UsageConfig contains usage ledger configuration.
type UsageConfig struct {
	// Backend selects the usage ledger.
	// Options: "memory", "sqlite"
	// Default: "sqlite"
	Backend string `yaml:"backend"`

	// SQLite contains SQLite ledger settings.
	SQLite UsageSQLiteConfig `yaml:"sqlite"`
}

// UsageSQLiteConfig contains SQLite ledger settings.
type UsageSQLiteConfig struct {
	// Path is the database file.
	// Default: "data/usage.db"
	Path string `yaml:"path"`

	// MaxOpenConns is the maximum number of open connections.
	// Default: 4
	MaxOpenConns int `yaml:"max_open_conns"`

	// WALMode enables write-ahead logging.
	// Default: true
	WALMode bool `yaml:"wal_mode"`

	// BusyTimeout is how long to wait for locks.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// BillingConfig contains billing reconciliation configuration.
type BillingConfig struct {
	// Enabled schedules the reconciler.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Provider selects the billing provider.
	// Options: "stripe", "log"
	// Default: "log"
	Provider string `yaml:"provider"`

	// ReconcileSchedule is the cron schedule of reconciliation passes.
	// Default: "@every 5m"
	ReconcileSchedule string `yaml:"reconcile_schedule"`

	// BatchLimit caps the events read per pass.
	// Default: 500
	BatchLimit int `yaml:"batch_limit"`

	// Retry configures provider call retries.
	Retry BillingRetryConfig `yaml:"retry"`

	// Stripe contains Stripe settings.
	Stripe StripeConfig `yaml:"stripe"`
}

// BillingRetryConfig configures exponential backoff for provider calls.
type BillingRetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	// Default: 5
	MaxRetries int `yaml:"max_retries"`

	// BaseDelay is the first backoff delay.
	// Default: 200ms
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the backoff delay.
	// Default: 10s
	MaxDelay time.Duration `yaml:"max_delay"`
}

// StripeConfig contains Stripe settings.
type StripeConfig struct {
	// SecretKey is the API key. Prefer GUARDIAN_BILLING_STRIPE_SECRET_KEY.
	SecretKey string `yaml:"secret_key"`

	// SubscriptionItems maps tenant -> metric -> subscription item ID.
	// The metric "*" matches every metric of the tenant.
	SubscriptionItems map[string]map[string]string `yaml:"subscription_items"`
}

// TelemetryConfig contains configuration for observability.
type TelemetryConfig struct {
	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics"`

	// Health contains health check configuration.
	Health HealthConfig `yaml:"health"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level to emit.
	// Options: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `yaml:"level"`

	// Format controls the log output format.
	// Options: "json", "text", "console"
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file and line number in log entries.
	// Default: false
	AddSource bool `yaml:"add_source"`

	// RedactSecrets masks Stripe keys, credentials in URLs and bearer tokens.
	// Default: true
	RedactSecrets *bool `yaml:"redact_secrets"`

	// RedactPatterns contains additional redaction patterns.
	RedactPatterns []RedactPattern `yaml:"redact_patterns"`
}

// RedactionEnabled returns the effective redaction toggle.
func (l LoggingConfig) RedactionEnabled() bool {
	return l.RedactSecrets == nil || *l.RedactSecrets
}

// RedactPattern defines a custom redaction pattern.
type RedactPattern struct {
	// Name is a descriptive name for the pattern.
	Name string `yaml:"name"`

	// Pattern is the regular expression to match.
	Pattern string `yaml:"pattern"`

	// Replacement is the string to replace matches with.
	Replacement string `yaml:"replacement"`
}

// MetricsConfig contains metrics collection configuration.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	// Default: true
	Enabled *bool `yaml:"enabled"`

	// Path is the HTTP path for the Prometheus metrics endpoint.
	// Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace is the metric name prefix.
	// Default: "guardian"
	Namespace string `yaml:"namespace"`

	// Subsystem is the metric subsystem name.
	Subsystem string `yaml:"subsystem"`

	// DecisionDurationBuckets defines histogram buckets for admission
	// latency (seconds).
	// Default: [0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1]
	DecisionDurationBuckets []float64 `yaml:"decision_duration_buckets"`

	// MaxRouteCardinality caps distinct route label values.
	// Default: 1000
	MaxRouteCardinality int `yaml:"max_route_cardinality"`
}

// IsEnabled returns the effective metrics toggle.
func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// HealthConfig contains health check endpoint configuration.
type HealthConfig struct {
	// LivenessPath is the path for the liveness probe endpoint.
	// Default: "/health"
	LivenessPath string `yaml:"liveness_path"`

	// ReadinessPath is the path for the readiness probe endpoint.
	// Default: "/ready"
	ReadinessPath string `yaml:"readiness_path"`

	// VersionPath is the path for the version information endpoint.
	// Default: "/version"
	VersionPath string `yaml:"version_path"`

	// CheckTimeout is the timeout for individual component health checks.
	// Default: 2s
	CheckTimeout time.Duration `yaml:"check_timeout"`
}
