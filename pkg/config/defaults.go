package config

import "time"

// Default values for configuration fields.
const (
	// Server defaults
	DefaultListenAddress   = "127.0.0.1:9090"
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	// Store defaults
	DefaultStoreBackend            = "memory"
	DefaultStoreTimeout            = 50 * time.Millisecond
	DefaultRedisAddress            = "localhost:6379"
	DefaultRedisKeyPrefix          = "guardian:"
	DefaultStoreSQLitePath         = "data/counters.db"
	DefaultBusyTimeout             = 5 * time.Second
	DefaultMemoryMaxEntries        = 100000
	DefaultMemoryCleanupInterval   = time.Minute
	DefaultBreakerFailureThreshold = uint(5)
	DefaultBreakerFailureWindow    = uint(10)
	DefaultBreakerOpenDelay        = 5 * time.Second
	DefaultBreakerSuccessThreshold = uint(2)

	// Plan defaults
	DefaultTier = "free"

	// Quota defaults
	DefaultReservationGracePeriod = 15 * time.Minute
	DefaultSweepSchedule          = "@every 1m"
	DefaultReleaseAttempts        = 3
	DefaultReleaseBackoff         = 10 * time.Millisecond

	// Rate limit defaults
	DefaultRateLimit       = int64(60)
	DefaultRateLimitWindow = time.Minute
	DefaultStoreRetryAfter = time.Second

	// Credit defaults
	DefaultCreditsBackend    = "sqlite"
	DefaultCreditsSQLitePath = "data/credits.db"
	DefaultRefillSchedule    = "0 0 1 * *"

	// Usage defaults
	DefaultUsageBackend      = "sqlite"
	DefaultUsageSQLitePath   = "data/usage.db"
	DefaultUsageMaxOpenConns = 4

	// Billing defaults
	DefaultBillingProvider   = "log"
	DefaultReconcileSchedule = "@every 5m"
	DefaultBatchLimit        = 500
	DefaultBillingMaxRetries = 5
	DefaultBillingBaseDelay  = 200 * time.Millisecond
	DefaultBillingMaxDelay   = 10 * time.Second

	// Telemetry defaults
	DefaultLoggingLevel        = "info"
	DefaultLoggingFormat       = "json"
	DefaultPrometheusPath      = "/metrics"
	DefaultMetricsNamespace    = "guardian"
	DefaultMaxRouteCardinality = 1000
	DefaultLivenessPath        = "/health"
	DefaultReadinessPath       = "/ready"
	DefaultVersionPath         = "/version"
	DefaultHealthCheckTimeout  = 2 * time.Second
)

// DefaultDecisionDurationBuckets are sized for sub-millisecond to 100ms
// admission decisions.
var DefaultDecisionDurationBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1}

// ApplyDefaults applies default values to a Config struct.
// It sets defaults for any fields that have zero values.
// This function is idempotent and safe to call multiple times.
func ApplyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	applyStoreDefaults(&cfg.Store)

	// Plan defaults
	if cfg.Plans.DefaultTier == "" {
		cfg.Plans.DefaultTier = DefaultTier
	}

	// Quota defaults
	if cfg.Quota.ReservationGracePeriod == 0 {
		cfg.Quota.ReservationGracePeriod = DefaultReservationGracePeriod
	}
	if cfg.Quota.SweepSchedule == "" {
		cfg.Quota.SweepSchedule = DefaultSweepSchedule
	}
	if cfg.Quota.ReleaseAttempts == 0 {
		cfg.Quota.ReleaseAttempts = DefaultReleaseAttempts
	}
	if cfg.Quota.ReleaseBackoff == 0 {
		cfg.Quota.ReleaseBackoff = DefaultReleaseBackoff
	}

	// Rate limit defaults
	if cfg.RateLimit.StoreRetryAfter == 0 {
		cfg.RateLimit.StoreRetryAfter = DefaultStoreRetryAfter
	}
	if cfg.RateLimit.Default.Limit == 0 && cfg.RateLimit.Default.Window == 0 {
		cfg.RateLimit.Default = RouteLimit{Limit: DefaultRateLimit, Window: DefaultRateLimitWindow}
	}
	if cfg.RateLimit.Default.Window == 0 {
		cfg.RateLimit.Default.Window = DefaultRateLimitWindow
	}
	for route, limit := range cfg.RateLimit.Routes {
		if limit.Window == 0 {
			limit.Window = DefaultRateLimitWindow
			cfg.RateLimit.Routes[route] = limit
		}
	}

	// Credit defaults
	if cfg.Credits.Backend == "" {
		cfg.Credits.Backend = DefaultCreditsBackend
	}
	if cfg.Credits.SQLite.Path == "" {
		cfg.Credits.SQLite.Path = DefaultCreditsSQLitePath
	}
	if cfg.Credits.SQLite.BusyTimeout == 0 {
		cfg.Credits.SQLite.BusyTimeout = DefaultBusyTimeout
	}
	if cfg.Credits.RefillSchedule == "" {
		cfg.Credits.RefillSchedule = DefaultRefillSchedule
	}

	// Usage defaults
	if cfg.Usage.Backend == "" {
		cfg.Usage.Backend = DefaultUsageBackend
	}
	if cfg.Usage.SQLite.Path == "" {
		cfg.Usage.SQLite.Path = DefaultUsageSQLitePath
		cfg.Usage.SQLite.WALMode = true
	}
	if cfg.Usage.SQLite.MaxOpenConns == 0 {
		cfg.Usage.SQLite.MaxOpenConns = DefaultUsageMaxOpenConns
	}
	if cfg.Usage.SQLite.BusyTimeout == 0 {
		cfg.Usage.SQLite.BusyTimeout = DefaultBusyTimeout
	}

	applyBillingDefaults(&cfg.Billing)
	applyTelemetryDefaults(&cfg.Telemetry)
}

func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Backend == "" {
		cfg.Backend = DefaultStoreBackend
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultStoreTimeout
	}
	if cfg.Redis.Address == "" {
		cfg.Redis.Address = DefaultRedisAddress
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = DefaultStoreSQLitePath
	}
	if cfg.SQLite.BusyTimeout == 0 {
		cfg.SQLite.BusyTimeout = DefaultBusyTimeout
	}
	if cfg.Memory.MaxEntries == 0 {
		cfg.Memory.MaxEntries = DefaultMemoryMaxEntries
	}
	if cfg.Memory.CleanupInterval == 0 {
		cfg.Memory.CleanupInterval = DefaultMemoryCleanupInterval
	}

	cb := &cfg.CircuitBreaker
	if cb.FailureWindow == 0 {
		cb.FailureWindow = DefaultBreakerFailureWindow
	}
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = DefaultBreakerFailureThreshold
	}
	if cb.OpenDelay == 0 {
		cb.OpenDelay = DefaultBreakerOpenDelay
	}
	if cb.SuccessThreshold == 0 {
		cb.SuccessThreshold = DefaultBreakerSuccessThreshold
	}
}

func applyBillingDefaults(cfg *BillingConfig) {
	if cfg.Provider == "" {
		cfg.Provider = DefaultBillingProvider
	}
	if cfg.ReconcileSchedule == "" {
		cfg.ReconcileSchedule = DefaultReconcileSchedule
	}
	if cfg.BatchLimit == 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = DefaultBillingMaxRetries
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = DefaultBillingBaseDelay
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = DefaultBillingMaxDelay
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLoggingLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLoggingFormat
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultPrometheusPath
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultMetricsNamespace
	}
	if len(cfg.Metrics.DecisionDurationBuckets) == 0 {
		cfg.Metrics.DecisionDurationBuckets = append([]float64(nil), DefaultDecisionDurationBuckets...)
	}
	if cfg.Metrics.MaxRouteCardinality == 0 {
		cfg.Metrics.MaxRouteCardinality = DefaultMaxRouteCardinality
	}
	if cfg.Health.LivenessPath == "" {
		cfg.Health.LivenessPath = DefaultLivenessPath
	}
	if cfg.Health.ReadinessPath == "" {
		cfg.Health.ReadinessPath = DefaultReadinessPath
	}
	if cfg.Health.VersionPath == "" {
		cfg.Health.VersionPath = DefaultVersionPath
	}
	if cfg.Health.CheckTimeout == 0 {
		cfg.Health.CheckTimeout = DefaultHealthCheckTimeout
	}
}

// MinimalConfig returns a valid configuration that keeps all state in
// memory and disables billing. It is meant for tests and local runs.
func MinimalConfig() *Config {
	cfg := &Config{
		Store:   StoreConfig{Backend: "memory"},
		Credits: CreditsConfig{Backend: "memory"},
		Usage:   UsageConfig{Backend: "memory"},
	}
	ApplyDefaults(cfg)
	return cfg
}
