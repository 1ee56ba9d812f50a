package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GUARDIAN_"

// LoadConfig loads configuration from a YAML file at the specified path.
// It applies default values, validates the configuration, and returns any errors.
// The configuration is not modified by environment variables; use LoadConfigWithEnvOverrides
// for that functionality.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML and applies defaults without validating.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention GUARDIAN_SECTION_FIELD (e.g., GUARDIAN_STORE_REDIS_ADDRESS).
// Environment variables always take precedence over file-based configuration.
// An empty path starts from the defaults.
//
// The loading sequence is:
// 1. Load YAML from file
// 2. Apply default values
// 3. Apply environment variable overrides
// 4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		cfg = &Config{}
		ApplyDefaults(cfg)
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		// Validation waits for the overrides so secrets can come from the
		// environment alone.
		cfg, err = Parse(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func envString(name string, dst *string) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		*dst = val
	}
}

func envBool(name string, dst *bool) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envBoolPtr(name string, dst **bool) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = &b
		}
	}
}

func envInt(name string, dst *int) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envInt64(name string, dst *int64) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			*dst = i
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

func envDecimal(name string, dst *decimal.Decimal) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if d, err := decimal.NewFromString(val); err == nil {
			*dst = d
		}
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables use the format GUARDIAN_SECTION_FIELD. Malformed
// values are ignored.
func applyEnvOverrides(cfg *Config) {
	// Server overrides
	envString("SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	envDuration("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Store overrides
	envString("STORE_BACKEND", &cfg.Store.Backend)
	envDuration("STORE_TIMEOUT", &cfg.Store.Timeout)
	envString("STORE_REDIS_ADDRESS", &cfg.Store.Redis.Address)
	envString("STORE_REDIS_PASSWORD", &cfg.Store.Redis.Password)
	envInt("STORE_REDIS_DB", &cfg.Store.Redis.DB)
	envString("STORE_REDIS_KEY_PREFIX", &cfg.Store.Redis.KeyPrefix)
	envString("STORE_SQLITE_PATH", &cfg.Store.SQLite.Path)
	envBool("STORE_CIRCUIT_BREAKER_DISABLED", &cfg.Store.CircuitBreaker.Disabled)

	// Plans and pricing overrides
	envString("PLANS_FILE", &cfg.Plans.File)
	envBool("PLANS_WATCH", &cfg.Plans.Watch)
	envString("PLANS_DEFAULT_TIER", &cfg.Plans.DefaultTier)
	envString("PRICING_FILE", &cfg.Pricing.File)
	envBool("PRICING_WATCH", &cfg.Pricing.Watch)
	envDecimal("PRICING_DEFAULT_CENTS_PER_UNIT", &cfg.Pricing.DefaultCentsPerUnit)

	// Quota overrides
	envBoolPtr("QUOTA_FAIL_OPEN", &cfg.Quota.FailOpen)
	envDuration("QUOTA_RESERVATION_GRACE_PERIOD", &cfg.Quota.ReservationGracePeriod)
	envString("QUOTA_SWEEP_SCHEDULE", &cfg.Quota.SweepSchedule)

	// Rate limit overrides
	envBool("RATE_LIMIT_FAIL_OPEN", &cfg.RateLimit.FailOpen)
	envInt64("RATE_LIMIT_DEFAULT_LIMIT", &cfg.RateLimit.Default.Limit)
	envDuration("RATE_LIMIT_DEFAULT_WINDOW", &cfg.RateLimit.Default.Window)

	// Credit and usage overrides
	envBoolPtr("CREDITS_ENABLED", &cfg.Credits.Enabled)
	envString("CREDITS_BACKEND", &cfg.Credits.Backend)
	envString("CREDITS_SQLITE_PATH", &cfg.Credits.SQLite.Path)
	envString("CREDITS_REFILL_SCHEDULE", &cfg.Credits.RefillSchedule)
	envString("USAGE_BACKEND", &cfg.Usage.Backend)
	envString("USAGE_SQLITE_PATH", &cfg.Usage.SQLite.Path)

	// Billing overrides
	envBool("BILLING_ENABLED", &cfg.Billing.Enabled)
	envString("BILLING_PROVIDER", &cfg.Billing.Provider)
	envString("BILLING_RECONCILE_SCHEDULE", &cfg.Billing.ReconcileSchedule)
	envInt("BILLING_BATCH_LIMIT", &cfg.Billing.BatchLimit)
	envInt("BILLING_RETRY_MAX_RETRIES", &cfg.Billing.Retry.MaxRetries)
	envString("BILLING_STRIPE_SECRET_KEY", &cfg.Billing.Stripe.SecretKey)

	// Telemetry overrides
	envString("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	envString("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	envBool("TELEMETRY_LOGGING_ADD_SOURCE", &cfg.Telemetry.Logging.AddSource)
	envBoolPtr("TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	envString("TELEMETRY_METRICS_PATH", &cfg.Telemetry.Metrics.Path)
}
