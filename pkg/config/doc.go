// Package config loads and validates the guardian configuration.
//
// Configuration comes from a YAML file, then GUARDIAN_* environment
// variables, then validation:
//
//	cfg, err := config.LoadConfigWithEnvOverrides("guardian.yaml")
//
// # Environment Variable Overrides
//
// Variables follow GUARDIAN_SECTION_FIELD:
//
//   - GUARDIAN_STORE_BACKEND overrides store.backend
//   - GUARDIAN_STORE_REDIS_ADDRESS overrides store.redis.address
//   - GUARDIAN_BILLING_STRIPE_SECRET_KEY overrides billing.stripe.secret_key
//   - GUARDIAN_TELEMETRY_LOGGING_LEVEL overrides telemetry.logging.level
//
// Secrets such as the Stripe key and the Redis password are best supplied
// this way. Validation runs after the overrides.
//
// # Validation
//
// Validate collects every problem before failing:
//
//	configuration validation failed with 2 errors:
//	  - store.redis.address: redis address is required for the redis backend
//	  - billing.stripe.secret_key: secret key is required for the stripe provider
//
// Plan and pricing tables live in their own files (plans.file,
// pricing.file) and are validated by the plans and pricing packages when
// loaded.
//
// # Example Configuration
//
//	store:
//	  backend: redis
//	  redis:
//	    address: "redis:6379"
//
//	plans:
//	  file: ./plans.yaml
//	  watch: true
//	  default_tier: free
//	  tenants:
//	    acme: business
//
//	rate_limit:
//	  default: {limit: 60, window: 1m}
//	  routes:
//	    /v1/ai/generate: {limit: 10, window: 1m}
//
//	billing:
//	  enabled: true
//	  provider: stripe
//	  stripe:
//	    subscription_items:
//	      acme:
//	        designs: si_123
//
// # Singleton
//
// Initialize, GetConfig and ReloadConfig give process-wide access.
// OnReload hooks let components swap limits without a restart. Tests
// should pass explicit *Config values instead.
package config
