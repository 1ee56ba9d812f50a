// Guardian is the quota, rate limit and cost accounting gate for metered
// tenant operations.
//
// It runs the background work of an embedded admission gate (reservation
// sweeps, billing reconciliation, monthly credit refills, plan and pricing
// reloads) and serves health and Prometheus endpoints. Operators use it to
// inspect plans, credit balances and recorded usage.
//
// Usage:
//
//	# Start with defaults plus GUARDIAN_* environment overrides
//	guardian run
//
//	# Start with a configuration file
//	guardian run --config /etc/guardian/config.yaml
//
//	# Check configuration, plan and pricing tables
//	guardian validate --config config.yaml
//
//	# Run one billing reconciliation pass
//	guardian reconcile
//
//	# Grant purchased credits, idempotent on the payment reference
//	guardian credits topup acme 5000 --reference cs_test_123
//
//	# Export a tenant's usage events
//	guardian usage export --tenant acme --format csv
package main

import (
	"os"

	"luneo-hq/guardian/pkg/cli"
)

func main() {
	os.Exit(cli.ExitCode(Execute()))
}
