package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration, plan and pricing tables",
	Long: `Validate the configuration file after defaults and environment
overrides, then load the plan and pricing tables it points to and check
that the default tier and every tenant tier exist.

No store is opened. The exit code is 2 when anything is invalid.

Examples:
  guardian validate --config config.yaml
  GUARDIAN_BILLING_STRIPE_SECRET_KEY=sk_test_x guardian validate -c config.yaml`,
	Args: cobra.NoArgs,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "✓ Configuration valid")

	catalog, err := openCatalog(cfg)
	if err != nil {
		return configError(err)
	}
	fmt.Fprintf(out, "✓ Plans valid (version %s, %d tiers)\n", catalog.Version(), len(catalog.Tiers()))

	if err := checkTiers(cfg.Plans, catalog); err != nil {
		return configError(err)
	}
	fmt.Fprintf(out, "✓ Tenant tiers valid (%d tenants, default %s)\n", len(cfg.Plans.Tenants), cfg.Plans.DefaultTier)

	estimator, err := openEstimator(cfg)
	if err != nil {
		return configError(err)
	}
	fmt.Fprintf(out, "✓ Pricing valid (version %s)\n", estimator.Version())
	return nil
}
