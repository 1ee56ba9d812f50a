package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"luneo-hq/guardian/pkg/cli"
	"luneo-hq/guardian/pkg/config"
	"luneo-hq/guardian/pkg/telemetry"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "guardian",
	Short: "Guardian - quota, rate limit and cost accounting gate",
	Long: `Guardian decides whether a tenant may perform a metered operation and
accounts for what it costs.

Every operation passes through:
  - Per-tenant, per-route rate limits
  - Per-plan quotas with block or charge overage
  - Cost estimation and credit holds
  - An idempotent usage ledger reconciled into the billing provider

Configuration is read from a YAML file (--config) and GUARDIAN_* environment
variables, which take precedence.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and prints any error to stderr.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func init() {
	// Global persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults and environment only when empty)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig loads cfgFile with environment overrides applied. Commands
// other than run do not touch the process-wide singleton.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return nil, configError(err)
	}
	return cfg, nil
}

func configError(err error) error {
	source := cfgFile
	if source == "" {
		source = "environment"
	}
	return cli.NewConfigError(source, err.Error())
}

// newTelemetry builds logging, metrics and health from cfg and installs the
// logger as the slog default.
func newTelemetry(cfg *config.Config, w io.Writer) (*telemetry.Telemetry, error) {
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	tel, err := telemetry.New(&cfg.Telemetry, w, nil)
	if err != nil {
		return nil, configError(err)
	}
	slog.SetDefault(tel.Logger)
	return tel, nil
}
