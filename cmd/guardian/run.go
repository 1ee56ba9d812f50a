package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"luneo-hq/guardian/pkg/cli"
	"luneo-hq/guardian/pkg/config"
	"luneo-hq/guardian/pkg/reload"
	"luneo-hq/guardian/pkg/scheduler"
	"luneo-hq/guardian/pkg/server"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the guardian background jobs and ops server",
	Long: `Start guardian with the specified configuration.

The run command opens the counter store, credit store and usage ledger,
schedules the reservation sweep, monthly credit refill and billing
reconciliation, watches plan and pricing files when configured, and serves
health and metrics endpoints on the ops listen address.

SIGHUP reloads the configuration file, plan and pricing tables, and tenant
assignments without a restart.

Examples:
  # Start with defaults plus GUARDIAN_* environment overrides
  guardian run

  # Start with a config file
  guardian run --config /etc/guardian/config.yaml

  # Override the ops listen address
  guardian run --listen 0.0.0.0:9090

  # Validate config without starting
  guardian run --dry-run`,
	RunE: runGuardian,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override ops listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting")
}

func runGuardian(cmd *cobra.Command, args []string) error {
	if err := config.Initialize(cfgFile); err != nil {
		return configError(err)
	}
	cfg := config.GetConfig()

	// Apply flag overrides
	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}

	out := cmd.OutOrStdout()

	if runFlags.dryRun {
		if err := checkTables(cfg); err != nil {
			return configError(err)
		}
		fmt.Fprintln(out, "✓ Configuration valid")
		return nil
	}

	tel, err := newTelemetry(cfg, os.Stderr)
	if err != nil {
		return err
	}

	printBanner(out, cfg)

	c, err := buildComponents(cfg, tel)
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	defer c.Close()

	fmt.Fprintf(out, "✓ Plans loaded (version %s, %d tiers)\n", c.catalog.Version(), len(c.catalog.Tiers()))
	fmt.Fprintf(out, "✓ Pricing loaded (version %s)\n", c.estimator.Version())
	fmt.Fprintf(out, "✓ Counter store: %s\n", cfg.Store.Backend)

	ctx, stop := cli.SetupSignalHandler()
	defer stop()

	sched := scheduler.New()
	if err := sched.Add(ctx, sweepJob(c, cfg.Quota.SweepSchedule, tel)); err != nil {
		return cli.NewCommandError("run", err)
	}
	if c.credits != nil {
		if err := sched.Add(ctx, refillJob(c, cfg.Credits.RefillSchedule, tel.Logger.With("component", "credits"))); err != nil {
			return cli.NewCommandError("run", err)
		}
	}
	sched.Start(ctx)
	defer sched.Stop()

	if c.reconciler != nil {
		if err := c.reconciler.Start(ctx); err != nil {
			return cli.NewCommandError("run", err)
		}
		defer c.reconciler.Stop()
		fmt.Fprintf(out, "✓ Billing reconciler started (provider %s, schedule %s)\n", cfg.Billing.Provider, cfg.Billing.ReconcileSchedule)
	}

	watchers, err := startWatchers(ctx, cfg, c, tel.Logger)
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	defer func() {
		for _, w := range watchers {
			w.Stop()
		}
	}()

	config.OnReload(func(_, updated *config.Config) {
		if err := c.applyConfig(updated); err != nil {
			tel.Logger.Error("failed to apply reloaded configuration", "error", err)
			return
		}
		tel.Logger.Info("configuration reloaded",
			"plans_version", c.catalog.Version(),
			"pricing_version", c.estimator.Version(),
		)
	})
	go handleReloads(ctx, tel.Logger)

	srv := server.NewServer(cfg, tel, versionInfo())
	fmt.Fprintf(out, "✓ Ops server starting on %s\n", cfg.Server.ListenAddress)
	fmt.Fprintln(out, "\nPress Ctrl+C to stop")

	if err := srv.Start(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}

	fmt.Fprintln(out, "✓ Server stopped")
	return nil
}

// handleReloads reloads the configuration file on every SIGHUP until ctx is
// done. A failed reload keeps the running configuration.
func handleReloads(ctx context.Context, logger *slog.Logger) {
	signals := cli.ReloadSignals(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			logger.Info("reload signal received")
			if err := config.ReloadConfig(""); err != nil {
				logger.Error("configuration reload failed, keeping previous configuration", "error", err)
			}
		}
	}
}

// startWatchers watches the plan and pricing files when configured.
func startWatchers(ctx context.Context, cfg *config.Config, c *components, logger *slog.Logger) ([]*reload.FileWatcher, error) {
	var watchers []*reload.FileWatcher

	watch := func(name, path string, onReload func() error) error {
		w, err := reload.NewFileWatcher(&reload.Config{Path: path, Name: name}, logger)
		if err != nil {
			return err
		}
		watchers = append(watchers, w)
		go func() {
			if err := w.Watch(ctx, onReload); err != nil {
				logger.Error("file watcher exited", "watch", name, "error", err)
			}
		}()
		return nil
	}

	if cfg.Plans.Watch && cfg.Plans.File != "" {
		err := watch("plans", cfg.Plans.File, func() error {
			table, err := loadPlanTable(config.GetConfig().Plans)
			if err != nil {
				return err
			}
			return c.catalog.Swap(table)
		})
		if err != nil {
			return watchers, err
		}
	}

	if cfg.Pricing.Watch && cfg.Pricing.File != "" {
		err := watch("pricing", cfg.Pricing.File, func() error {
			table, err := loadPricingTable(config.GetConfig().Pricing)
			if err != nil {
				return err
			}
			return c.estimator.Swap(table)
		})
		if err != nil {
			return watchers, err
		}
	}

	return watchers, nil
}

// checkTables loads the plan and pricing tables and checks tier
// assignments without opening any store.
func checkTables(cfg *config.Config) error {
	catalog, err := openCatalog(cfg)
	if err != nil {
		return err
	}
	if err := checkTiers(cfg.Plans, catalog); err != nil {
		return err
	}
	_, err = openEstimator(cfg)
	return err
}

func printBanner(out io.Writer, cfg *config.Config) {
	fmt.Fprintf(out, "Guardian v%s\n", Version)
	if cfgFile != "" {
		fmt.Fprintf(out, "Loading configuration from: %s\n", cfgFile)
	}
	fmt.Fprintln(out, "✓ Configuration loaded")

	slog.Debug("store configured", "backend", cfg.Store.Backend, "circuit_breaker", !cfg.Store.CircuitBreaker.Disabled)
	slog.Debug("credits configured", "enabled", cfg.Credits.IsEnabled(), "backend", cfg.Credits.Backend)
	slog.Debug("billing configured", "enabled", cfg.Billing.Enabled, "provider", cfg.Billing.Provider)
}
