package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"luneo-hq/guardian/pkg/billing"
	"luneo-hq/guardian/pkg/cli"
)

var reconcileFlags struct {
	provider string
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one billing reconciliation pass",
	Long: `Report unreconciled usage events to the billing provider once and exit.

Events are grouped by tenant and metric and sent with a deterministic
idempotency key, so running this alongside a scheduled reconciler, or after
a crash, never double-bills. The exit code is 1 when any batch failed.

Examples:
  # Use the configured provider
  guardian reconcile --config config.yaml

  # Log reports instead of sending them
  guardian reconcile --provider log`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().StringVar(&reconcileFlags.provider, "provider", "", "override billing provider (stripe, log)")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if reconcileFlags.provider != "" {
		cfg.Billing.Provider = reconcileFlags.provider
	}

	tel, err := newTelemetry(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ledger, err := openLedger(cfg.Usage)
	if err != nil {
		return cli.NewCommandError("reconcile", err)
	}
	defer ledger.Close()

	reconciler, err := newReconciler(cfg.Billing, ledger, tel)
	if err != nil {
		return cli.NewCommandError("reconcile", err)
	}

	ctx, stop := cli.SetupSignalHandler()
	defer stop()

	summary, err := reconciler.Reconcile(ctx)
	if summary != nil {
		printSummary(cmd.OutOrStdout(), summary)
	}
	if err != nil {
		return cli.NewCommandError("reconcile", err)
	}
	if summary != nil && summary.Failed > 0 {
		return cli.NewCommandError("reconcile", fmt.Errorf("%d of %d batches failed", summary.Failed, summary.Batches))
	}
	return nil
}

func printSummary(out io.Writer, s *billing.Summary) {
	fmt.Fprintf(out, "Events:   %d\n", s.Events)
	fmt.Fprintf(out, "Batches:  %d\n", s.Batches)
	fmt.Fprintf(out, "Reported: %d\n", s.Reported)
	fmt.Fprintf(out, "Skipped:  %d\n", s.Skipped)
	fmt.Fprintf(out, "Failed:   %d\n", s.Failed)
	fmt.Fprintf(out, "Units:    %d\n", s.Units)
	fmt.Fprintf(out, "Duration: %s\n", s.Duration)
	for _, f := range s.Failures {
		fmt.Fprintf(out, "  ✗ %v\n", f)
	}
}
