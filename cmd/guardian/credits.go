package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"luneo-hq/guardian/pkg/cli"
	"luneo-hq/guardian/pkg/credits"
)

var creditsFlags struct {
	reference string
	limit     int
	output    string
}

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and top up tenant credit balances",
	Long: `Inspect and top up tenant credit balances.

Subcommands:
  balance  - Show a tenant's purchased, used, held and available credits
  topup    - Grant purchased credits, idempotent on --reference
  history  - List a tenant's credit transactions, newest first

Examples:
  guardian credits balance acme
  guardian credits topup acme 5000 --reference cs_test_a1b2c3
  guardian credits history acme --limit 20 --output json`,
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance <tenant>",
	Short: "Show a tenant's credit balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreditsBalance,
}

var creditsTopUpCmd = &cobra.Command{
	Use:   "topup <tenant> <credits>",
	Short: "Add purchased credits to a tenant",
	Long: `Add purchased credits to a tenant.

The reference identifies the payment (for example a checkout session id).
Repeating a top-up with the same reference changes nothing, so it is safe to
retry after a timeout.`,
	Args: cobra.ExactArgs(2),
	RunE: runCreditsTopUp,
}

var creditsHistoryCmd = &cobra.Command{
	Use:   "history <tenant>",
	Short: "List a tenant's credit transactions",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreditsHistory,
}

func init() {
	rootCmd.AddCommand(creditsCmd)
	creditsCmd.AddCommand(creditsBalanceCmd, creditsTopUpCmd, creditsHistoryCmd)

	creditsCmd.PersistentFlags().StringVarP(&creditsFlags.output, "output", "o", "text", "output format: text, json, csv")
	creditsTopUpCmd.Flags().StringVar(&creditsFlags.reference, "reference", "", "payment reference used for idempotency (required)")
	creditsTopUpCmd.MarkFlagRequired("reference")
	creditsHistoryCmd.Flags().IntVar(&creditsFlags.limit, "limit", 50, "maximum number of transactions")
}

// openCredits loads configuration and opens the credit store.
func openCredits(cmd *cobra.Command) (credits.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Credits.IsEnabled() {
		return nil, cli.NewConfigError("credits.enabled", "credits are disabled")
	}
	if _, err := newTelemetry(cfg, cmd.ErrOrStderr()); err != nil {
		return nil, err
	}
	store, err := openCreditStore(cfg.Credits)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func runCreditsBalance(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(creditsFlags.output)
	if err != nil {
		return err
	}
	store, err := openCredits(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	balance, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return cli.NewCommandError("credits balance", err)
	}

	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), balanceTable(args[0], balance))
}

func runCreditsTopUp(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || amount <= 0 {
		return cli.NewCommandError("credits topup", fmt.Errorf("credits must be a positive integer, got %q", args[1]))
	}
	if creditsFlags.reference == "" {
		return cli.NewCommandError("credits topup", errors.New("--reference is required"))
	}

	store, err := openCredits(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	applied, err := store.TopUp(cmd.Context(), args[0], amount, credits.KindTopUp, creditsFlags.reference)
	if err != nil {
		return cli.NewCommandError("credits topup", err)
	}

	balance, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return cli.NewCommandError("credits topup", err)
	}

	out := cmd.OutOrStdout()
	if applied {
		fmt.Fprintf(out, "✓ Added %d credits to %s (balance %d)\n", amount, args[0], balance.Balance())
	} else {
		fmt.Fprintf(out, "✓ Reference %s already applied to %s (balance %d)\n", creditsFlags.reference, args[0], balance.Balance())
	}
	return nil
}

func runCreditsHistory(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(creditsFlags.output)
	if err != nil {
		return err
	}
	store, err := openCredits(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	txs, err := store.Transactions(cmd.Context(), args[0], creditsFlags.limit)
	if err != nil {
		return cli.NewCommandError("credits history", err)
	}

	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), transactionTable(txs))
}

func balanceTable(tenantID string, b *credits.Balance) *cli.Table {
	return &cli.Table{
		Headers: []string{"tenant", "purchased", "used", "held", "available"},
		Rows: [][]string{{
			tenantID,
			strconv.FormatInt(b.Purchased, 10),
			strconv.FormatInt(b.Used, 10),
			strconv.FormatInt(b.Held, 10),
			strconv.FormatInt(b.Available(), 10),
		}},
	}
}

func transactionTable(txs []credits.Transaction) *cli.Table {
	table := &cli.Table{
		Headers: []string{"time", "kind", "amount", "before", "after", "reference"},
	}
	for _, tx := range txs {
		table.Rows = append(table.Rows, []string{
			tx.CreatedAt.UTC().Format(time.RFC3339),
			string(tx.Kind),
			strconv.FormatInt(tx.Amount, 10),
			strconv.FormatInt(tx.BalanceBefore, 10),
			strconv.FormatInt(tx.BalanceAfter, 10),
			tx.Reference,
		})
	}
	return table
}
