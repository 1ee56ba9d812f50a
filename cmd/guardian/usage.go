package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"luneo-hq/guardian/pkg/cli"
	"luneo-hq/guardian/pkg/usage"
)

var usageFlags struct {
	tenant     string
	metric     string
	since      string
	until      string
	unbilled   bool
	limit      int
	format     string
	outputFile string
	output     string
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Export and summarize recorded usage",
	Long: `Read committed usage events from the usage ledger.

Subcommands:
  export   - Write matching events as CSV or JSON
  summary  - Total units, cost and credits per tenant and metric

Times are RFC3339 and bound the event time as [since, until).

Examples:
  guardian usage export --tenant acme --since 2026-10-01T00:00:00Z --format csv
  guardian usage export --unbilled --format json --output-file pending.json
  guardian usage summary --since 2026-10-01T00:00:00Z`,
}

var usageExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export usage events as CSV or JSON",
	Args:  cobra.NoArgs,
	RunE:  runUsageExport,
}

var usageSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize usage per tenant and metric",
	Args:  cobra.NoArgs,
	RunE:  runUsageSummary,
}

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.AddCommand(usageExportCmd, usageSummaryCmd)

	pf := usageCmd.PersistentFlags()
	pf.StringVar(&usageFlags.tenant, "tenant", "", "filter by tenant")
	pf.StringVar(&usageFlags.metric, "metric", "", "filter by metric")
	pf.StringVar(&usageFlags.since, "since", "", "earliest event time (RFC3339, inclusive)")
	pf.StringVar(&usageFlags.until, "until", "", "latest event time (RFC3339, exclusive)")
	pf.BoolVar(&usageFlags.unbilled, "unbilled", false, "only events not yet reconciled")
	pf.IntVar(&usageFlags.limit, "limit", 0, "maximum number of events (0 = no limit)")

	usageExportCmd.Flags().StringVar(&usageFlags.format, "format", "csv", "export format: csv, json")
	usageExportCmd.Flags().StringVar(&usageFlags.outputFile, "output-file", "", "write to file instead of stdout")
	usageSummaryCmd.Flags().StringVarP(&usageFlags.output, "output", "o", "text", "output format: text, json, csv")
}

// usageQuery builds a ledger query from the usage flags.
func usageQuery() (*usage.Query, error) {
	q := &usage.Query{
		TenantID: usageFlags.tenant,
		Metric:   usageFlags.metric,
		Limit:    usageFlags.limit,
	}
	var err error
	if usageFlags.since != "" {
		if q.Since, err = time.Parse(time.RFC3339, usageFlags.since); err != nil {
			return nil, fmt.Errorf("invalid --since: %w", err)
		}
	}
	if usageFlags.until != "" {
		if q.Until, err = time.Parse(time.RFC3339, usageFlags.until); err != nil {
			return nil, fmt.Errorf("invalid --until: %w", err)
		}
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && !q.Since.Before(q.Until) {
		return nil, fmt.Errorf("--since must be before --until")
	}
	if usageFlags.unbilled {
		reconciled := false
		q.Reconciled = &reconciled
	}
	return q, nil
}

// queryUsage opens the ledger and returns the events matching the flags.
func queryUsage(cmd *cobra.Command, name string) ([]*usage.Event, error) {
	q, err := usageQuery()
	if err != nil {
		return nil, cli.NewCommandError(name, err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if _, err := newTelemetry(cfg, cmd.ErrOrStderr()); err != nil {
		return nil, err
	}

	ledger, err := openLedger(cfg.Usage)
	if err != nil {
		return nil, cli.NewCommandError(name, err)
	}
	defer ledger.Close()

	events, err := ledger.Query(cmd.Context(), q)
	if err != nil {
		return nil, cli.NewCommandError(name, err)
	}
	return events, nil
}

func runUsageExport(cmd *cobra.Command, args []string) error {
	exporter, err := usage.NewExporter(usageFlags.format)
	if err != nil {
		return cli.NewCommandError("usage export", err)
	}
	events, err := queryUsage(cmd, "usage export")
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if usageFlags.outputFile != "" {
		f, err := os.Create(usageFlags.outputFile)
		if err != nil {
			return cli.NewCommandError("usage export", err)
		}
		defer f.Close()
		w = f
	}

	if err := exporter.Export(cmd.Context(), events, w); err != nil {
		return cli.NewCommandError("usage export", err)
	}
	if usageFlags.outputFile != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "✓ Exported %d events to %s\n", len(events), usageFlags.outputFile)
	}
	return nil
}

func runUsageSummary(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(usageFlags.output)
	if err != nil {
		return err
	}
	events, err := queryUsage(cmd, "usage summary")
	if err != nil {
		return err
	}

	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), totalsTable(usage.Summarize(events)))
}

func totalsTable(totals []usage.Total) *cli.Table {
	table := &cli.Table{
		Headers: []string{"tenant", "metric", "events", "units", "overage_units", "cost_cents", "credits"},
	}
	for _, t := range totals {
		table.Rows = append(table.Rows, []string{
			t.TenantID,
			t.Metric,
			strconv.Itoa(t.Events),
			strconv.FormatInt(t.Units, 10),
			strconv.FormatInt(t.OverageUnits, 10),
			t.CostCents.StringFixed(2),
			strconv.FormatInt(t.CreditsCharged, 10),
		})
	}
	return table
}
