package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"luneo-hq/guardian/pkg/cli"
	"luneo-hq/guardian/pkg/plans"
)

var plansFlags struct {
	output string
}

var plansCmd = &cobra.Command{
	Use:   "plans [tier]",
	Short: "List plan tiers, or the quotas of one tier",
	Long: `Without arguments, list every tier of the configured plan table. With a
tier, list its quotas: limit, period, overage behavior and rates.

Examples:
  guardian plans
  guardian plans business --output json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlans,
}

func init() {
	rootCmd.AddCommand(plansCmd)

	plansCmd.Flags().StringVarP(&plansFlags.output, "output", "o", "text", "output format: text, json, csv")
}

func runPlans(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(plansFlags.output)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	catalog, err := openCatalog(cfg)
	if err != nil {
		return configError(err)
	}

	var table *cli.Table
	if len(args) == 0 {
		table, err = tierTable(catalog)
	} else {
		table, err = quotaTable(catalog, plans.Tier(args[0]))
	}
	if err != nil {
		return cli.NewCommandError("plans", err)
	}

	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), table)
}

func tierTable(catalog *plans.Catalog) (*cli.Table, error) {
	table := &cli.Table{
		Headers: []string{"tier", "name", "base_price_cents", "monthly_credits", "cost_per_credit_cents", "quotas"},
	}
	for _, tier := range catalog.Tiers() {
		plan, err := catalog.Plan(tier)
		if err != nil {
			return nil, err
		}
		table.Rows = append(table.Rows, []string{
			string(tier),
			plan.Name,
			strconv.FormatInt(plan.BasePriceCents, 10),
			strconv.FormatInt(plan.MonthlyCredits, 10),
			plan.CostPerCreditCents.String(),
			strconv.Itoa(len(plan.Quotas)),
		})
	}
	return table, nil
}

func quotaTable(catalog *plans.Catalog, tier plans.Tier) (*cli.Table, error) {
	defs, err := catalog.LimitsFor(tier)
	if err != nil {
		return nil, err
	}
	table := &cli.Table{
		Headers: []string{"metric", "limit", "period", "overage", "overage_rate_cents", "credit_cost"},
	}
	for _, def := range defs {
		limit := strconv.FormatInt(def.Limit, 10)
		if def.IsUnlimited() {
			limit = "unlimited"
		}
		table.Rows = append(table.Rows, []string{
			def.Metric,
			limit,
			string(def.Period),
			string(def.Overage),
			def.OverageRateCents.String(),
			def.CreditCost.String(),
		})
	}
	return table, nil
}
