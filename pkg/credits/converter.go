package credits

import (
	"github.com/shopspring/decimal"

	"luneo-hq/guardian/pkg/plans"
)

// Convert turns a cost into credits: ceil(costCents / costPerCreditCents),
// with a floor of one credit for any non-zero cost. A non-positive
// costPerCreditCents means the tier is not credit-metered and yields zero.
//
// Convert is pure and monotonic non-decreasing in costCents.
func Convert(costCents, costPerCreditCents decimal.Decimal) int64 {
	if !costPerCreditCents.IsPositive() || !costCents.IsPositive() {
		return 0
	}
	credits := costCents.Div(costPerCreditCents).Ceil().IntPart()
	if credits < 1 {
		credits = 1
	}
	return credits
}

// Converter resolves the per-tier credit price from the plan catalog.
type Converter struct {
	catalog *plans.Catalog
}

// NewConverter creates a converter backed by catalog.
func NewConverter(catalog *plans.Catalog) *Converter {
	return &Converter{catalog: catalog}
}

// ToCredits converts costCents for a tenant on tier.
func (c *Converter) ToCredits(costCents decimal.Decimal, tier plans.Tier) (int64, error) {
	plan, err := c.catalog.Plan(tier)
	if err != nil {
		return 0, err
	}
	return Convert(costCents, plan.CostPerCreditCents), nil
}

// ForOperation prices an admission in credits. A quota with a fixed
// credit_cost charges ceil(credit_cost * units); otherwise the cost is
// converted at the tier rate.
func (c *Converter) ForOperation(tier plans.Tier, def *plans.QuotaDefinition, units int64, costCents decimal.Decimal) (int64, error) {
	plan, err := c.catalog.Plan(tier)
	if err != nil {
		return 0, err
	}
	if !plan.CreditMetered() {
		return 0, nil
	}

	if def != nil && def.CreditCost.IsPositive() && units > 0 {
		credits := def.CreditCost.Mul(decimal.NewFromInt(units)).Ceil().IntPart()
		if credits < 1 {
			credits = 1
		}
		return credits, nil
	}

	return Convert(costCents, plan.CostPerCreditCents), nil
}
