package plans

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Tier identifies a subscription plan (free, starter, business, ...).
type Tier string

// Period is the reset cadence of a quota. Boundaries are computed in UTC.
type Period string

const (
	// PeriodHour resets at the top of every UTC hour.
	PeriodHour Period = "hour"

	// PeriodDay resets at 00:00 UTC.
	PeriodDay Period = "day"

	// PeriodMonth resets at 00:00 UTC on the first day of the month.
	PeriodMonth Period = "month"
)

// Valid reports whether p is a supported period.
func (p Period) Valid() bool {
	switch p {
	case PeriodHour, PeriodDay, PeriodMonth:
		return true
	}
	return false
}

// OverageBehavior decides what happens once a quota is exhausted.
type OverageBehavior string

const (
	// OverageBlock rejects requests until the period resets.
	OverageBlock OverageBehavior = "block"

	// OverageCharge admits requests and bills them at the overage rate.
	OverageCharge OverageBehavior = "charge"
)

// Valid reports whether o is a supported overage behavior.
func (o OverageBehavior) Valid() bool {
	return o == OverageBlock || o == OverageCharge
}

// Unlimited is the Limit value that disables a quota.
const Unlimited int64 = -1

// QuotaDefinition is the limit for one metric on one tier.
type QuotaDefinition struct {
	// Metric is filled from the enclosing map key.
	Metric string `yaml:"-"`

	// Limit is the number of units allowed per period. -1 means unlimited.
	Limit int64 `yaml:"limit"`

	// Period is the reset cadence.
	// Default: month
	Period Period `yaml:"period"`

	// Overage is block or charge.
	// Default: block
	Overage OverageBehavior `yaml:"overage"`

	// OverageRateCents is the price per unit once the limit is exceeded in charge mode.
	OverageRateCents decimal.Decimal `yaml:"overage_rate_cents"`

	// CreditCost is a fixed credit price per unit. Zero derives credits from cost.
	CreditCost decimal.Decimal `yaml:"credit_cost"`

	// NotificationThresholds are usage ratios (0.8 = 80%) worth alerting on.
	NotificationThresholds []float64 `yaml:"notification_thresholds"`
}

// IsUnlimited reports whether the quota is disabled.
func (q QuotaDefinition) IsUnlimited() bool {
	return q.Limit == Unlimited
}

// Metric describes a countable unit of consumption.
type Metric struct {
	Label string `yaml:"label"`
	Unit  string `yaml:"unit"`
}

// Plan is one subscription tier.
type Plan struct {
	// Tier is filled from the enclosing map key.
	Tier Tier `yaml:"-"`

	// Name is the display name.
	Name string `yaml:"name"`

	// BasePriceCents is the monthly subscription price.
	BasePriceCents int64 `yaml:"base_price_cents"`

	// CostPerCreditCents converts cents to credits. Zero disables credit metering.
	CostPerCreditCents decimal.Decimal `yaml:"cost_per_credit_cents"`

	// MonthlyCredits is the credit allowance granted on each monthly refill.
	MonthlyCredits int64 `yaml:"monthly_credits"`

	// Features are boolean feature flags.
	Features map[string]bool `yaml:"features"`

	// Quotas maps metric name to its definition.
	Quotas map[string]QuotaDefinition `yaml:"quotas"`
}

// CreditMetered reports whether the plan debits credits.
func (p *Plan) CreditMetered() bool {
	return p.CostPerCreditCents.IsPositive()
}

// Table is a complete, versioned plan policy. A Table must not be modified
// after it is handed to a Catalog.
type Table struct {
	Version string            `yaml:"version"`
	Metrics map[string]Metric `yaml:"metrics"`
	Tiers   map[Tier]*Plan    `yaml:"tiers"`
}

// Normalize fills derived fields and defaults in place.
func (t *Table) Normalize() {
	for tier, plan := range t.Tiers {
		if plan == nil {
			continue
		}
		plan.Tier = tier
		if plan.Name == "" {
			plan.Name = string(tier)
		}
		for metric, def := range plan.Quotas {
			def.Metric = metric
			if def.Period == "" {
				def.Period = PeriodMonth
			}
			if def.Overage == "" {
				def.Overage = OverageBlock
			}
			plan.Quotas[metric] = def
		}
	}
}

// Validate checks the table for structural errors. All problems are
// reported together.
func (t *Table) Validate() error {
	var errs []error

	if t.Version == "" {
		errs = append(errs, errors.New("version is required"))
	}
	if len(t.Tiers) == 0 {
		errs = append(errs, errors.New("at least one tier is required"))
	}

	for _, tier := range sortedTiers(t.Tiers) {
		plan := t.Tiers[tier]
		if plan == nil {
			errs = append(errs, fmt.Errorf("tier %q: plan is empty", tier))
			continue
		}
		if plan.CostPerCreditCents.IsNegative() {
			errs = append(errs, fmt.Errorf("tier %q: cost_per_credit_cents must be non-negative", tier))
		}
		if plan.MonthlyCredits < 0 {
			errs = append(errs, fmt.Errorf("tier %q: monthly_credits must be non-negative", tier))
		}

		metrics := make([]string, 0, len(plan.Quotas))
		for m := range plan.Quotas {
			metrics = append(metrics, m)
		}
		sort.Strings(metrics)

		for _, metric := range metrics {
			def := plan.Quotas[metric]
			if _, ok := t.Metrics[metric]; !ok {
				errs = append(errs, fmt.Errorf("tier %q: metric %q is not registered", tier, metric))
			}
			if def.Limit < Unlimited {
				errs = append(errs, fmt.Errorf("tier %q: metric %q: limit must be >= -1", tier, metric))
			}
			if !def.Period.Valid() {
				errs = append(errs, fmt.Errorf("tier %q: metric %q: invalid period %q", tier, metric, def.Period))
			}
			if !def.Overage.Valid() {
				errs = append(errs, fmt.Errorf("tier %q: metric %q: invalid overage %q", tier, metric, def.Overage))
			}
			if def.OverageRateCents.IsNegative() {
				errs = append(errs, fmt.Errorf("tier %q: metric %q: overage_rate_cents must be non-negative", tier, metric))
			}
			if def.CreditCost.IsNegative() {
				errs = append(errs, fmt.Errorf("tier %q: metric %q: credit_cost must be non-negative", tier, metric))
			}
			for _, th := range def.NotificationThresholds {
				if th <= 0 || th > 1 {
					errs = append(errs, fmt.Errorf("tier %q: metric %q: notification threshold %v out of range (0,1]", tier, metric, th))
				}
			}
		}
	}

	return errors.Join(errs...)
}

func sortedTiers(m map[Tier]*Plan) []Tier {
	tiers := make([]Tier, 0, len(m))
	for t := range m {
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
	return tiers
}
