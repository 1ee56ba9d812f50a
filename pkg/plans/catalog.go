package plans

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"luneo-hq/guardian/pkg/limits"
)

// Catalog serves plan definitions. Reads are lock-free; Swap replaces the
// whole table atomically so readers observe either the old or the new table,
// never a mix.
type Catalog struct {
	table  atomic.Pointer[Table]
	logger *slog.Logger
}

// NewCatalog validates table and wraps it in a Catalog.
func NewCatalog(table *Table) (*Catalog, error) {
	c := &Catalog{
		logger: slog.Default().With("component", "plans"),
	}
	if err := c.Swap(table); err != nil {
		return nil, err
	}
	return c, nil
}

// Swap validates table and installs it. On error the active table is kept.
func (c *Catalog) Swap(table *Table) error {
	if table == nil {
		return fmt.Errorf("plan table cannot be nil")
	}
	table.Normalize()
	if err := table.Validate(); err != nil {
		return fmt.Errorf("invalid plan table: %w", err)
	}

	old := c.table.Swap(table)
	if old != nil {
		c.logger.Info("plan catalog swapped",
			"old_version", old.Version,
			"new_version", table.Version,
			"tiers", len(table.Tiers),
		)
	}
	return nil
}

// ReloadFile parses the YAML file at path and swaps it in.
func (c *Catalog) ReloadFile(path string) error {
	table, err := LoadTable(path)
	if err != nil {
		return err
	}
	return c.Swap(table)
}

// Version returns the active table version.
func (c *Catalog) Version() string {
	return c.table.Load().Version
}

// Tiers returns the defined tiers in sorted order.
func (c *Catalog) Tiers() []Tier {
	return sortedTiers(c.table.Load().Tiers)
}

// KnownMetric reports whether metric is registered in the active table.
func (c *Catalog) KnownMetric(metric string) bool {
	_, ok := c.table.Load().Metrics[metric]
	return ok
}

// Metric returns the registry entry for metric.
func (c *Catalog) Metric(metric string) (Metric, bool) {
	m, ok := c.table.Load().Metrics[metric]
	return m, ok
}

// Plan returns a copy of the plan for tier.
func (c *Catalog) Plan(tier Tier) (*Plan, error) {
	plan, ok := c.table.Load().Tiers[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %q", limits.ErrUnknownPlanTier, tier)
	}
	cp := *plan
	cp.Quotas = nil
	cp.Features = make(map[string]bool, len(plan.Features))
	for k, v := range plan.Features {
		cp.Features[k] = v
	}
	return &cp, nil
}

// LimitsFor returns every quota defined for tier, sorted by metric.
func (c *Catalog) LimitsFor(tier Tier) ([]QuotaDefinition, error) {
	plan, ok := c.table.Load().Tiers[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %q", limits.ErrUnknownPlanTier, tier)
	}

	defs := make([]QuotaDefinition, 0, len(plan.Quotas))
	for _, def := range plan.Quotas {
		defs = append(defs, copyDefinition(def))
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Metric < defs[j].Metric })
	return defs, nil
}

// Definition returns the quota for one metric on tier. ok is false when the
// tier has no quota for the metric, which callers treat as unlimited.
func (c *Catalog) Definition(tier Tier, metric string) (def QuotaDefinition, ok bool, err error) {
	table := c.table.Load()
	plan, exists := table.Tiers[tier]
	if !exists {
		return QuotaDefinition{}, false, fmt.Errorf("%w: %q", limits.ErrUnknownPlanTier, tier)
	}
	if _, registered := table.Metrics[metric]; !registered {
		return QuotaDefinition{}, false, fmt.Errorf("%w: %q", limits.ErrUnknownMetric, metric)
	}
	def, ok = plan.Quotas[metric]
	if !ok {
		return QuotaDefinition{}, false, nil
	}
	return copyDefinition(def), true, nil
}

// HasFeature reports whether tier enables the named feature flag.
func (c *Catalog) HasFeature(tier Tier, feature string) bool {
	plan, ok := c.table.Load().Tiers[tier]
	if !ok {
		return false
	}
	return plan.Features[feature]
}

func copyDefinition(def QuotaDefinition) QuotaDefinition {
	if def.NotificationThresholds != nil {
		th := make([]float64, len(def.NotificationThresholds))
		copy(th, def.NotificationThresholds)
		def.NotificationThresholds = th
	}
	return def
}

// LoadTable reads a plan table from a YAML file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file %q: %w", path, err)
	}
	table, err := ParseTable(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse plan file %q: %w", path, err)
	}
	return table, nil
}

// ParseTable decodes a YAML plan table and normalizes it.
func ParseTable(data []byte) (*Table, error) {
	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, err
	}
	table.Normalize()
	return &table, nil
}
