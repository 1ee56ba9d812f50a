package pricing

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultModel is the model key used as a provider-wide fallback.
const DefaultModel = "default"

// Table is a versioned price list in cents per unit, keyed by
// provider, model and operation.
type Table struct {
	// Version is recorded on every usage event priced with this table.
	Version string `yaml:"version"`

	// DefaultCentsPerUnit is the conservative rate used for unknown tuples.
	DefaultCentsPerUnit decimal.Decimal `yaml:"default_cents_per_unit"`

	// Providers maps provider -> model -> operation -> cents per unit.
	Providers map[string]map[string]map[string]decimal.Decimal `yaml:"providers"`
}

// Validate checks the table for negative or missing rates.
func (t *Table) Validate() error {
	var errs []error

	if t.Version == "" {
		errs = append(errs, errors.New("version is required"))
	}
	if !t.DefaultCentsPerUnit.IsPositive() {
		errs = append(errs, errors.New("default_cents_per_unit must be positive"))
	}

	providers := make([]string, 0, len(t.Providers))
	for p := range t.Providers {
		providers = append(providers, p)
	}
	sort.Strings(providers)

	for _, provider := range providers {
		for model, ops := range t.Providers[provider] {
			for op, rate := range ops {
				if rate.IsNegative() {
					errs = append(errs, fmt.Errorf("%s/%s/%s: rate must be non-negative", provider, model, op))
				}
			}
		}
	}

	return errors.Join(errs...)
}

// CostEstimate is the priced form of one admission. It is never persisted
// on its own; committed usage events copy CostCents and PricingVersion.
type CostEstimate struct {
	Provider  string
	Model     string
	Operation string
	Units     int64

	// RateCents is the cents-per-unit rate that was applied.
	RateCents decimal.Decimal

	// CostCents is RateCents * Units.
	CostCents decimal.Decimal

	// PricingVersion is the Table.Version used.
	PricingVersion string

	// Fallback is true when the default rate was applied to an unknown tuple.
	Fallback bool

	// Overage is true when the plan overage rate was applied.
	Overage bool

	// OverageUnits is how many of Units were priced at the overage rate.
	OverageUnits int64

	ComputedAt time.Time
}

// LoadTable reads a pricing table from a YAML file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file %q: %w", path, err)
	}
	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file %q: %w", path, err)
	}
	return &table, nil
}

// DefaultTable returns the built-in price list.
func DefaultTable() *Table {
	d := decimal.RequireFromString
	return &Table{
		Version:             "builtin-2026-01",
		DefaultCentsPerUnit: d("5"),
		Providers: map[string]map[string]map[string]decimal.Decimal{
			"internal": {
				"designer": {"design_create": d("0.4")},
				"renderer": {
					"render_2d":   d("0.2"),
					"render_3d":   d("1.5"),
					"export_gltf": d("0.1"),
					"export_usdz": d("0.1"),
				},
				"tryon": {"session": d("0.05"), "screenshot": d("0.02")},
			},
			"openai": {
				"gpt-image-1": {"image_generation": d("4"), "image_edit": d("4")},
				"dall-e-3":    {"image_generation": d("4")},
				"gpt-4o":      {"text_generation": d("0.5")},
				DefaultModel:  {"image_generation": d("4"), "text_generation": d("1")},
			},
			"replicate": {
				"stable-diffusion-xl": {"image_generation": d("0.35")},
				"flux":                {"image_generation": d("0.3")},
			},
			"meshy": {
				"text-to-3d":  {"model_generation": d("25")},
				"image-to-3d": {"model_generation": d("20")},
			},
		},
	}
}
