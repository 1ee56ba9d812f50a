package pricing

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Estimator prices operations against the active Table. It is safe for
// concurrent use and supports hot reload through Swap.
//
// Estimation never fails: tuples missing from the table are priced at the
// table's default rate and logged once per table version. At most
// maxWarned distinct tuples are remembered; fallbacks past that are not logged.
type Estimator struct {
	table     atomic.Pointer[Table]
	warned    sync.Map
	warnedN   atomic.Int64
	maxWarned int64
	logger    *slog.Logger
	now       func() time.Time
}

// defaultMaxWarned bounds the fallback dedupe set, since model names come
// from callers.
const defaultMaxWarned = 1024

// NewEstimator creates an estimator for table.
func NewEstimator(table *Table) (*Estimator, error) {
	e := &Estimator{
		maxWarned: defaultMaxWarned,
		logger:    slog.Default().With("component", "pricing"),
		now:       time.Now,
	}
	if err := e.Swap(table); err != nil {
		return nil, err
	}
	return e, nil
}

// Swap validates table and installs it atomically.
func (e *Estimator) Swap(table *Table) error {
	if table == nil {
		return fmt.Errorf("pricing table cannot be nil")
	}
	if err := table.Validate(); err != nil {
		return fmt.Errorf("invalid pricing table: %w", err)
	}

	old := e.table.Swap(table)
	e.warned.Range(func(key, _ any) bool {
		e.warned.Delete(key)
		return true
	})
	e.warnedN.Store(0)
	if old != nil {
		e.logger.Info("pricing table swapped", "old_version", old.Version, "new_version", table.Version)
	}
	return nil
}

// ReloadFile loads the YAML table at path and swaps it in.
func (e *Estimator) ReloadFile(path string) error {
	table, err := LoadTable(path)
	if err != nil {
		return err
	}
	return e.Swap(table)
}

// Version returns the active table version.
func (e *Estimator) Version() string {
	return e.table.Load().Version
}

// Estimate prices units of provider/model/operation.
func (e *Estimator) Estimate(provider, model, operation string, units int64) CostEstimate {
	table := e.table.Load()
	rate, found := lookup(table, provider, model, operation)
	if !found {
		rate = table.DefaultCentsPerUnit
		e.warnFallback(table.Version, provider, model, operation)
	}

	return CostEstimate{
		Provider:       provider,
		Model:          model,
		Operation:      operation,
		Units:          units,
		RateCents:      rate,
		CostCents:      rate.Mul(decimal.NewFromInt(units)),
		PricingVersion: table.Version,
		Fallback:       !found,
		ComputedAt:     e.now(),
	}
}

// EstimateOverage prices units at a plan's overage rate. A zero rate falls
// back to the regular estimate.
func (e *Estimator) EstimateOverage(provider, model, operation string, units int64, rateCents decimal.Decimal) CostEstimate {
	if !rateCents.IsPositive() {
		est := e.Estimate(provider, model, operation, units)
		est.Overage = true
		est.OverageUnits = units
		return est
	}

	return CostEstimate{
		Provider:       provider,
		Model:          model,
		Operation:      operation,
		Units:          units,
		RateCents:      rateCents,
		CostCents:      rateCents.Mul(decimal.NewFromInt(units)),
		PricingVersion: e.table.Load().Version,
		Overage:        true,
		OverageUnits:   units,
		ComputedAt:     e.now(),
	}
}

// EstimateSplit prices a request that crossed a quota limit: the last
// overageUnits of units at rateCents, the rest at the regular rate.
// RateCents of the result is the regular rate.
func (e *Estimator) EstimateSplit(provider, model, operation string, units, overageUnits int64, rateCents decimal.Decimal) CostEstimate {
	switch {
	case overageUnits <= 0:
		return e.Estimate(provider, model, operation, units)
	case overageUnits >= units:
		return e.EstimateOverage(provider, model, operation, units, rateCents)
	}

	est := e.Estimate(provider, model, operation, units-overageUnits)
	over := e.EstimateOverage(provider, model, operation, overageUnits, rateCents)
	est.Units = units
	est.CostCents = est.CostCents.Add(over.CostCents)
	est.Overage = true
	est.OverageUnits = overageUnits
	return est
}

// lookup resolves a rate: exact model, then the longest model prefix, then
// the provider's default model.
func lookup(table *Table, provider, model, operation string) (decimal.Decimal, bool) {
	models, ok := table.Providers[provider]
	if !ok {
		return decimal.Decimal{}, false
	}

	if ops, ok := models[model]; ok {
		if rate, ok := ops[operation]; ok {
			return rate, true
		}
	}

	// e.g. "gpt-image-1" matches "gpt-image-1-2025-04"
	var (
		best     string
		bestRate decimal.Decimal
	)
	for pattern, ops := range models {
		if pattern == DefaultModel || !strings.HasPrefix(model, pattern) || len(pattern) <= len(best) {
			continue
		}
		if rate, ok := ops[operation]; ok {
			best, bestRate = pattern, rate
		}
	}
	if best != "" {
		return bestRate, true
	}

	if ops, ok := models[DefaultModel]; ok {
		if rate, ok := ops[operation]; ok {
			return rate, true
		}
	}

	return decimal.Decimal{}, false
}

func (e *Estimator) warnFallback(version, provider, model, operation string) {
	key := provider + "/" + model + "/" + operation
	if _, seen := e.warned.Load(key); seen {
		return
	}
	if e.warnedN.Load() >= e.maxWarned {
		return
	}
	if _, seen := e.warned.LoadOrStore(key, struct{}{}); seen {
		return
	}
	if e.warnedN.Add(1) == e.maxWarned {
		e.logger.Warn("pricing fallback warnings suppressed until next table swap",
			"pricing_version", version,
			"distinct_tuples", e.maxWarned,
		)
	}
	e.logger.Warn("no price for operation, using default rate",
		"provider", provider,
		"model", model,
		"operation", operation,
		"pricing_version", version,
	)
}
