// Package plans holds the subscription plan catalog: which tiers exist, which
// metrics each tier meters, and the per-period limit and overage behavior of
// every quota.
//
// # Catalog
//
// A Catalog wraps an immutable Table. Reloads build a new Table and call
// Swap, which validates it and replaces the active table atomically:
//
//	catalog, err := plans.NewCatalog(plans.DefaultTable())
//	defs, err := catalog.LimitsFor(plans.TierStarter)
//	def, ok, err := catalog.Definition(plans.TierStarter, "designs_created")
//
// An undefined tier returns limits.ErrUnknownPlanTier. A metric that is
// registered but has no quota on the tier is reported with ok=false and
// is treated as unlimited by the quota manager.
//
// # File format
//
//	version: "2026-03"
//	metrics:
//	  designs_created: {label: "Designs created", unit: designs}
//	tiers:
//	  starter:
//	    cost_per_credit_cents: 1
//	    quotas:
//	      designs_created: {limit: 100, period: month, overage: block}
package plans
