package credits

import (
	"context"
	"fmt"
	"time"

	"luneo-hq/guardian/pkg/plans"
)

// RefillReference is the idempotency reference of a tenant's monthly refill.
func RefillReference(tenantID string, at time.Time) string {
	return fmt.Sprintf("refill:%s:%s", tenantID, at.UTC().Format("200601"))
}

// Refill grants the tier's monthly credit allowance. It applies at most
// once per tenant per UTC month and returns the credits granted.
func Refill(ctx context.Context, store Store, catalog *plans.Catalog, tenantID string, tier plans.Tier, now time.Time) (int64, error) {
	plan, err := catalog.Plan(tier)
	if err != nil {
		return 0, err
	}
	if plan.MonthlyCredits <= 0 {
		return 0, nil
	}

	applied, err := store.TopUp(ctx, tenantID, plan.MonthlyCredits, KindRefill, RefillReference(tenantID, now))
	if err != nil {
		return 0, fmt.Errorf("failed to refill credits for %s: %w", tenantID, err)
	}
	if !applied {
		return 0, nil
	}
	return plan.MonthlyCredits, nil
}
