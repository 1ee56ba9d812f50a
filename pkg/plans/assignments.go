package plans

import (
	"fmt"
	"sync"

	"luneo-hq/guardian/pkg/limits"
)

// Assignments maps tenants to their subscribed tier.
// It is safe for concurrent use.
type Assignments struct {
	mu          sync.RWMutex
	tenants     map[string]Tier
	defaultTier Tier
}

// NewAssignments creates a directory seeded with initial. Tenants without an
// assignment resolve to defaultTier; an empty defaultTier makes them unknown.
func NewAssignments(defaultTier Tier, initial map[string]Tier) *Assignments {
	a := &Assignments{
		tenants:     make(map[string]Tier, len(initial)),
		defaultTier: defaultTier,
	}
	for tenant, tier := range initial {
		a.tenants[tenant] = tier
	}
	return a
}

// TierFor returns the tenant's tier.
func (a *Assignments) TierFor(tenantID string) (Tier, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if tier, ok := a.tenants[tenantID]; ok {
		return tier, nil
	}
	if a.defaultTier != "" {
		return a.defaultTier, nil
	}
	return "", fmt.Errorf("%w: tenant %q has no plan", limits.ErrUnknownPlanTier, tenantID)
}

// SetTier assigns tier to tenantID, e.g. after an upgrade. The new limits
// apply to the next admission; counters for the current period are kept.
func (a *Assignments) SetTier(tenantID string, tier Tier) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tenants[tenantID] = tier
}

// Remove drops an explicit assignment.
func (a *Assignments) Remove(tenantID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tenants, tenantID)
}

// Snapshot returns a copy of the explicit assignments.
func (a *Assignments) Snapshot() map[string]Tier {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]Tier, len(a.tenants))
	for k, v := range a.tenants {
		out[k] = v
	}
	return out
}
