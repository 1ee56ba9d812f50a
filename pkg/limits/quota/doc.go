// Package quota enforces per-tenant usage quotas over calendar periods.
//
// Counters are keyed by tenant, metric and period key (UTC hour, day or
// month) and live in a storage.CounterStore. A new period addresses a new
// key, so usage hard-resets at the boundary without any cleanup job; old
// counters expire after two periods.
//
// CheckAndReserve counts units up front with one atomic increment-if-under
// and hands back a Reservation. The caller then either commits it (the
// operation succeeded: credits are captured and a usage.Event is appended)
// or releases it (the units and held credits are returned). Reservations
// that are never reported are released by Sweep after a grace period.
//
// Overage handling follows the plan: block-mode quotas deny with
// limits.ErrQuotaExceeded and the period reset time, charge-mode quotas
// admit and flag the decision IsOverage.
package quota
