// Package health provides liveness, readiness and version endpoints.
//
// Components register checks with a Checker. The counter store is usually
// registered as non-critical: with quota fail-open enabled an outage
// degrades accounting but admission continues, so readiness reports
// "degraded" with HTTP 200. The usage ledger is critical because commits
// cannot be recorded without it.
//
//	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
//	checker.RegisterCheck("counter_store", health.PingCheck(store))
//	checker.RegisterCheck("store_breaker", health.BreakerCheck(guarded.State))
//	checker.RegisterCriticalCheck("usage_ledger", health.PingCheck(ledger))
//	health.Mount(mux, checker, cfg.Telemetry.Health, info)
package health
