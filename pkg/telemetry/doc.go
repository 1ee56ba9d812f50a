// Package telemetry wires guardian's logging, metrics and health checks.
//
//	tel, err := telemetry.New(&cfg.Telemetry, os.Stderr, prometheus.NewRegistry())
//	if err != nil {
//	    return err
//	}
//	slog.SetDefault(tel.Logger)
//	limiter := ratelimit.NewLimiter(store, rlConfig, tel.Metrics)
//
// The subpackages can also be used on their own.
package telemetry
