// Package server runs guardian's ops HTTP server.
//
// Endpoints, with paths from the telemetry configuration:
//
//   - /health: liveness
//   - /ready: readiness (503 when a critical check fails)
//   - /version: build information
//   - /metrics: Prometheus exposition
//
// Start blocks until the context is canceled:
//
//	srv := server.NewServer(cfg, tel, info)
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
package server
