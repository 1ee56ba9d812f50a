package telemetry

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"luneo-hq/guardian/pkg/config"
	"luneo-hq/guardian/pkg/telemetry/health"
	"luneo-hq/guardian/pkg/telemetry/logging"
	"luneo-hq/guardian/pkg/telemetry/metrics"
)

// Telemetry bundles the process logger, metrics collector and health
// checker.
type Telemetry struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
	Health  *health.Checker
}

// New builds telemetry from cfg. Logs go to w. A nil registry creates a
// fresh one.
func New(cfg *config.TelemetryConfig, w io.Writer, registry *prometheus.Registry) (*Telemetry, error) {
	logger, err := logging.New(logging.FromConfig(cfg.Logging, w))
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	return &Telemetry{
		Logger:  logger,
		Metrics: metrics.NewCollector(&cfg.Metrics, registry),
		Health:  health.New(cfg.Health.CheckTimeout),
	}, nil
}
