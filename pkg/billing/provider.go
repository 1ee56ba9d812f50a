package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v81"
)

// ErrUnmappedUsage is returned when a tenant/metric pair has no billing
// destination. It is never retried.
var ErrUnmappedUsage = errors.New("no billing destination for usage")

// UsageReport is one aggregated batch sent to the billing provider.
type UsageReport struct {
	TenantID string
	Metric   string
	Units    int64

	// IdempotencyKey is deterministic for the set of events in the batch.
	IdempotencyKey string

	// Timestamp is the occurrence time of the newest event in the batch.
	Timestamp time.Time

	// EventCount is the number of usage events aggregated.
	EventCount int
}

// Provider delivers usage to an external billing system. Implementations
// must treat IdempotencyKey as a deduplication key.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// ReportUsage sends one report.
	ReportUsage(ctx context.Context, report UsageReport) error
}

// IsRetryable reports whether a provider error is worth retrying: network
// failures, rate limiting (429) and server errors (5xx). Client errors and
// unmapped usage are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnmappedUsage) || errors.Is(err, context.Canceled) {
		return false
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == 429 || stripeErr.HTTPStatusCode >= 500 {
			return true
		}
		return stripeErr.HTTPStatusCode == 0 && stripeErr.Type == stripe.ErrorTypeAPI
	}

	var pe *PermanentError
	return !errors.As(err, &pe)
}

// PermanentError marks a provider failure that must not be retried.
type PermanentError struct {
	Err error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent billing error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// LogProvider writes reports to the log instead of a billing system. It is
// meant for development.
type LogProvider struct {
	logger *slog.Logger
}

// NewLogProvider creates a LogProvider.
func NewLogProvider(logger *slog.Logger) *LogProvider {
	if logger == nil {
		logger = slog.Default().With("component", "billing.log")
	}
	return &LogProvider{logger: logger}
}

// Name returns "log".
func (p *LogProvider) Name() string {
	return "log"
}

// ReportUsage logs the report.
func (p *LogProvider) ReportUsage(ctx context.Context, report UsageReport) error {
	p.logger.Info("usage report",
		"tenant_id", report.TenantID,
		"metric", report.Metric,
		"units", report.Units,
		"events", report.EventCount,
		"idempotency_key", report.IdempotencyKey,
		"timestamp", report.Timestamp,
	)
	return nil
}
