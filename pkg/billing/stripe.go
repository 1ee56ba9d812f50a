package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/usagerecord"
)

// WildcardMetric maps every metric of a tenant to one subscription item.
const WildcardMetric = "*"

// StripeConfig configures the Stripe provider.
type StripeConfig struct {
	// SecretKey is the Stripe API key (sk_live_... or sk_test_...).
	SecretKey string

	// SubscriptionItems maps tenant -> metric -> subscription item ID
	// (si_...). The metric "*" is used when no exact metric entry exists.
	SubscriptionItems map[string]map[string]string

	// Backend overrides the Stripe API backend, for tests.
	Backend stripe.Backend
}

// StripeProvider reports usage as Stripe metered usage records with
// action=increment. The batch idempotency key is passed through as the
// Stripe Idempotency-Key so replays are deduplicated server side.
type StripeProvider struct {
	client usagerecord.Client
	items  map[string]map[string]string
	logger *slog.Logger
}

// NewStripeProvider creates a Stripe provider.
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("stripe: secret key is required")
	}

	backend := cfg.Backend
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}

	items := make(map[string]map[string]string, len(cfg.SubscriptionItems))
	for tenant, metrics := range cfg.SubscriptionItems {
		items[tenant] = make(map[string]string, len(metrics))
		for metric, si := range metrics {
			items[tenant][metric] = si
		}
	}

	return &StripeProvider{
		client: usagerecord.Client{B: backend, Key: cfg.SecretKey},
		items:  items,
		logger: slog.Default().With("component", "billing.stripe"),
	}, nil
}

// Name returns "stripe".
func (p *StripeProvider) Name() string {
	return "stripe"
}

// SubscriptionItem returns the subscription item for tenant and metric.
func (p *StripeProvider) SubscriptionItem(tenantID, metric string) (string, bool) {
	metrics, ok := p.items[tenantID]
	if !ok {
		return "", false
	}
	if si, ok := metrics[metric]; ok && si != "" {
		return si, true
	}
	si, ok := metrics[WildcardMetric]
	return si, ok && si != ""
}

// ReportUsage creates one usage record.
func (p *StripeProvider) ReportUsage(ctx context.Context, report UsageReport) error {
	si, ok := p.SubscriptionItem(report.TenantID, report.Metric)
	if !ok {
		return fmt.Errorf("%w: tenant %s metric %s", ErrUnmappedUsage, report.TenantID, report.Metric)
	}
	if report.Units <= 0 {
		return &PermanentError{Err: fmt.Errorf("stripe: quantity must be positive, got %d", report.Units)}
	}

	params := &stripe.UsageRecordParams{
		SubscriptionItem: stripe.String(si),
		Quantity:         stripe.Int64(report.Units),
		Action:           stripe.String("increment"),
	}
	if !report.Timestamp.IsZero() {
		params.Timestamp = stripe.Int64(report.Timestamp.Unix())
	}
	params.Context = ctx
	params.SetIdempotencyKey(report.IdempotencyKey)

	record, err := p.client.New(params)
	if err != nil {
		p.logger.Warn("failed to report usage to stripe",
			"tenant_id", report.TenantID,
			"metric", report.Metric,
			"subscription_item_id", si,
			"error", err,
		)
		return fmt.Errorf("stripe: failed to report usage: %w", err)
	}

	p.logger.Info("reported usage to stripe",
		"tenant_id", report.TenantID,
		"metric", report.Metric,
		"usage_record_id", record.ID,
		"quantity", record.Quantity,
	)
	return nil
}
