package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"

	"luneo-hq/guardian/pkg/limits"
	"luneo-hq/guardian/pkg/scheduler"
	"luneo-hq/guardian/pkg/usage"
)

// batchNamespace scopes batch idempotency keys.
var batchNamespace = uuid.MustParse("6f1c2a7e-4b0d-5c8e-9a13-2d7f0b5e8c41")

// BatchKey derives the idempotency key for a set of usage event keys. The
// result does not depend on the order of keys.
func BatchKey(keys []string) string {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)
	return uuid.NewSHA1(batchNamespace, []byte(strings.Join(sorted, "\n"))).String()
}

// Alerter receives billing sync failures that exhausted their retries.
type Alerter interface {
	BillingSyncFailed(ctx context.Context, err *limits.BillingSyncFailureError)
}

// LogAlerter logs failures at error level.
type LogAlerter struct {
	Logger *slog.Logger
}

// BillingSyncFailed implements Alerter.
func (a LogAlerter) BillingSyncFailed(ctx context.Context, err *limits.BillingSyncFailureError) {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("billing sync failed",
		"tenant_id", err.TenantID,
		"metric", err.Metric,
		"idempotency_key", err.IdempotencyKey,
		"attempts", err.Attempts,
		"error", err.Err,
	)
}

// Observer receives reconciliation outcomes for metrics.
type Observer interface {
	// BillingReport is called once per batch with outcome "reported",
	// "skipped" or "failed".
	BillingReport(provider, outcome string, units int64)

	// BillingRetry is called for every retried provider call.
	BillingRetry(provider string)
}

type nopObserver struct{}

func (nopObserver) BillingReport(string, string, int64) {}
func (nopObserver) BillingRetry(string)                 {}

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	// BatchLimit caps the events read per pass.
	// Default: 500
	BatchLimit int

	// MaxRetries is the number of retries after the first provider call.
	// Default: 5
	MaxRetries int

	// BaseDelay and MaxDelay bound the exponential backoff.
	// Default: 200ms and 10s
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Schedule is the cron expression used by Start.
	// Default: "@every 5m"
	Schedule string

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Summary describes one reconciliation pass.
type Summary struct {
	Events   int
	Batches  int
	Reported int
	Skipped  int
	Failed   int
	Units    int64
	Failures []error
	Duration time.Duration
}

// Reconciler drains unreconciled usage events into a billing Provider.
type Reconciler struct {
	config   ReconcilerConfig
	ledger   usage.Ledger
	provider Provider
	alerter  Alerter
	observer Observer
	sched    *scheduler.Scheduler
	logger   *slog.Logger

	// mu serializes passes so a scheduled run never overlaps a manual one.
	mu sync.Mutex
}

// NewReconciler creates a Reconciler. alerter and observer may be nil.
func NewReconciler(config ReconcilerConfig, ledger usage.Ledger, provider Provider, alerter Alerter, observer Observer) (*Reconciler, error) {
	if ledger == nil {
		return nil, fmt.Errorf("usage ledger is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("billing provider is required")
	}
	if config.BatchLimit <= 0 {
		config.BatchLimit = 500
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	} else if config.MaxRetries == 0 {
		config.MaxRetries = 5
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 200 * time.Millisecond
	}
	if config.MaxDelay < config.BaseDelay {
		config.MaxDelay = 10 * time.Second
		if config.MaxDelay < config.BaseDelay {
			config.MaxDelay = config.BaseDelay
		}
	}
	if config.Schedule == "" {
		config.Schedule = "@every 5m"
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if alerter == nil {
		alerter = LogAlerter{}
	}
	if observer == nil {
		observer = nopObserver{}
	}

	return &Reconciler{
		config:   config,
		ledger:   ledger,
		provider: provider,
		alerter:  alerter,
		observer: observer,
		logger:   slog.Default().With("component", "billing.reconciler", "provider", provider.Name()),
	}, nil
}

type batch struct {
	key      string
	pending  bool
	tenantID string
	metric   string
	keys     []string
	units    int64
	latest   time.Time
}

func (b *batch) add(e *usage.Event) {
	b.keys = append(b.keys, e.IdempotencyKey)
	b.units += e.Units
	if e.OccurredAt.After(b.latest) {
		b.latest = e.OccurredAt
	}
}

// group splits events per tenant then per metric, in sorted order.
func group(events []*usage.Event) []*batch {
	index := make(map[[2]string]*batch)
	for _, e := range events {
		id := [2]string{e.TenantID, e.Metric}
		b, ok := index[id]
		if !ok {
			b = &batch{tenantID: e.TenantID, metric: e.Metric}
			index[id] = b
		}
		b.add(e)
	}

	batches := make([]*batch, 0, len(index))
	for _, b := range index {
		sort.Strings(b.keys)
		b.key = BatchKey(b.keys)
		batches = append(batches, b)
	}
	sort.Slice(batches, func(i, j int) bool {
		if batches[i].tenantID != batches[j].tenantID {
			return batches[i].tenantID < batches[j].tenantID
		}
		return batches[i].metric < batches[j].metric
	})
	return batches
}

// Reconcile runs one pass. Batches assigned by an earlier pass that never
// finished are sent first, with their original key and members. Remaining
// events are grouped into new batches, and each batch is assigned in the
// ledger before the provider is called.
//
// Provider failures are reported through the Alerter and the Summary; the
// returned error is only set when the ledger cannot be read.
func (r *Reconciler) Reconcile(ctx context.Context) (*Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := r.config.Now()
	summary := &Summary{}

	events, err := r.ledger.Unreconciled(ctx, r.config.BatchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to read unreconciled usage: %w", err)
	}
	summary.Events = len(events)

	var (
		pendingKeys []string
		seen        = make(map[string]bool)
		fresh       []*usage.Event
	)
	for _, e := range events {
		if e.BatchKey == "" {
			fresh = append(fresh, e)
			continue
		}
		if !seen[e.BatchKey] {
			seen[e.BatchKey] = true
			pendingKeys = append(pendingKeys, e.BatchKey)
		}
	}

	var batches []*batch
	for _, key := range pendingKeys {
		b, err := r.pendingBatch(ctx, key)
		if err != nil {
			return nil, err
		}
		if b != nil {
			batches = append(batches, b)
		}
	}
	batches = append(batches, group(fresh)...)

	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Batches++

		outcome, err := r.reconcileBatch(ctx, b)
		switch outcome {
		case "reported":
			summary.Reported++
			summary.Units += b.units
		case "skipped":
			summary.Skipped++
		default:
			summary.Failed++
			summary.Failures = append(summary.Failures, err)
		}
		r.observer.BillingReport(r.provider.Name(), outcome, b.units)
	}

	summary.Duration = r.config.Now().Sub(start)
	if summary.Batches > 0 {
		r.logger.Info("reconciliation pass complete",
			"events", summary.Events,
			"batches", summary.Batches,
			"reported", summary.Reported,
			"skipped", summary.Skipped,
			"failed", summary.Failed,
			"units", summary.Units,
		)
	}
	return summary, nil
}

// pendingBatch rebuilds a batch assigned by an earlier pass from all of its
// unreconciled members.
func (r *Reconciler) pendingBatch(ctx context.Context, key string) (*batch, error) {
	unreconciled := false
	members, err := r.ledger.Query(ctx, &usage.Query{BatchKey: key, Reconciled: &unreconciled})
	if err != nil {
		return nil, fmt.Errorf("failed to read batch %s: %w", key, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	b := &batch{key: key, pending: true, tenantID: members[0].TenantID, metric: members[0].Metric}
	for _, e := range members {
		b.add(e)
	}
	sort.Strings(b.keys)
	return b, nil
}

func (r *Reconciler) reconcileBatch(ctx context.Context, b *batch) (string, error) {
	key := b.key

	sent, err := r.ledger.HasBatch(ctx, key)
	if err != nil {
		return "failed", fmt.Errorf("failed to check batch %s: %w", key, err)
	}
	if sent {
		// Reported earlier but never marked.
		if err := r.ledger.MarkReconciled(ctx, b.keys, key); err != nil {
			return "failed", fmt.Errorf("failed to mark batch %s: %w", key, err)
		}
		r.logger.Info("batch already reported, marking events", "tenant_id", b.tenantID, "metric", b.metric, "batch_key", key)
		return "skipped", nil
	}

	// The assignment fixes the batch members and key before anything is
	// sent, so a retry after any later failure reports the same batch.
	if !b.pending {
		assigned, err := r.ledger.AssignBatch(ctx, b.keys, key)
		if err != nil {
			return "failed", fmt.Errorf("failed to assign batch %s: %w", key, err)
		}
		if assigned != len(b.keys) {
			// Another pass claimed some members. Whatever was assigned here
			// is sent as a pending batch next pass.
			r.logger.Warn("batch claimed concurrently, deferring",
				"tenant_id", b.tenantID,
				"metric", b.metric,
				"batch_key", key,
				"assigned", assigned,
				"events", len(b.keys),
			)
			return "skipped", nil
		}
	}

	report := UsageReport{
		TenantID:       b.tenantID,
		Metric:         b.metric,
		Units:          b.units,
		IdempotencyKey: key,
		Timestamp:      b.latest,
		EventCount:     len(b.keys),
	}

	attempts, err := r.report(ctx, report)
	if err != nil {
		syncErr := &limits.BillingSyncFailureError{
			TenantID:       b.tenantID,
			Metric:         b.metric,
			IdempotencyKey: key,
			Attempts:       attempts,
			Err:            err,
		}
		r.alerter.BillingSyncFailed(ctx, syncErr)
		return "failed", syncErr
	}

	if err := r.ledger.RecordBatch(ctx, &usage.Batch{
		Key:        key,
		TenantID:   b.tenantID,
		Metric:     b.metric,
		Units:      b.units,
		EventCount: len(b.keys),
		SentAt:     r.config.Now(),
	}); err != nil {
		return "failed", fmt.Errorf("failed to record batch %s: %w", key, err)
	}
	if err := r.ledger.MarkReconciled(ctx, b.keys, key); err != nil {
		return "failed", fmt.Errorf("failed to mark batch %s: %w", key, err)
	}
	return "reported", nil
}

// report calls the provider with retries and returns the number of attempts.
func (r *Reconciler) report(ctx context.Context, report UsageReport) (int, error) {
	attempts := 0
	policy := retrypolicy.NewBuilder[any]().
		WithBackoff(r.config.BaseDelay, r.config.MaxDelay).
		WithJitterFactor(0.1).
		WithMaxRetries(r.config.MaxRetries).
		HandleIf(func(_ any, err error) bool {
			return IsRetryable(err)
		}).
		ReturnLastFailure().
		Build()

	_, err := failsafe.With(policy).WithContext(ctx).Get(func() (any, error) {
		attempts++
		if attempts > 1 {
			r.observer.BillingRetry(r.provider.Name())
		}
		err := r.provider.ReportUsage(ctx, report)
		if err != nil && IsRetryable(err) && attempts <= r.config.MaxRetries {
			r.logger.Warn("retrying usage report",
				"tenant_id", report.TenantID,
				"metric", report.Metric,
				"attempt", attempts,
				"error", err,
			)
		}
		return nil, err
	})
	return attempts, err
}

// Job returns the scheduled job that runs Reconcile.
func (r *Reconciler) Job() scheduler.Job {
	return scheduler.Job{
		Name:     "billing-reconcile",
		Schedule: r.config.Schedule,
		Run: func(ctx context.Context) error {
			_, err := r.Reconcile(ctx)
			return err
		},
	}
}

// Start schedules Reconcile on the configured cron schedule.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.sched != nil {
		r.mu.Unlock()
		return fmt.Errorf("reconciler already started")
	}
	sched := scheduler.New()
	r.sched = sched
	r.mu.Unlock()

	if err := sched.Add(ctx, r.Job()); err != nil {
		r.mu.Lock()
		r.sched = nil
		r.mu.Unlock()
		return fmt.Errorf("failed to schedule reconciler: %w", err)
	}
	sched.Start(ctx)
	r.logger.Info("billing reconciler started", "schedule", r.config.Schedule)
	return nil
}

// Stop stops the schedule and waits for a running pass to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	sched := r.sched
	r.sched = nil
	r.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}
}
