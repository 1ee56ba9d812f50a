package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidEvent is returned by Append for events missing required fields.
	ErrInvalidEvent = errors.New("invalid usage event")

	// ErrLedgerClosed is returned after Close.
	ErrLedgerClosed = errors.New("usage ledger closed")
)

// Event is one committed, billable operation. Events are immutable once
// appended; reconciliation only annotates them with a batch key.
type Event struct {
	// IdempotencyKey identifies the event across retries. UUIDv7 keys sort
	// in creation order.
	IdempotencyKey string `json:"idempotency_key"`

	TenantID string `json:"tenant_id"`
	Metric   string `json:"metric"`
	Units    int64  `json:"units"`

	// CostCents is the estimated cost at commit time.
	CostCents decimal.Decimal `json:"cost_cents"`

	// CreditsCharged is the number of credits captured for the event.
	CreditsCharged int64 `json:"credits_charged"`

	// Overage marks units admitted past a charge-mode quota.
	Overage bool `json:"overage"`

	// OverageUnits is how many of Units were past the limit.
	OverageUnits int64 `json:"overage_units,omitempty"`

	// PricingVersion is the pricing table version used for CostCents.
	PricingVersion string `json:"pricing_version"`

	OccurredAt time.Time `json:"occurred_at"`

	// BatchKey is set when the reconciler assigns the event to a batch,
	// before the batch is reported. ReconciledAt is set once it was reported.
	BatchKey     string     `json:"batch_key,omitempty"`
	ReconciledAt *time.Time `json:"reconciled_at,omitempty"`
}

// Validate checks required fields.
func (e *Event) Validate() error {
	switch {
	case e.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidEvent)
	case e.TenantID == "":
		return fmt.Errorf("%w: tenant id is required", ErrInvalidEvent)
	case e.Metric == "":
		return fmt.Errorf("%w: metric is required", ErrInvalidEvent)
	case e.Units <= 0:
		return fmt.Errorf("%w: units must be positive", ErrInvalidEvent)
	case e.OverageUnits < 0 || e.OverageUnits > e.Units:
		return fmt.Errorf("%w: overage units must be within units", ErrInvalidEvent)
	case e.CostCents.IsNegative():
		return fmt.Errorf("%w: cost must be non-negative", ErrInvalidEvent)
	case e.OccurredAt.IsZero():
		return fmt.Errorf("%w: occurred_at is required", ErrInvalidEvent)
	}
	return nil
}

// Reconciled reports whether the event has been reported to billing.
func (e *Event) Reconciled() bool {
	return e.ReconciledAt != nil
}

// Batch is a sent-batch record kept by the billing reconciler so a crash
// between reporting and marking events cannot report a batch twice.
type Batch struct {
	Key        string
	TenantID   string
	Metric     string
	Units      int64
	EventCount int
	SentAt     time.Time
}

// Query filters events. Zero values match everything.
type Query struct {
	TenantID string
	Metric   string

	// Since and Until bound OccurredAt as [Since, Until).
	Since time.Time
	Until time.Time

	// BatchKey matches events assigned to one billing batch.
	BatchKey string

	// Reconciled filters by reconciliation status when non-nil.
	Reconciled *bool

	// Limit caps the result size. Zero means no limit.
	Limit int
}

// Matches reports whether e satisfies the query filters.
func (q *Query) Matches(e *Event) bool {
	if q.TenantID != "" && e.TenantID != q.TenantID {
		return false
	}
	if q.Metric != "" && e.Metric != q.Metric {
		return false
	}
	if !q.Since.IsZero() && e.OccurredAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !e.OccurredAt.Before(q.Until) {
		return false
	}
	if q.BatchKey != "" && e.BatchKey != q.BatchKey {
		return false
	}
	if q.Reconciled != nil && e.Reconciled() != *q.Reconciled {
		return false
	}
	return true
}

// Ledger is the append-only store of usage events.
type Ledger interface {
	// Append stores e. Appending an idempotency key that already exists is
	// a no-op and returns appended=false.
	Append(ctx context.Context, e *Event) (appended bool, err error)

	// Unreconciled returns up to limit unreconciled events ordered by
	// idempotency key, including events already assigned to a batch.
	Unreconciled(ctx context.Context, limit int) ([]*Event, error)

	// AssignBatch tags unreconciled events that have no batch yet with
	// batchKey and returns how many were tagged. Events assigned to another
	// batch keep it.
	AssignBatch(ctx context.Context, keys []string, batchKey string) (int, error)

	// MarkReconciled tags events with batchKey. Already reconciled events
	// keep their original batch key.
	MarkReconciled(ctx context.Context, keys []string, batchKey string) error

	// Query returns events matching q, oldest first.
	Query(ctx context.Context, q *Query) ([]*Event, error)

	// RecordBatch stores a sent batch. Recording an existing key is a no-op.
	RecordBatch(ctx context.Context, b *Batch) error

	// HasBatch reports whether batchKey was already sent.
	HasBatch(ctx context.Context, batchKey string) (bool, error)

	// Close releases resources.
	Close() error
}

// Total aggregates events for one tenant and metric.
type Total struct {
	TenantID       string          `json:"tenant_id"`
	Metric         string          `json:"metric"`
	Units          int64           `json:"units"`
	OverageUnits   int64           `json:"overage_units"`
	CostCents      decimal.Decimal `json:"cost_cents"`
	CreditsCharged int64           `json:"credits_charged"`
	Events         int             `json:"events"`
}

// Summarize aggregates events per tenant and metric, sorted by tenant then
// metric.
func Summarize(events []*Event) []Total {
	type key struct{ tenant, metric string }
	totals := make(map[key]*Total)

	for _, e := range events {
		k := key{e.TenantID, e.Metric}
		t, ok := totals[k]
		if !ok {
			t = &Total{TenantID: e.TenantID, Metric: e.Metric}
			totals[k] = t
		}
		t.Units += e.Units
		switch {
		case e.OverageUnits > 0:
			t.OverageUnits += e.OverageUnits
		case e.Overage:
			t.OverageUnits += e.Units
		}
		t.CostCents = t.CostCents.Add(e.CostCents)
		t.CreditsCharged += e.CreditsCharged
		t.Events++
	}

	out := make([]Total, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].Metric < out[j].Metric
	})
	return out
}

// StorageError represents an error from a ledger backend.
type StorageError struct {
	Backend   string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("usage ledger error [backend=%s, operation=%s]: %v", e.Backend, e.Operation, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

func newStorageError(backend, operation string, cause error) *StorageError {
	return &StorageError{Backend: backend, Operation: operation, Cause: cause}
}
