package usage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLedger implements Ledger in memory. It is intended for tests and
// single-node development.
type MemoryLedger struct {
	mu      sync.RWMutex
	events  map[string]*Event
	batches map[string]*Batch
	now     func() time.Time
	closed  bool
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		events:  make(map[string]*Event),
		batches: make(map[string]*Batch),
		now:     time.Now,
	}
}

func copyEvent(e *Event) *Event {
	c := *e
	if e.ReconciledAt != nil {
		t := *e.ReconciledAt
		c.ReconciledAt = &t
	}
	return &c
}

// Append stores a copy of e.
func (m *MemoryLedger) Append(ctx context.Context, e *Event) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrLedgerClosed
	}
	if _, exists := m.events[e.IdempotencyKey]; exists {
		return false, nil
	}
	m.events[e.IdempotencyKey] = copyEvent(e)
	return true, nil
}

// Unreconciled returns pending events ordered by key.
func (m *MemoryLedger) Unreconciled(ctx context.Context, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrLedgerClosed
	}

	var pending []*Event
	for _, e := range m.events {
		if !e.Reconciled() {
			pending = append(pending, copyEvent(e))
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].IdempotencyKey < pending[j].IdempotencyKey
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// AssignBatch tags unassigned, unreconciled events with batchKey.
func (m *MemoryLedger) AssignBatch(ctx context.Context, keys []string, batchKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrLedgerClosed
	}

	assigned := 0
	for _, key := range keys {
		e, ok := m.events[key]
		if !ok || e.Reconciled() || e.BatchKey != "" {
			continue
		}
		e.BatchKey = batchKey
		assigned++
	}
	return assigned, nil
}

// MarkReconciled tags the given events.
func (m *MemoryLedger) MarkReconciled(ctx context.Context, keys []string, batchKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrLedgerClosed
	}

	now := m.now().UTC()
	for _, key := range keys {
		e, ok := m.events[key]
		if !ok || e.Reconciled() {
			continue
		}
		at := now
		e.BatchKey = batchKey
		e.ReconciledAt = &at
	}
	return nil
}

// Query returns matching events, oldest first.
func (m *MemoryLedger) Query(ctx context.Context, q *Query) ([]*Event, error) {
	if q == nil {
		q = &Query{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrLedgerClosed
	}

	var results []*Event
	for _, e := range m.events {
		if q.Matches(e) {
			results = append(results, copyEvent(e))
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if !results[i].OccurredAt.Equal(results[j].OccurredAt) {
			return results[i].OccurredAt.Before(results[j].OccurredAt)
		}
		return results[i].IdempotencyKey < results[j].IdempotencyKey
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// RecordBatch stores b unless its key already exists.
func (m *MemoryLedger) RecordBatch(ctx context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrLedgerClosed
	}
	if _, exists := m.batches[b.Key]; !exists {
		c := *b
		m.batches[b.Key] = &c
	}
	return nil
}

// HasBatch reports whether batchKey was recorded.
func (m *MemoryLedger) HasBatch(ctx context.Context, batchKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false, ErrLedgerClosed
	}
	_, ok := m.batches[batchKey]
	return ok, nil
}

// Close marks the ledger closed.
func (m *MemoryLedger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
