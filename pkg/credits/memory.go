package credits

import (
	"context"
	"fmt"
	"sync"
	"time"

	"luneo-hq/guardian/pkg/limits"
)

// MemoryStore implements Store in process memory. Balances are lost on
// restart; use SQLiteStore when persistence is required.
type MemoryStore struct {
	mu           sync.Mutex
	balances     map[string]*Balance
	transactions []Transaction
	references   map[string]struct{}
	nextID       int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:   make(map[string]*Balance),
		references: make(map[string]struct{}),
	}
}

func (m *MemoryStore) balanceLocked(tenantID string) *Balance {
	b, ok := m.balances[tenantID]
	if !ok {
		b = &Balance{TenantID: tenantID}
		m.balances[tenantID] = b
	}
	return b
}

func (m *MemoryStore) recordLocked(b *Balance, kind TransactionKind, amount, before int64, reference string) {
	m.nextID++
	m.transactions = append(m.transactions, Transaction{
		ID:            m.nextID,
		TenantID:      b.TenantID,
		Kind:          kind,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  b.Balance(),
		Reference:     reference,
		CreatedAt:     b.UpdatedAt,
	})
}

// Get returns a copy of the tenant's balance.
func (m *MemoryStore) Get(ctx context.Context, tenantID string) (*Balance, error) {
	if tenantID == "" {
		return nil, limits.ErrInvalidIdentifier
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[tenantID]
	if !ok {
		return &Balance{TenantID: tenantID}, nil
	}
	cp := *b
	return &cp, nil
}

// Reserve holds amount credits.
func (m *MemoryStore) Reserve(ctx context.Context, tenantID string, amount int64) error {
	if err := checkAmount(tenantID, amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balanceLocked(tenantID)
	if b.Available() < amount {
		return limits.NewInsufficientCreditsError(tenantID, "", amount, b.Available())
	}
	b.Held += amount
	b.UpdatedAt = time.Now()
	return nil
}

// Capture moves amount from held to used.
func (m *MemoryStore) Capture(ctx context.Context, tenantID string, amount int64, reference string) error {
	if err := checkAmount(tenantID, amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balanceLocked(tenantID)
	if b.Held < amount {
		return fmt.Errorf("cannot capture %d credits for %s: only %d held", amount, tenantID, b.Held)
	}
	before := b.Balance()
	b.Held -= amount
	b.Used += amount
	b.UpdatedAt = time.Now()
	m.recordLocked(b, KindUsage, -amount, before, reference)
	return nil
}

// Cancel releases held credits. Cancelling more than is held clamps to zero.
func (m *MemoryStore) Cancel(ctx context.Context, tenantID string, amount int64) error {
	if err := checkAmount(tenantID, amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balanceLocked(tenantID)
	b.Held -= amount
	if b.Held < 0 {
		b.Held = 0
	}
	b.UpdatedAt = time.Now()
	return nil
}

// Debit consumes credits directly.
func (m *MemoryStore) Debit(ctx context.Context, tenantID string, amount int64, reference string) error {
	if err := checkAmount(tenantID, amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balanceLocked(tenantID)
	if b.Available() < amount {
		return limits.NewInsufficientCreditsError(tenantID, "", amount, b.Available())
	}
	before := b.Balance()
	b.Used += amount
	b.UpdatedAt = time.Now()
	m.recordLocked(b, KindUsage, -amount, before, reference)
	return nil
}

// TopUp adds credits once per reference.
func (m *MemoryStore) TopUp(ctx context.Context, tenantID string, amount int64, kind TransactionKind, reference string) (bool, error) {
	if err := checkAmount(tenantID, amount); err != nil {
		return false, err
	}
	if reference == "" {
		return false, fmt.Errorf("top-up reference cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.references[reference]; seen {
		return false, nil
	}
	m.references[reference] = struct{}{}

	b := m.balanceLocked(tenantID)
	before := b.Balance()
	b.Purchased += amount
	b.UpdatedAt = time.Now()
	m.recordLocked(b, kind, amount, before, reference)
	return true, nil
}

// Transactions returns up to limit entries, newest first.
func (m *MemoryStore) Transactions(ctx context.Context, tenantID string, limit int) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Transaction
	for i := len(m.transactions) - 1; i >= 0; i-- {
		if m.transactions[i].TenantID != tenantID {
			continue
		}
		out = append(out, m.transactions[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

func checkAmount(tenantID string, amount int64) error {
	if tenantID == "" {
		return limits.ErrInvalidIdentifier
	}
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	return nil
}
