package credits

import (
	"context"
	"time"
)

// Balance is a tenant's credit account.
//
// Purchased only grows (top-ups, refills). Used only grows (captured usage).
// Held is reserved by admitted-but-unreported operations. Stores guarantee
// Purchased - Used - Held >= 0 at all times.
type Balance struct {
	TenantID  string
	Purchased int64
	Used      int64
	Held      int64
	UpdatedAt time.Time
}

// Balance returns purchased minus used.
func (b *Balance) Balance() int64 {
	return b.Purchased - b.Used
}

// Available returns the credits that can still be reserved.
func (b *Balance) Available() int64 {
	return b.Purchased - b.Used - b.Held
}

// TransactionKind classifies ledger entries.
type TransactionKind string

const (
	// KindTopUp is a purchased credit pack.
	KindTopUp TransactionKind = "topup"

	// KindRefill is the monthly plan allowance.
	KindRefill TransactionKind = "refill"

	// KindUsage is a captured or directly debited operation.
	KindUsage TransactionKind = "usage"
)

// Transaction is an audit entry for a balance change.
type Transaction struct {
	ID            int64
	TenantID      string
	Kind          TransactionKind
	Amount        int64
	BalanceBefore int64
	BalanceAfter  int64
	Reference     string
	CreatedAt     time.Time
}

// Store persists credit balances. All mutating operations are atomic per
// tenant; implementations must be safe for concurrent use.
type Store interface {
	// Get returns the tenant's balance. Unknown tenants have a zero balance.
	Get(ctx context.Context, tenantID string) (*Balance, error)

	// Reserve holds amount credits. It fails with limits.ErrInsufficientCredits
	// when Available() < amount.
	Reserve(ctx context.Context, tenantID string, amount int64) error

	// Capture converts a previous hold into usage and records a transaction
	// under reference.
	Capture(ctx context.Context, tenantID string, amount int64, reference string) error

	// Cancel returns held credits to the available pool.
	Cancel(ctx context.Context, tenantID string, amount int64) error

	// Debit consumes credits without a prior hold.
	Debit(ctx context.Context, tenantID string, amount int64, reference string) error

	// TopUp adds credits. It is idempotent on reference: a repeated reference
	// returns applied=false and changes nothing.
	TopUp(ctx context.Context, tenantID string, amount int64, kind TransactionKind, reference string) (applied bool, err error)

	// Transactions returns the newest entries first.
	Transactions(ctx context.Context, tenantID string, limit int) ([]Transaction, error)

	// Close releases resources.
	Close() error
}
