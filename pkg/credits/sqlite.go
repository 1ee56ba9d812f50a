package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"luneo-hq/guardian/pkg/limits"
)

// SQLiteStore implements Store on SQLite. Every balance change is a single
// conditional UPDATE, so the non-negative invariant holds even when several
// processes share the database file.
type SQLiteStore struct {
	db        *sql.DB
	closeOnce sync.Once
}

// SQLiteConfig configures the SQLite credit store.
type SQLiteConfig struct {
	// Path is the database file.
	Path string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteStore opens (or creates) the credit database.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS credit_balances (
		tenant_id TEXT PRIMARY KEY,
		purchased INTEGER NOT NULL DEFAULT 0,
		used INTEGER NOT NULL DEFAULT 0,
		held INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		CHECK (purchased - used - held >= 0),
		CHECK (held >= 0)
	);

	CREATE TABLE IF NOT EXISTS credit_transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount INTEGER NOT NULL,
		balance_before INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		reference TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_tx_topup_ref
		ON credit_transactions(reference) WHERE kind IN ('topup', 'refill');
	CREATE INDEX IF NOT EXISTS idx_credit_tx_tenant ON credit_transactions(tenant_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the tenant's balance.
func (s *SQLiteStore) Get(ctx context.Context, tenantID string) (*Balance, error) {
	if tenantID == "" {
		return nil, limits.ErrInvalidIdentifier
	}
	return s.get(ctx, s.db, tenantID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) get(ctx context.Context, q querier, tenantID string) (*Balance, error) {
	var (
		b       = Balance{TenantID: tenantID}
		updated int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT purchased, used, held, updated_at FROM credit_balances WHERE tenant_id = ?`,
		tenantID,
	).Scan(&b.Purchased, &b.Used, &b.Held, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return &b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}
	b.UpdatedAt = time.UnixMilli(updated)
	return &b, nil
}

// Reserve holds amount credits with a single conditional UPDATE.
func (s *SQLiteStore) Reserve(ctx context.Context, tenantID string, amount int64) error {
	if err := checkAmount(tenantID, amount); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE credit_balances
		SET held = held + ?, updated_at = ?
		WHERE tenant_id = ? AND purchased - used - held >= ?`,
		amount, time.Now().UnixMilli(), tenantID, amount,
	)
	if err != nil {
		return fmt.Errorf("failed to reserve credits: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	b, err := s.get(ctx, s.db, tenantID)
	if err != nil {
		return err
	}
	return limits.NewInsufficientCreditsError(tenantID, "", amount, b.Available())
}

// Capture moves amount from held to used and records a usage transaction.
func (s *SQLiteStore) Capture(ctx context.Context, tenantID string, amount int64, reference string) error {
	if err := checkAmount(tenantID, amount); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	return s.consume(ctx, tenantID, amount, reference, func(b *Balance) error {
		return fmt.Errorf("cannot capture %d credits for %s: only %d held", amount, tenantID, b.Held)
	}, `
		UPDATE credit_balances
		SET held = held - ?, used = used + ?, updated_at = ?
		WHERE tenant_id = ? AND held >= ?`,
		amount, amount, now, tenantID, amount,
	)
}

// Debit consumes credits without a hold.
func (s *SQLiteStore) Debit(ctx context.Context, tenantID string, amount int64, reference string) error {
	if err := checkAmount(tenantID, amount); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	return s.consume(ctx, tenantID, amount, reference, func(b *Balance) error {
		return limits.NewInsufficientCreditsError(tenantID, "", amount, b.Available())
	}, `
		UPDATE credit_balances
		SET used = used + ?, updated_at = ?
		WHERE tenant_id = ? AND purchased - used - held >= ?`,
		amount, now, tenantID, amount,
	)
}

// consume runs a conditional usage UPDATE and its audit insert in one
// transaction. When the UPDATE matches no row, failure builds the error.
func (s *SQLiteStore) consume(ctx context.Context, tenantID string, amount int64, reference string, failure func(*Balance) error, update string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	before, err := s.get(ctx, tx, tenantID)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, update, args...)
	if err != nil {
		return fmt.Errorf("failed to consume credits: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return failure(before)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (tenant_id, kind, amount, balance_before, balance_after, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tenantID, string(KindUsage), -amount, before.Balance(), before.Balance()-amount, reference, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}

	return tx.Commit()
}

// Cancel returns held credits, clamping at zero.
func (s *SQLiteStore) Cancel(ctx context.Context, tenantID string, amount int64) error {
	if err := checkAmount(tenantID, amount); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE credit_balances
		SET held = MAX(held - ?, 0), updated_at = ?
		WHERE tenant_id = ?`,
		amount, time.Now().UnixMilli(), tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel hold: %w", err)
	}
	return nil
}

// TopUp adds credits once per reference.
func (s *SQLiteStore) TopUp(ctx context.Context, tenantID string, amount int64, kind TransactionKind, reference string) (bool, error) {
	if err := checkAmount(tenantID, amount); err != nil {
		return false, err
	}
	if reference == "" {
		return false, fmt.Errorf("top-up reference cannot be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_balances (tenant_id, purchased, used, held, updated_at)
		VALUES (?, 0, 0, 0, ?)
		ON CONFLICT (tenant_id) DO NOTHING`,
		tenantID, now,
	); err != nil {
		return false, fmt.Errorf("failed to create balance: %w", err)
	}

	before, err := s.get(ctx, tx, tenantID)
	if err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (tenant_id, kind, amount, balance_before, balance_after, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		tenantID, string(kind), amount, before.Balance(), before.Balance()+amount, reference, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record top-up: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_balances SET purchased = purchased + ?, updated_at = ? WHERE tenant_id = ?`,
		amount, now, tenantID,
	); err != nil {
		return false, fmt.Errorf("failed to apply top-up: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit top-up: %w", err)
	}
	return true, nil
}

// Transactions returns up to limit entries, newest first.
func (s *SQLiteStore) Transactions(ctx context.Context, tenantID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, kind, amount, balance_before, balance_after, COALESCE(reference, ''), created_at
		FROM credit_transactions
		WHERE tenant_id = ?
		ORDER BY id DESC
		LIMIT ?`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var (
			t       Transaction
			kind    string
			created int64
		)
		if err := rows.Scan(&t.ID, &t.TenantID, &kind, &t.Amount, &t.BalanceBefore, &t.BalanceAfter, &t.Reference, &created); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Kind = TransactionKind(kind)
		t.CreatedAt = time.UnixMilli(created)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// Close closes the database. It is safe to call multiple times.
func (s *SQLiteStore) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		closeErr = s.db.Close()
	})
	return closeErr
}
