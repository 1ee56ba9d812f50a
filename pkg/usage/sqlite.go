package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Schema is the ledger schema. Times are stored as Unix nanoseconds (UTC).
const Schema = `
CREATE TABLE IF NOT EXISTS usage_events (
	idempotency_key TEXT PRIMARY KEY,
	tenant_id       TEXT    NOT NULL,
	metric          TEXT    NOT NULL,
	units           INTEGER NOT NULL CHECK (units > 0),
	cost_cents      TEXT    NOT NULL,
	credits_charged INTEGER NOT NULL DEFAULT 0,
	overage         INTEGER NOT NULL DEFAULT 0,
	overage_units   INTEGER NOT NULL DEFAULT 0,
	pricing_version TEXT    NOT NULL DEFAULT '',
	occurred_at     INTEGER NOT NULL,
	batch_key       TEXT,
	reconciled_at   INTEGER
);

CREATE INDEX IF NOT EXISTS idx_usage_events_pending
	ON usage_events(idempotency_key) WHERE reconciled_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_usage_events_batch
	ON usage_events(batch_key) WHERE reconciled_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_usage_events_tenant_time
	ON usage_events(tenant_id, occurred_at);

CREATE TABLE IF NOT EXISTS billing_batches (
	batch_key   TEXT PRIMARY KEY,
	tenant_id   TEXT    NOT NULL,
	metric      TEXT    NOT NULL,
	units       INTEGER NOT NULL,
	event_count INTEGER NOT NULL,
	sent_at     INTEGER NOT NULL
);
`

// SQLiteConfig contains configuration for the SQLite ledger.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// MaxOpenConns is the maximum number of open connections.
	// Default: 4
	MaxOpenConns int

	// WALMode enables Write-Ahead Logging.
	// Default: true
	WALMode bool

	// BusyTimeout is the duration to wait when the database is locked.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns the default SQLite configuration.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:         "data/usage.db",
		MaxOpenConns: 4,
		WALMode:      true,
		BusyTimeout:  5 * time.Second,
	}
}

// SQLiteLedger implements Ledger on SQLite.
type SQLiteLedger struct {
	db     *sql.DB
	config *SQLiteConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteLedger opens (or creates) the ledger database.
func NewSQLiteLedger(config *SQLiteConfig) (*SQLiteLedger, error) {
	if config == nil {
		config = DefaultSQLiteConfig()
	}
	if config.Path == "" {
		return nil, newStorageError("sqlite", "open", errors.New("path cannot be empty"))
	}
	if config.MaxOpenConns <= 0 {
		config.MaxOpenConns = 4
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}

	logger := slog.Default().With("component", "usage.ledger.sqlite")

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_txlock=immediate", config.Path, config.BusyTimeout.Milliseconds())
	if config.WALMode {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, newStorageError("sqlite", "open", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxOpenConns)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, newStorageError("sqlite", "create_schema", err)
	}

	logger.Info("usage ledger initialized",
		"path", config.Path,
		"wal_mode", config.WALMode,
		"max_open_conns", config.MaxOpenConns,
	)

	return &SQLiteLedger{db: db, config: config, logger: logger, now: time.Now}, nil
}

// Append inserts e, ignoring duplicates.
func (s *SQLiteLedger) Append(ctx context.Context, e *Event) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events
			(idempotency_key, tenant_id, metric, units, cost_cents, credits_charged, overage, overage_units, pricing_version, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		e.IdempotencyKey, e.TenantID, e.Metric, e.Units, e.CostCents.String(),
		e.CreditsCharged, e.Overage, e.OverageUnits, e.PricingVersion, e.OccurredAt.UTC().UnixNano(),
	)
	if err != nil {
		return false, newStorageError("sqlite", "append", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, newStorageError("sqlite", "append", err)
	}
	return n == 1, nil
}

const selectColumns = `idempotency_key, tenant_id, metric, units, cost_cents, credits_charged,
	overage, overage_units, pricing_version, occurred_at, batch_key, reconciled_at`

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e          Event
			cost       string
			occurred   int64
			batchKey   sql.NullString
			reconciled sql.NullInt64
		)
		if err := rows.Scan(&e.IdempotencyKey, &e.TenantID, &e.Metric, &e.Units, &cost,
			&e.CreditsCharged, &e.Overage, &e.OverageUnits, &e.PricingVersion, &occurred, &batchKey, &reconciled); err != nil {
			return nil, err
		}
		if err := e.CostCents.UnmarshalText([]byte(cost)); err != nil {
			return nil, fmt.Errorf("event %s: invalid cost %q: %w", e.IdempotencyKey, cost, err)
		}
		e.OccurredAt = time.Unix(0, occurred).UTC()
		e.BatchKey = batchKey.String
		if reconciled.Valid {
			at := time.Unix(0, reconciled.Int64).UTC()
			e.ReconciledAt = &at
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Unreconciled returns pending events ordered by key.
func (s *SQLiteLedger) Unreconciled(ctx context.Context, limit int) ([]*Event, error) {
	query := `SELECT ` + selectColumns + ` FROM usage_events
		WHERE reconciled_at IS NULL ORDER BY idempotency_key`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, newStorageError("sqlite", "unreconciled", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, newStorageError("sqlite", "unreconciled", err)
	}
	return events, nil
}

// AssignBatch tags unassigned, unreconciled events with batchKey in one
// transaction.
func (s *SQLiteLedger) AssignBatch(ctx context.Context, keys []string, batchKey string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, newStorageError("sqlite", "assign_batch", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE usage_events SET batch_key = ?
		WHERE idempotency_key = ? AND reconciled_at IS NULL AND (batch_key IS NULL OR batch_key = '')`)
	if err != nil {
		return 0, newStorageError("sqlite", "assign_batch", err)
	}
	defer stmt.Close()

	assigned := 0
	for _, key := range keys {
		res, err := stmt.ExecContext(ctx, batchKey, key)
		if err != nil {
			return 0, newStorageError("sqlite", "assign_batch", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, newStorageError("sqlite", "assign_batch", err)
		}
		assigned += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, newStorageError("sqlite", "assign_batch", err)
	}
	return assigned, nil
}

// MarkReconciled tags events with batchKey in one transaction.
func (s *SQLiteLedger) MarkReconciled(ctx context.Context, keys []string, batchKey string) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStorageError("sqlite", "mark_reconciled", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE usage_events SET batch_key = ?, reconciled_at = ?
		WHERE idempotency_key = ? AND reconciled_at IS NULL`)
	if err != nil {
		return newStorageError("sqlite", "mark_reconciled", err)
	}
	defer stmt.Close()

	now := s.now().UTC().UnixNano()
	for _, key := range keys {
		if _, err := stmt.ExecContext(ctx, batchKey, now, key); err != nil {
			return newStorageError("sqlite", "mark_reconciled", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return newStorageError("sqlite", "mark_reconciled", err)
	}
	return nil
}

// Query returns matching events, oldest first.
func (s *SQLiteLedger) Query(ctx context.Context, q *Query) ([]*Event, error) {
	if q == nil {
		q = &Query{}
	}

	var (
		where []string
		args  []any
	)
	if q.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, q.TenantID)
	}
	if q.Metric != "" {
		where = append(where, "metric = ?")
		args = append(args, q.Metric)
	}
	if !q.Since.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, q.Since.UTC().UnixNano())
	}
	if !q.Until.IsZero() {
		where = append(where, "occurred_at < ?")
		args = append(args, q.Until.UTC().UnixNano())
	}
	if q.BatchKey != "" {
		where = append(where, "batch_key = ?")
		args = append(args, q.BatchKey)
	}
	if q.Reconciled != nil {
		if *q.Reconciled {
			where = append(where, "reconciled_at IS NOT NULL")
		} else {
			where = append(where, "reconciled_at IS NULL")
		}
	}

	query := `SELECT ` + selectColumns + ` FROM usage_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY occurred_at, idempotency_key`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, newStorageError("sqlite", "query", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, newStorageError("sqlite", "query", err)
	}
	return events, nil
}

// RecordBatch stores b unless its key already exists.
func (s *SQLiteLedger) RecordBatch(ctx context.Context, b *Batch) error {
	sentAt := b.SentAt
	if sentAt.IsZero() {
		sentAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_batches (batch_key, tenant_id, metric, units, event_count, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (batch_key) DO NOTHING`,
		b.Key, b.TenantID, b.Metric, b.Units, b.EventCount, sentAt.UTC().UnixNano(),
	)
	if err != nil {
		return newStorageError("sqlite", "record_batch", err)
	}
	return nil
}

// HasBatch reports whether batchKey was recorded.
func (s *SQLiteLedger) HasBatch(ctx context.Context, batchKey string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM billing_batches WHERE batch_key = ?`, batchKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, newStorageError("sqlite", "has_batch", err)
	}
	return true, nil
}

// Ping checks the database connection.
func (s *SQLiteLedger) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteLedger) Close() error {
	if err := s.db.Close(); err != nil {
		return newStorageError("sqlite", "close", err)
	}
	s.logger.Info("usage ledger closed")
	return nil
}
