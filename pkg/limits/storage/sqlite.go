package storage

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

// SQLiteStore implements CounterStore using SQLite for persistence.
// It suits single-instance deployments where quota counters must survive
// a restart. Mutations run inside a transaction on a single connection,
// which serializes them and makes IncrementIfUnder atomic.
type SQLiteStore struct {
	db                 *sql.DB
	dbPath             string
	checkpointInterval time.Duration
	now                func() time.Time
	done               chan struct{}
	closeOnce          sync.Once

	getStmt     *sql.Stmt
	deleteStmt  *sql.Stmt
	cleanupStmt *sql.Stmt
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// CheckpointInterval is how often to checkpoint the WAL and purge
	// expired counters.
	// Default: 5 minutes
	CheckpointInterval time.Duration

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewSQLiteStore opens (or creates) a counter database.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.DBPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{
		db:                 db,
		dbPath:             cfg.DBPath,
		checkpointInterval: cfg.CheckpointInterval,
		now:                cfg.Now,
		done:               make(chan struct{}),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	go s.checkpointLoop()

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_counters (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_usage_counters_expires ON usage_counters(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.getStmt, err = s.db.Prepare(`
		SELECT value FROM usage_counters
		WHERE key = ? AND (expires_at = 0 OR expires_at > ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get statement: %w", err)
	}

	s.deleteStmt, err = s.db.Prepare(`DELETE FROM usage_counters WHERE key = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	s.cleanupStmt, err = s.db.Prepare(`
		DELETE FROM usage_counters WHERE expires_at > 0 AND expires_at <= ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare cleanup statement: %w", err)
	}

	return nil
}

func expiresAt(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixMilli()
}

// mutate loads the live value of key inside a transaction, lets apply
// compute the new value and writes it back. apply returns write=false to
// leave the row untouched.
func (s *SQLiteStore) mutate(ctx context.Context, key string, ttl time.Duration, apply func(current int64, exists bool) (next int64, write bool)) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: sqlite begin: %v", limits.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	now := s.now()
	var (
		current int64
		expiry  int64
		exists  = true
	)
	err = tx.QueryRowContext(ctx,
		`SELECT value, expires_at FROM usage_counters WHERE key = ?`, key,
	).Scan(&current, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return 0, fmt.Errorf("%w: sqlite select: %v", limits.ErrStoreUnavailable, err)
	}
	if exists && expiry > 0 && expiry <= now.UnixMilli() {
		exists, current = false, 0
	}

	next, write := apply(current, exists)
	if !write {
		return current, nil
	}

	if !exists {
		expiry = expiresAt(now, ttl)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO usage_counters (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, next, expiry,
	); err != nil {
		return 0, fmt.Errorf("%w: sqlite upsert: %v", limits.ErrStoreUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: sqlite commit: %v", limits.ErrStoreUnavailable, err)
	}
	return next, nil
}

// IncrementIfUnder adds units if the result stays within limit.
func (s *SQLiteStore) IncrementIfUnder(ctx context.Context, key string, units, limit int64, ttl time.Duration) (IncrementResult, error) {
	if key == "" {
		return IncrementResult{}, fmt.Errorf("key cannot be empty")
	}

	admitted := false
	count, err := s.mutate(ctx, key, ttl, func(current int64, _ bool) (int64, bool) {
		if current+units > limit {
			return current, false
		}
		admitted = true
		return current + units, true
	})
	if err != nil {
		return IncrementResult{}, err
	}
	return newResult(admitted, count, limit), nil
}

// Increment adds units unconditionally.
func (s *SQLiteStore) Increment(ctx context.Context, key string, units int64, ttl time.Duration) (int64, error) {
	if key == "" {
		return 0, fmt.Errorf("key cannot be empty")
	}
	return s.mutate(ctx, key, ttl, func(current int64, _ bool) (int64, bool) {
		return current + units, true
	})
}

// Decrement subtracts units, flooring at zero.
func (s *SQLiteStore) Decrement(ctx context.Context, key string, units int64) (int64, error) {
	return s.mutate(ctx, key, 0, func(current int64, exists bool) (int64, bool) {
		if !exists {
			return 0, false
		}
		next := current - units
		if next < 0 {
			next = 0
		}
		return next, true
	})
}

// Get returns the current count.
func (s *SQLiteStore) Get(ctx context.Context, key string) (int64, error) {
	var value int64
	err := s.getStmt.QueryRowContext(ctx, key, s.now().UnixMilli()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: sqlite get: %v", limits.ErrStoreUnavailable, err)
	}
	return value, nil
}

// Delete removes key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.deleteStmt.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("%w: sqlite delete: %v", limits.ErrStoreUnavailable, err)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: sqlite ping: %v", limits.ErrStoreUnavailable, err)
	}
	return nil
}

// Cleanup removes expired counters.
func (s *SQLiteStore) Cleanup(ctx context.Context) (int, error) {
	result, err := s.cleanupStmt.ExecContext(ctx, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(deleted), nil
}

// Close releases any resources held by the store.
// Close is idempotent and safe to call multiple times.
func (s *SQLiteStore) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		close(s.done)

		for _, stmt := range []*sql.Stmt{s.getStmt, s.deleteStmt, s.cleanupStmt} {
			if stmt != nil {
				stmt.Close()
			}
		}

		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		closeErr = s.db.Close()
	})

	return closeErr
}

// checkpointLoop runs periodic WAL checkpoints and expiry cleanup.
func (s *SQLiteStore) checkpointLoop() {
	ticker := time.NewTicker(s.checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.Cleanup(context.Background())
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
		case <-s.done:
			return
		}
	}
}
