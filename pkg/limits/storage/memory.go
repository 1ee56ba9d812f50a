package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"luneo-hq/guardian/pkg/limits"
)

// MemoryStore implements CounterStore using in-memory storage.
// It is the default for single-instance deployments. All counters are lost
// when the process exits.
//
// Every operation runs under one mutex, which makes IncrementIfUnder atomic.
type MemoryStore struct {
	counters map[string]*counter
	mu       sync.Mutex

	maxEntries      int
	cleanupInterval time.Duration
	now             func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

type counter struct {
	value     int64
	expiresAt time.Time
}

func (c *counter) expired(now time.Time) bool {
	return !c.expiresAt.IsZero() && !now.Before(c.expiresAt)
}

// MemoryConfig configures the memory store.
type MemoryConfig struct {
	// MaxEntries is the maximum number of counters. When the store is full
	// expired counters are purged; if none have expired, creating a new
	// counter fails with limits.ErrStoreUnavailable. Live counters are never
	// evicted.
	// Default: 100,000
	MaxEntries int

	// CleanupInterval is how often expired counters are purged.
	// Default: 1 minute
	CleanupInterval time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewMemoryStore creates a memory store with default settings.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithConfig(MemoryConfig{})
}

// NewMemoryStoreWithConfig creates a memory store with custom configuration.
func NewMemoryStoreWithConfig(cfg MemoryConfig) *MemoryStore {
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = 100000
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &MemoryStore{
		counters:        make(map[string]*counter),
		maxEntries:      cfg.MaxEntries,
		cleanupInterval: cfg.CleanupInterval,
		now:             cfg.Now,
		done:            make(chan struct{}),
	}

	go m.cleanupLoop()

	return m
}

// lookupLocked returns the live counter for key, creating it if needed.
// Caller must hold the lock.
func (m *MemoryStore) lookupLocked(key string, ttl time.Duration, now time.Time) (*counter, error) {
	c, ok := m.counters[key]
	if ok && !c.expired(now) {
		return c, nil
	}
	if !ok && len(m.counters) >= m.maxEntries {
		if m.purgeExpiredLocked(now) == 0 {
			return nil, fmt.Errorf("%w: memory store full (%d counters)", limits.ErrStoreUnavailable, m.maxEntries)
		}
	}
	c = &counter{}
	if ttl > 0 {
		c.expiresAt = now.Add(ttl)
	}
	m.counters[key] = c
	return c, nil
}

// IncrementIfUnder atomically adds units if the result stays within limit.
func (m *MemoryStore) IncrementIfUnder(ctx context.Context, key string, units, limit int64, ttl time.Duration) (IncrementResult, error) {
	if key == "" {
		return IncrementResult{}, fmt.Errorf("key cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.lookupLocked(key, ttl, m.now())
	if err != nil {
		return IncrementResult{}, err
	}

	if c.value+units > limit {
		return newResult(false, c.value, limit), nil
	}
	c.value += units
	return newResult(true, c.value, limit), nil
}

// Increment adds units unconditionally.
func (m *MemoryStore) Increment(ctx context.Context, key string, units int64, ttl time.Duration) (int64, error) {
	if key == "" {
		return 0, fmt.Errorf("key cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.lookupLocked(key, ttl, m.now())
	if err != nil {
		return 0, err
	}
	c.value += units
	return c.value, nil
}

// Decrement subtracts units, flooring at zero. Missing or expired keys stay absent.
func (m *MemoryStore) Decrement(ctx context.Context, key string, units int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c, ok := m.counters[key]
	if !ok || c.expired(now) {
		return 0, nil
	}
	c.value -= units
	if c.value < 0 {
		c.value = 0
	}
	return c.value, nil
}

// Get returns the current count.
func (m *MemoryStore) Get(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok || c.expired(m.now()) {
		return 0, nil
	}
	return c.value, nil
}

// Delete removes key.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.counters, key)
	return nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Cleanup removes expired counters and returns how many were deleted.
func (m *MemoryStore) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purgeExpiredLocked(m.now())
}

// Close stops the cleanup goroutine.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	return nil
}

// Size returns the current number of counters.
func (m *MemoryStore) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters)
}

// purgeExpiredLocked deletes expired counters. Caller must hold the lock.
func (m *MemoryStore) purgeExpiredLocked(now time.Time) int {
	deleted := 0
	for key, c := range m.counters {
		if c.expired(now) {
			delete(m.counters, key)
			deleted++
		}
	}
	return deleted
}

// cleanupLoop runs periodic cleanup of expired counters.
func (m *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Cleanup()
		case <-m.done:
			return
		}
	}
}
