package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"luneo-hq/guardian/pkg/limits"
)

type storeFactory func(t *testing.T) CounterStore

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) CounterStore {
			s := NewMemoryStore()
			t.Cleanup(func() { s.Close() })
			return s
		},
		"redis": func(t *testing.T) CounterStore {
			mr := miniredis.RunT(t)
			client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedisStoreWithClient(client, "test:")
		},
		"sqlite": func(t *testing.T) CounterStore {
			s, err := NewSQLiteStore(SQLiteConfig{DBPath: filepath.Join(t.TempDir(), "counters.db")})
			if err != nil {
				t.Fatalf("NewSQLiteStore failed: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestCounterStore_IncrementIfUnder(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			res, err := store.IncrementIfUnder(ctx, "q:acme:designs:202601", 3, 5, time.Hour)
			if err != nil {
				t.Fatalf("IncrementIfUnder failed: %v", err)
			}
			if !res.Admitted || res.Count != 3 || res.Remaining != 2 {
				t.Errorf("expected admitted count=3 remaining=2, got %+v", res)
			}

			res, err = store.IncrementIfUnder(ctx, "q:acme:designs:202601", 3, 5, time.Hour)
			if err != nil {
				t.Fatalf("IncrementIfUnder failed: %v", err)
			}
			if res.Admitted {
				t.Error("expected second increment to be rejected")
			}
			if res.Count != 3 {
				t.Errorf("expected rejected increment to leave count 3, got %d", res.Count)
			}

			res, _ = store.IncrementIfUnder(ctx, "q:acme:designs:202601", 2, 5, time.Hour)
			if !res.Admitted || res.Count != 5 || res.Remaining != 0 {
				t.Errorf("expected exact fill to be admitted, got %+v", res)
			}
		})
	}
}

func TestCounterStore_ConcurrentSoundness(t *testing.T) {
	const (
		requests = 50
		limit    = 20
	)

	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			var (
				wg       sync.WaitGroup
				admitted atomic.Int32
				start    = make(chan struct{})
			)
			for i := 0; i < requests; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					res, err := store.IncrementIfUnder(ctx, "q:acme:renders:202601", 1, limit, time.Hour)
					if err != nil {
						t.Errorf("IncrementIfUnder failed: %v", err)
						return
					}
					if res.Admitted {
						admitted.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()

			if got := admitted.Load(); got != limit {
				t.Errorf("expected exactly %d admissions, got %d", limit, got)
			}
			count, _ := store.Get(ctx, "q:acme:renders:202601")
			if count != limit {
				t.Errorf("expected final count %d, got %d", limit, count)
			}
		})
	}
}

func TestCounterStore_DecrementFloorsAtZero(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			if _, err := store.Increment(ctx, "k", 2, time.Hour); err != nil {
				t.Fatalf("Increment failed: %v", err)
			}
			n, err := store.Decrement(ctx, "k", 5)
			if err != nil {
				t.Fatalf("Decrement failed: %v", err)
			}
			if n != 0 {
				t.Errorf("expected floor at 0, got %d", n)
			}

			n, err = store.Decrement(ctx, "missing", 1)
			if err != nil || n != 0 {
				t.Errorf("expected 0 for missing key, got %d (%v)", n, err)
			}
			if got, _ := store.Get(ctx, "missing"); got != 0 {
				t.Errorf("expected missing key to stay absent, got %d", got)
			}
		})
	}
}

func TestCounterStore_IncrementAndDelete(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				if _, err := store.Increment(ctx, "k", 4, time.Hour); err != nil {
					t.Fatalf("Increment failed: %v", err)
				}
			}
			if got, _ := store.Get(ctx, "k"); got != 12 {
				t.Errorf("expected 12, got %d", got)
			}

			if err := store.Delete(ctx, "k"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if got, _ := store.Get(ctx, "k"); got != 0 {
				t.Errorf("expected 0 after delete, got %d", got)
			}
			if err := store.Ping(ctx); err != nil {
				t.Errorf("Ping failed: %v", err)
			}
		})
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	store := NewMemoryStoreWithConfig(MemoryConfig{Now: clock})
	defer store.Close()
	ctx := context.Background()

	store.IncrementIfUnder(ctx, "rl:acme:/designs:1", 1, 1, time.Minute)
	res, _ := store.IncrementIfUnder(ctx, "rl:acme:/designs:1", 1, 1, time.Minute)
	if res.Admitted {
		t.Fatal("expected limit to be reached")
	}

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()

	res, _ = store.IncrementIfUnder(ctx, "rl:acme:/designs:1", 1, 1, time.Minute)
	if !res.Admitted || res.Count != 1 {
		t.Errorf("expected fresh counter after expiry, got %+v", res)
	}

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	if deleted := store.Cleanup(); deleted != 1 {
		t.Errorf("expected 1 expired counter cleaned, got %d", deleted)
	}
}

func TestMemoryStore_FullStoreKeepsLiveCounters(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	store := NewMemoryStoreWithConfig(MemoryConfig{MaxEntries: 3, Now: clock})
	defer store.Close()
	ctx := context.Background()

	quotaKey := "q:acme:designs_created:202601"
	for i := 0; i < 2; i++ {
		if res, err := store.IncrementIfUnder(ctx, quotaKey, 1, 2, 60*24*time.Hour); err != nil || !res.Admitted {
			t.Fatalf("expected admission %d, got %+v, err %v", i, res, err)
		}
	}

	admitted := 0
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("rl:acme:/designs:%d", i)
		_, err := store.IncrementIfUnder(ctx, key, 1, 10, time.Minute)
		switch {
		case err == nil:
			admitted++
		case !errors.Is(err, limits.ErrStoreUnavailable):
			t.Fatalf("expected ErrStoreUnavailable from a full store, got %v", err)
		}
	}
	if admitted != 2 {
		t.Errorf("expected 2 window counters to fit, got %d", admitted)
	}

	res, err := store.IncrementIfUnder(ctx, quotaKey, 1, 2, 60*24*time.Hour)
	if err != nil {
		t.Fatalf("IncrementIfUnder on a live key failed: %v", err)
	}
	if res.Admitted || res.Count != 2 {
		t.Errorf("expected quota counter to survive at 2 and deny, got %+v", res)
	}

	// Once the window counters expire their slots are reclaimed.
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	if _, err := store.IncrementIfUnder(ctx, "rl:acme:/designs:9", 1, 10, time.Minute); err != nil {
		t.Fatalf("expected expired counters to be purged, got %v", err)
	}
	if got, _ := store.Get(ctx, quotaKey); got != 2 {
		t.Errorf("expected quota counter 2 after purge, got %d", got)
	}
	if store.Size() != 2 {
		t.Errorf("expected 2 counters after purge, got %d", store.Size())
	}
}

func TestRedisStore_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStoreWithClient(client, "")
	ctx := context.Background()

	if _, err := store.IncrementIfUnder(ctx, "rl:acme:/render:42", 1, 10, 30*time.Second); err != nil {
		t.Fatalf("IncrementIfUnder failed: %v", err)
	}
	if ttl := mr.TTL("guardian:rl:acme:/render:42"); ttl != 30*time.Second {
		t.Errorf("expected TTL 30s, got %v", ttl)
	}

	store.IncrementIfUnder(ctx, "rl:acme:/render:42", 1, 10, 30*time.Second)
	store.Decrement(ctx, "rl:acme:/render:42", 1)
	if ttl := mr.TTL("guardian:rl:acme:/render:42"); ttl <= 0 {
		t.Errorf("expected TTL to be kept after decrement, got %v", ttl)
	}

	mr.FastForward(31 * time.Second)
	if got, _ := store.Get(ctx, "rl:acme:/render:42"); got != 0 {
		t.Errorf("expected counter to expire, got %d", got)
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis failed: %v", err)
	}
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	store := NewRedisStoreWithClient(client, "")
	mr.Close()

	_, err = store.IncrementIfUnder(context.Background(), "k", 1, 1, time.Minute)
	if !errors.Is(err, limits.ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counters.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(SQLiteConfig{DBPath: path})
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	store.IncrementIfUnder(ctx, "q:acme:designs:202601", 7, 100, 24*time.Hour)
	store.Close()

	reopened, err := NewSQLiteStore(SQLiteConfig{DBPath: path})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if got, _ := reopened.Get(ctx, "q:acme:designs:202601"); got != 7 {
		t.Errorf("expected 7 after reopen, got %d", got)
	}
}

// failingStore fails every call until healthy is set.
type failingStore struct {
	*MemoryStore
	healthy atomic.Bool
	calls   atomic.Int32
	delay   time.Duration
}

func newFailingStore() *failingStore {
	return &failingStore{MemoryStore: NewMemoryStore()}
}

func (f *failingStore) IncrementIfUnder(ctx context.Context, key string, units, limit int64, ttl time.Duration) (IncrementResult, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return IncrementResult{}, ctx.Err()
		}
	}
	if !f.healthy.Load() {
		return IncrementResult{}, errors.New("connection refused")
	}
	return f.MemoryStore.IncrementIfUnder(ctx, key, units, limit, ttl)
}

func TestGuarded_MapsErrorsToUnavailable(t *testing.T) {
	inner := newFailingStore()
	defer inner.Close()
	g := NewGuarded(inner, GuardConfig{FailureThreshold: 100, FailureWindow: 100})

	_, err := g.IncrementIfUnder(context.Background(), "k", 1, 1, time.Minute)
	if !errors.Is(err, limits.ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestGuarded_Timeout(t *testing.T) {
	inner := newFailingStore()
	defer inner.Close()
	inner.healthy.Store(true)
	inner.delay = 200 * time.Millisecond

	g := NewGuarded(inner, GuardConfig{Timeout: 20 * time.Millisecond, FailureThreshold: 100, FailureWindow: 100})

	start := time.Now()
	_, err := g.IncrementIfUnder(context.Background(), "k", 1, 1, time.Minute)
	if !errors.Is(err, limits.ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable on timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("expected call to be bounded by timeout, took %v", elapsed)
	}
}

func TestGuarded_BreakerOpens(t *testing.T) {
	inner := newFailingStore()
	defer inner.Close()

	var states []string
	var mu sync.Mutex
	g := NewGuarded(inner, GuardConfig{
		FailureThreshold: 3,
		FailureWindow:    3,
		OpenDelay:        time.Hour,
		OnStateChange: func(s string) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		g.IncrementIfUnder(ctx, "k", 1, 1, time.Minute)
	}
	if g.State() != "open" {
		t.Fatalf("expected breaker open, got %s", g.State())
	}

	before := inner.calls.Load()
	_, err := g.IncrementIfUnder(ctx, "k", 1, 1, time.Minute)
	if !errors.Is(err, limits.ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable while open, got %v", err)
	}
	if inner.calls.Load() != before {
		t.Error("expected open breaker to short-circuit the backend")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) == 0 || states[len(states)-1] != "open" {
		t.Errorf("expected state change to open, got %v", states)
	}
}
