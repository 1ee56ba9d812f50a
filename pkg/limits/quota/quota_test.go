package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"luneo-hq/guardian/pkg/credits"
	"luneo-hq/guardian/pkg/limits"
	"luneo-hq/guardian/pkg/limits/storage"
	"luneo-hq/guardian/pkg/plans"
	"luneo-hq/guardian/pkg/usage"
)

func TestPeriodKey(t *testing.T) {
	at := time.Date(2026, 2, 28, 23, 30, 0, 0, time.UTC)

	tests := []struct {
		period    plans.Period
		wantKey   string
		wantStart time.Time
		wantReset time.Time
	}{
		{plans.PeriodHour, "2026022823", time.Date(2026, 2, 28, 23, 0, 0, 0, time.UTC), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{plans.PeriodDay, "20260228", time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{plans.PeriodMonth, "202602", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(string(tt.period), func(t *testing.T) {
			if got := PeriodKey(tt.period, at); got != tt.wantKey {
				t.Errorf("expected key %s, got %s", tt.wantKey, got)
			}
			if got := PeriodStart(tt.period, at); !got.Equal(tt.wantStart) {
				t.Errorf("expected start %v, got %v", tt.wantStart, got)
			}
			if got := ResetAt(tt.period, at); !got.Equal(tt.wantReset) {
				t.Errorf("expected reset %v, got %v", tt.wantReset, got)
			}
		})
	}
}

func TestPeriodKey_UsesUTC(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	local := time.Date(2026, 3, 1, 8, 0, 0, 0, tokyo) // 2026-02-28 23:00 UTC

	if got := PeriodKey(plans.PeriodMonth, local); got != "202602" {
		t.Errorf("expected UTC month 202602, got %s", got)
	}
	if got := PeriodKey(plans.PeriodDay, local); got != "20260228" {
		t.Errorf("expected UTC day 20260228, got %s", got)
	}
}

func TestPeriodKey_ChangesAcrossBoundary(t *testing.T) {
	starts := []time.Time{
		time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC),
		time.Date(2026, 12, 31, 23, 0, 0, 0, time.UTC),
		time.Date(2028, 2, 29, 12, 0, 0, 0, time.UTC),
	}

	for _, p := range []plans.Period{plans.PeriodHour, plans.PeriodDay, plans.PeriodMonth} {
		for _, at := range starts {
			next := ResetAt(p, at)
			if PeriodKey(p, at) == PeriodKey(p, next) {
				t.Errorf("%s: expected different keys for %v and %v", p, at, next)
			}
			if PeriodKey(p, at) != PeriodKey(p, next.Add(-time.Nanosecond)) {
				t.Errorf("%s: expected last instant before %v to share the key of %v", p, next, at)
			}
		}
	}
}

func TestResetAt_YearRollover(t *testing.T) {
	got := ResetAt(plans.PeriodMonth, time.Date(2026, 12, 15, 10, 0, 0, 0, time.UTC))
	want := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

// testClock is a settable clock shared by the manager and stores.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const (
	metricDesigns = "designs"
	metricRenders = "renders"
	metricAPI     = "api"
	metricExports = "exports"
	tierTest      = plans.Tier("test")
)

func testTable() *plans.Table {
	table := &plans.Table{
		Version: "test-1",
		Metrics: map[string]plans.Metric{
			metricDesigns: {Label: "Designs", Unit: "designs"},
			metricRenders: {Label: "Renders", Unit: "renders"},
			metricAPI:     {Label: "API calls", Unit: "calls"},
			metricExports: {Label: "Exports", Unit: "exports"},
		},
		Tiers: map[plans.Tier]*plans.Plan{
			tierTest: {
				CostPerCreditCents: decimal.NewFromInt(1),
				Quotas: map[string]plans.QuotaDefinition{
					metricDesigns: {Limit: 20, Period: plans.PeriodMonth, Overage: plans.OverageBlock, NotificationThresholds: []float64{0.5, 1.0}},
					metricRenders: {Limit: 2, Period: plans.PeriodHour, Overage: plans.OverageCharge, OverageRateCents: decimal.NewFromInt(10)},
					metricAPI:     {Limit: plans.Unlimited, Period: plans.PeriodDay, Overage: plans.OverageCharge},
				},
			},
		},
	}
	table.Normalize()
	return table
}

type fixture struct {
	manager *Manager
	store   storage.CounterStore
	credits *credits.MemoryStore
	ledger  *usage.MemoryLedger
	clock   *testClock
	tenants *plans.Assignments
}

func newFixture(t *testing.T, store storage.CounterStore, failOpen bool) *fixture {
	t.Helper()

	catalog, err := plans.NewCatalog(testTable())
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}
	if store == nil {
		mem := storage.NewMemoryStore()
		t.Cleanup(func() { mem.Close() })
		store = mem
	}

	f := &fixture{
		store:   store,
		credits: credits.NewMemoryStore(),
		ledger:  usage.NewMemoryLedger(),
		clock:   &testClock{now: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)},
		tenants: plans.NewAssignments("", map[string]plans.Tier{"acme": tierTest}),
	}

	f.manager, err = NewManager(Config{
		FailOpen:       failOpen,
		GracePeriod:    15 * time.Minute,
		ReleaseBackoff: time.Millisecond,
		Now:            f.clock.Now,
	}, Deps{
		Catalog: catalog,
		Tenants: f.tenants,
		Store:   store,
		Credits: f.credits,
		Ledger:  f.ledger,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return f
}

func TestCheckAndReserve_ConcurrentSoundness(t *testing.T) {
	const (
		requests = 50
		limit    = 20
	)

	stores := map[string]func(t *testing.T) storage.CounterStore{
		"memory": func(t *testing.T) storage.CounterStore {
			s := storage.NewMemoryStore()
			t.Cleanup(func() { s.Close() })
			return s
		},
		"redis": func(t *testing.T) storage.CounterStore {
			mr := miniredis.RunT(t)
			client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return storage.NewRedisStoreWithClient(client, "")
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, newStore(t), true)
			ctx := context.Background()

			var (
				wg       sync.WaitGroup
				admitted atomic.Int32
				blocked  atomic.Int32
				start    = make(chan struct{})
			)
			for i := 0; i < requests; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					d, err := f.manager.CheckAndReserve(ctx, "acme", metricDesigns, 1)
					if err != nil {
						t.Errorf("CheckAndReserve failed: %v", err)
						return
					}
					if d.Allowed {
						admitted.Add(1)
					} else if errors.Is(d.Err, limits.ErrQuotaExceeded) {
						blocked.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()

			if got := admitted.Load(); got != limit {
				t.Errorf("expected exactly %d admitted, got %d", limit, got)
			}
			if got := blocked.Load(); got != requests-limit {
				t.Errorf("expected %d blocked, got %d", requests-limit, got)
			}
		})
	}
}

func TestCheckAndReserve_Block(t *testing.T) {
	f := newFixture(t, nil, true)
	ctx := context.Background()

	d, err := f.manager.CheckAndReserve(ctx, "acme", metricDesigns, 20)
	if err != nil || !d.Allowed {
		t.Fatalf("expected fill to be admitted, got %+v (%v)", d, err)
	}
	if d.Remaining != 0 || d.Used != 20 {
		t.Errorf("expected used=20 remaining=0, got used=%d remaining=%d", d.Used, d.Remaining)
	}

	d, err = f.manager.CheckAndReserve(ctx, "acme", metricDesigns, 1)
	if err != nil {
		t.Fatalf("expected denial as a decision, got error %v", err)
	}
	if d.Allowed || d.Reservation != nil {
		t.Fatal("expected request to be blocked without a reservation")
	}
	if !errors.Is(d.Err, limits.ErrQuotaExceeded) {
		t.Errorf("expected ErrQuotaExceeded, got %v", d.Err)
	}
	want := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	if resetAt, ok := limits.ResetAt(d.Err); !ok || !resetAt.Equal(want) {
		t.Errorf("expected resetAt %v, got %v", want, resetAt)
	}
}

func TestCheckAndReserve_PeriodBoundary(t *testing.T) {
	f := newFixture(t, nil, true)
	ctx := context.Background()
	f.clock.Set(time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC))

	if d, _ := f.manager.CheckAndReserve(ctx, "acme", metricDesigns, 20); !d.Allowed {
		t.Fatal("expected fill to be admitted")
	}
	if d, _ := f.manager.CheckAndReserve(ctx, "acme", metricDesigns, 1); d.Allowed {
		t.Fatal("expected limit to be reached in January")
	}

	f.clock.Advance(time.Second)

	d, err := f.manager.CheckAndReserve(ctx, "acme", metricDesigns, 1)
	if err != nil || !d.Allowed {
		t.Fatalf("expected February request to be admitted, got %+v (%v)", d, err)
	}
	if d.Used != 1 {
		t.Errorf("expected January usage not to count, got used=%d", d.Used)
	}
}

func TestCheckAndReserve_ChargeOverage(t *testing.T) {
	f := newFixture(t, nil, true)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, _ := f.manager.CheckAndReserve(ctx, "acme", metricRenders, 1)
		if !d.Allowed || d.IsOverage {
			t.Fatalf("expected request %d within limit, got %+v", i+1, d)
		}
	}

	d, err := f.manager.CheckAndReserve(ctx, "acme", metricRenders, 1)
	if err != nil {
		t.Fatalf("CheckAndReserve failed: %v", err)
	}
	if !d.Allowed || !d.IsOverage {
		t.Fatalf("expected overage admission, got %+v", d)
	}
	if d.Used != 3 || d.Remaining != 0 {
		t.Errorf("expected used=3 remaining=0, got used=%d remaining=%d", d.Used, d.Remaining)
	}
	if !d.Reservation.Overage {
		t.Error("expected reservation to be flagged overage")
	}

	snap, err := f.manager.Usage(ctx, "acme")
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	for _, m := range snap.Metrics {
		if m.Metric != metricRenders {
			continue
		}
		if m.OverageUnits != 1 || !m.OverageCostCents.Equal(decimal.NewFromInt(10)) {
			t.Errorf("expected 1 overage unit costing 10 cents, got %d / %s", m.OverageUnits, m.OverageCostCents)
		}
	}
}

func TestCheckAndReserve_ChargeOverageSplitsUnits(t *testing.T) {
	f := newFixture(t, nil, true)
	ctx := context.Background()

	if d, _ := f.manager.CheckAndReserve(ctx, "acme", metricRenders, 1); d.IsOverage {
		t.Fatalf("expected first unit within limit, got %+v", d)
	}

	// One of the three units still fits under the limit of 2.
	d, err := f.manager.CheckAndReserve(ctx, "acme", metricRenders, 3)
	if err != nil {
		t.Fatalf("CheckAndReserve failed: %v", err)
	}
	if !d.Allowed || !d.IsOverage {
		t.Fatalf("expected overage admission, got %+v", d)
	}
	if d.OverageUnits != 2 || d.Reservation.OverageUnits != 2 {
		t.Errorf("expected 2 overage units, got decision=%d reservation=%d", d.OverageUnits, d.Reservation.OverageUnits)
	}

	event, err := f.manager.Commit(ctx, d.Reservation, Charge{CostCents: decimal.NewFromInt(21)})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if event.Units != 3 || event.OverageUnits != 2 {
		t.Errorf("expected event with 3 units, 2 overage, got %d/%d", event.Units, event.OverageUnits)
	}

	d, _ = f.manager.CheckAndReserve(ctx, "acme", metricRenders, 2)
	if d.OverageUnits != 2 {
		t.Errorf("expected every unit past the limit to be overage, got %d", d.OverageUnits)
	}
}

func TestCheckAndReserve_Unlimited(t *testing.T) {
	f := newFixture(t, nil, true)
	ctx := context.Background()

	tests := []struct {
		name   string
		metric string
	}{
		{"limit -1", metricAPI},
		{"no definition", metricExports},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := f.manager.CheckAndReserve(ctx, "acme", tt.metric, 1000)
			if err != nil {
				t.Fatalf("CheckAndReserve failed: %v", err)
			}
			if !d.Allowed || !d.Unlimited() || d.Remaining != -1 {
				t.Errorf("expected unlimited admission, got %+v", d)
			}
			if d.Reservation == nil {
				t.Error("expected a reservation")
			}
		})
	}
}

func TestCheckAndReserve_ConfigErrors(t *testing.T) {
	f := newFixture(t, nil, true)
	f.tenants.SetTier("ghost", plans.Tier("platinum"))
	ctx := context.Background()

	tests := []struct {
		name    string
		tenant  string
		metric  string
		units   int64
		wantErr error
	}{
		{"unknown tier", "ghost", metricDesigns, 1, limits.ErrUnknownPlanTier},
		{"unassigned tenant", "nobody", metricDesigns, 1, limits.ErrUnknownPlanTier},
		{"unknown metric", "acme", "teleports", 1, limits.ErrUnknownMetric},
		{"empty tenant", "", metricDesigns, 1, limits.ErrInvalidIdentifier},
		{"separator in tenant", "acme:designs", "202610", 1, limits.ErrInvalidIdentifier},
		{"separator in metric", "acme", "designs:x", 1, limits.ErrInvalidIdentifier},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.CheckAndReserve(ctx, tt.tenant, tt.metric, tt.units)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if _, err := f.manager.CheckAndReserve(ctx, "acme", metricDesigns, 0); err == nil {
		t.Error("expected error for zero units")
	}
}

// downStore fails every call.
type downStore struct {
	storage.CounterStore
}

func (downStore) IncrementIfUnder(context.Context, string, int64, int64, time.Duration) (storage.IncrementResult, error) {
	return storage.IncrementResult{}, limits.ErrStoreUnavailable
}

func (downStore) Increment(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, limits.ErrStoreUnavailable
}

func (downStore) Get(context.Context, string) (int64, error) {
	return 0, limits.ErrStoreUnavailable
}

func TestCheckAndReserve_StoreUnavailable(t *testing.T) {
	ctx := context.Background()

	t.Run("fail open", func(t *testing.T) {
		f := newFixture(t, downStore{}, true)
		d, err := f.manager.CheckAndReserve(ctx, "acme", metricDesigns, 1)
		if err != nil {
			t.Fatalf("expected degraded admission, got %v", err)
		}
		if !d.Allowed || !d.Degraded {
			t.Errorf("expected allowed degraded decision, got %+v", d)
		}
		if d.Reservation.Counted() {
			t.Error("expected degraded reservation not to be counted")
		}
		if err := f.manager.Release(ctx, d.Reservation); err != nil {
			t.Errorf("expected release of uncounted reservation to succeed, got %v", err)
		}
	})

	t.Run("fail closed", func(t *testing.T) {
		f := newFixture(t, downStore{}, false)
		_, err := f.manager.CheckAndReserve(ctx, "acme", metricDesigns, 1)
		if !errors.Is(err, limits.ErrStoreUnavailable) {
			t.Errorf("expected ErrStoreUnavailable, got %v", err)
		}
	})

	t.Run("usage snapshot degraded", func(t *testing.T) {
		f := newFixture(t, downStore{}, true)
		snap, err := f.manager.Usage(ctx, "acme")
		if err != nil {
			t.Fatalf("Usage failed: %v", err)
		}
		if !snap.Degraded {
			t.Error("expected snapshot to be degraded")
		}
	})
}

func TestReservation_CommitOnce(t *testing.T) {
	f := newFixture(t, nil, true)
	ctx := context.Background()
	f.credits.TopUp(ctx, "acme", 100, credits.KindTopUp, "pay-1")

	d, _ := f.manager.CheckAndReserve(ctx, "acme", metricDesigns, 2)
	if err := f.manager.HoldCredits(ctx, d.Reservation, 5); err != nil {
		t.Fatalf("HoldCredits failed: %v", err)
	}

	event, err := f.manager.Commit(ctx, d.Reservation, Charge{
		CostCents:      decimal.RequireFromString("4.5"),
		PricingVersion: "p-1",
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if event.CreditsCharged != 5 || event.Units != 2 || event.PricingVersion != "p-1" {
		t.Errorf("unexpected event: %+v", event)
	}

	bal, _ := f.credits.Get(ctx, "acme")
	if bal.Used != 5 || bal.Held != 0 {
		t.Errorf("expected 5 used and nothing held, got used=%d held=%d", bal.Used, bal.Held)
	}

	pending, _ := f.ledger.Unreconciled(ctx, 0)
	if len(pending) != 1 || pending[0].IdempotencyKey != event.IdempotencyKey {
		t.Errorf("expected the committed event in the ledger, got %d events", len(pending))
	}

	if _, err := f.manager.Commit(ctx, d.Reservation, Charge{}); !errors.Is(err, ErrReservationClosed) {
		t.Errorf("expected ErrReservationClosed on second commit, got %v", err)
	}
	if err := f.manager.Release(ctx, d.Reservation); !errors.Is(err, ErrReservationClosed) {
		t.Errorf("expected ErrReservationClosed on release after commit, got %v", err)
	}

	used, _ := f.store.Get(ctx, CounterKey("acme", metricDesigns, plans.PeriodMonth, f.clock.Now()))
	if used != 2 {
		t.Errorf("expected committed units to stay counted, got %d", used)
	}
}

func TestReservation_CommitDebitsWithoutHold(t *testing.T) {
	f := newFixture(t, nil, true)
	ctx := context.Background()
	f.credits.TopUp(ctx, "acme", 10, credits.KindTopUp, "pay-1")

	d, _ := f.manager.CheckAndReserve(ctx, "acme", metricDesigns, 1)
	event, err := f.manager.Commit(ctx, d.Reservation, Charge{CostCents: decimal.NewFromInt(3), Credits: 3})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if event.CreditsCharged != 3 {
		t.Errorf("expected 3 credits debited, got %d", event.CreditsCharged)
	}
	bal, _ := f.credits.Get(ctx, "acme")
	if bal.Balance() != 7 {
		t.Errorf("expected balance 7, got %d", bal.Balance())
	}
}

func TestReservation_ReleaseRestores(t *testing.T) {
	f := newFixture(t, nil, true)
	ctx := context.Background()
	f.credits.TopUp(ctx, "acme", 10, credits.KindTopUp, "pay-1")

	d, _ := f.manager.CheckAndReserve(ctx, "acme", metricDesigns, 20)
	f.manager.HoldCredits(ctx, d.Reservation, 4)

	if err := f.manager.Release(ctx, d.Reservation); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := f.manager.Release(ctx, d.Reservation); !errors.Is(err, ErrReservationClosed) {
		t.Errorf("expected ErrReservationClosed on second release, got %v", err)
	}

	bal, _ := f.credits.Get(ctx, "acme")
	if bal.Held != 0 || bal.Available() != 10 {
		t.Errorf("expected held credits returned, got %+v", bal)
	}

	d, _ = f.manager.CheckAndReserve(ctx, "acme", metricDesigns, 20)
	if !d.Allowed {
		t.Error("expected released units to be available again")
	}
	if f.manager.OpenReservations() != 1 {
		t.Errorf("expected 1 open reservation, got %d", f.manager.OpenReservations())
	}
}

// captureFailingStore fails every Capture.
type captureFailingStore struct {
	*credits.MemoryStore
	captures atomic.Int32
}

func (s *captureFailingStore) Capture(ctx context.Context, tenantID string, amount int64, reference string) error {
	s.captures.Add(1)
	return errors.New("database is locked")
}

func TestReservation_CommitCancelsUncapturedHold(t *testing.T) {
	f := newFixture(t, nil, true)
	ctx := context.Background()

	store := &captureFailingStore{MemoryStore: credits.NewMemoryStore()}
	store.TopUp(ctx, "acme", 10, credits.KindTopUp, "pay-1")

	catalog, _ := plans.NewCatalog(testTable())
	manager, err := NewManager(Config{
		FailOpen:        true,
		ReleaseAttempts: 3,
		ReleaseBackoff:  time.Millisecond,
		Now:             f.clock.Now,
	}, Deps{
		Catalog: catalog,
		Tenants: f.tenants,
		Store:   f.store,
		Credits: store,
		Ledger:  f.ledger,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	d, _ := manager.CheckAndReserve(ctx, "acme", metricDesigns, 1)
	if err := manager.HoldCredits(ctx, d.Reservation, 4); err != nil {
		t.Fatalf("HoldCredits failed: %v", err)
	}

	event, err := manager.Commit(ctx, d.Reservation, Charge{CostCents: decimal.NewFromInt(4), Credits: 4})
	if err == nil {
		t.Fatal("expected Commit to report the capture failure")
	}
	if got := store.captures.Load(); got != 3 {
		t.Errorf("expected 3 capture attempts, got %d", got)
	}
	if event == nil || event.CreditsCharged != 0 {
		t.Errorf("expected usage recorded with no credits charged, got %+v", event)
	}

	bal, _ := store.Get(ctx, "acme")
	if bal.Held != 0 || bal.Available() != 10 {
		t.Errorf("expected hold cancelled, got held=%d available=%d", bal.Held, bal.Available())
	}
	if manager.OpenReservations() != 0 {
		t.Errorf("expected no open reservations, got %d", manager.OpenReservations())
	}

	pending, _ := f.ledger.Unreconciled(ctx, 0)
	if len(pending) != 1 {
		t.Errorf("expected the usage event appended, got %d events", len(pending))
	}
}

func TestHoldCredits_Insufficient(t *testing.T) {
	f := newFixture(t, nil, true)
	ctx := context.Background()
	f.credits.TopUp(ctx, "acme", 3, credits.KindTopUp, "pay-1")

	d, _ := f.manager.CheckAndReserve(ctx, "acme", metricDesigns, 1)
	err := f.manager.HoldCredits(ctx, d.Reservation, 5)
	if !errors.Is(err, limits.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	var le *limits.LimitError
	if !errors.As(err, &le) || le.Metric != metricDesigns || le.Limit != 5 || le.Current != 3 {
		t.Errorf("expected required=5 available=3 for designs, got %+v", le)
	}

	if d.Reservation.CreditsHeld() != 0 {
		t.Error("expected nothing held after a failed hold")
	}
}

func TestSweep(t *testing.T) {
	f := newFixture(t, nil, true)
	ctx := context.Background()

	stale, _ := f.manager.CheckAndReserve(ctx, "acme", metricDesigns, 5)
	f.clock.Advance(10 * time.Minute)
	fresh, _ := f.manager.CheckAndReserve(ctx, "acme", metricDesigns, 3)
	f.clock.Advance(6 * time.Minute)

	released, err := f.manager.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if released != 1 {
		t.Errorf("expected 1 stale reservation released, got %d", released)
	}

	if err := f.manager.Release(ctx, stale.Reservation); !errors.Is(err, ErrReservationClosed) {
		t.Errorf("expected swept reservation to be closed, got %v", err)
	}
	if _, err := f.manager.Commit(ctx, fresh.Reservation, Charge{}); err != nil {
		t.Errorf("expected fresh reservation to stay open, got %v", err)
	}

	used, _ := f.store.Get(ctx, CounterKey("acme", metricDesigns, plans.PeriodMonth, f.clock.Now()))
	if used != 3 {
		t.Errorf("expected swept units returned, got used=%d", used)
	}
}

func TestThresholdsCrossed(t *testing.T) {
	f := newFixture(t, nil, true)
	ctx := context.Background()

	d, _ := f.manager.CheckAndReserve(ctx, "acme", metricDesigns, 9)
	if len(d.ThresholdsCrossed) != 0 {
		t.Errorf("expected no threshold at 45%%, got %v", d.ThresholdsCrossed)
	}
	d, _ = f.manager.CheckAndReserve(ctx, "acme", metricDesigns, 1)
	if len(d.ThresholdsCrossed) != 1 || d.ThresholdsCrossed[0] != 0.5 {
		t.Errorf("expected 0.5 crossed at 50%%, got %v", d.ThresholdsCrossed)
	}
	d, _ = f.manager.CheckAndReserve(ctx, "acme", metricDesigns, 1)
	if len(d.ThresholdsCrossed) != 0 {
		t.Errorf("expected threshold reported once, got %v", d.ThresholdsCrossed)
	}
	d, _ = f.manager.CheckAndReserve(ctx, "acme", metricDesigns, 9)
	if len(d.ThresholdsCrossed) != 1 || d.ThresholdsCrossed[0] != 1.0 {
		t.Errorf("expected 1.0 crossed at 100%%, got %v", d.ThresholdsCrossed)
	}
}

func TestUsageSnapshot(t *testing.T) {
	f := newFixture(t, nil, true)
	ctx := context.Background()

	f.manager.CheckAndReserve(ctx, "acme", metricDesigns, 16)

	snap, err := f.manager.Usage(ctx, "acme")
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if snap.Tier != tierTest || len(snap.Metrics) != 3 {
		t.Fatalf("expected 3 metrics for tier test, got %+v", snap)
	}

	designs := snap.Metrics[1]
	if designs.Metric != metricDesigns {
		t.Fatalf("expected metrics sorted by name, got %s", designs.Metric)
	}
	if designs.Used != 16 || designs.Remaining != 4 || designs.Percentage != 0.8 {
		t.Errorf("unexpected designs usage: %+v", designs)
	}
	if len(designs.ThresholdsReached) != 1 || designs.ThresholdsReached[0] != 0.5 {
		t.Errorf("expected 0.5 reached, got %v", designs.ThresholdsReached)
	}
	if designs.Label != "Designs" {
		t.Errorf("expected label from catalog, got %q", designs.Label)
	}

	api := snap.Metrics[0]
	if api.Remaining != -1 {
		t.Errorf("expected unlimited api remaining -1, got %d", api.Remaining)
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
	closed   []string
}

func (r *recordingObserver) QuotaDecision(tier, metric, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingObserver) ReservationClosed(metric, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, outcome)
}

func TestObserver(t *testing.T) {
	catalog, _ := plans.NewCatalog(testTable())
	store := storage.NewMemoryStore()
	defer store.Close()
	obs := &recordingObserver{}

	m, err := NewManager(Config{FailOpen: true}, Deps{
		Catalog:  catalog,
		Tenants:  plans.NewAssignments(tierTest, nil),
		Store:    store,
		Ledger:   usage.NewMemoryLedger(),
		Observer: obs,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	ctx := context.Background()
	d, _ := m.CheckAndReserve(ctx, "acme", metricDesigns, 20)
	m.CheckAndReserve(ctx, "acme", metricDesigns, 1)
	m.Commit(ctx, d.Reservation, Charge{})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.outcomes) != 2 || obs.outcomes[0] != "admitted" || obs.outcomes[1] != "blocked" {
		t.Errorf("expected admitted then blocked, got %v", obs.outcomes)
	}
	if len(obs.closed) != 1 || obs.closed[0] != "committed" {
		t.Errorf("expected committed, got %v", obs.closed)
	}
}

func TestNewManager_RequiresDeps(t *testing.T) {
	if _, err := NewManager(Config{}, Deps{}); err == nil {
		t.Error("expected error for missing dependencies")
	}
}
