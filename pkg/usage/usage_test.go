package usage

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type ledgerFactory func(t *testing.T) Ledger

func ledgers() map[string]ledgerFactory {
	return map[string]ledgerFactory{
		"memory": func(t *testing.T) Ledger {
			return NewMemoryLedger()
		},
		"sqlite": func(t *testing.T) Ledger {
			cfg := DefaultSQLiteConfig()
			cfg.Path = filepath.Join(t.TempDir(), "usage.db")
			l, err := NewSQLiteLedger(cfg)
			if err != nil {
				t.Fatalf("NewSQLiteLedger failed: %v", err)
			}
			t.Cleanup(func() { l.Close() })
			return l
		},
	}
}

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func event(key, tenant, metric string, units int64, at time.Time) *Event {
	return &Event{
		IdempotencyKey: key,
		TenantID:       tenant,
		Metric:         metric,
		Units:          units,
		CostCents:      decimal.RequireFromString("0.4").Mul(decimal.NewFromInt(units)),
		CreditsCharged: units,
		PricingVersion: "2026-03",
		OccurredAt:     at,
	}
}

func TestLedger_AppendIdempotent(t *testing.T) {
	for name, factory := range ledgers() {
		t.Run(name, func(t *testing.T) {
			l := factory(t)
			ctx := context.Background()

			appended, err := l.Append(ctx, event("k1", "acme", "designs_created", 1, base))
			if err != nil || !appended {
				t.Fatalf("expected first append to succeed, got %v (%v)", appended, err)
			}
			appended, err = l.Append(ctx, event("k1", "acme", "designs_created", 5, base))
			if err != nil {
				t.Fatalf("duplicate append failed: %v", err)
			}
			if appended {
				t.Error("expected duplicate append to be ignored")
			}

			events, _ := l.Query(ctx, &Query{TenantID: "acme"})
			if len(events) != 1 || events[0].Units != 1 {
				t.Errorf("expected original event only, got %+v", events)
			}
		})
	}
}

func TestLedger_AppendValidates(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(e *Event)
	}{
		{"missing key", func(e *Event) { e.IdempotencyKey = "" }},
		{"missing tenant", func(e *Event) { e.TenantID = "" }},
		{"missing metric", func(e *Event) { e.Metric = "" }},
		{"zero units", func(e *Event) { e.Units = 0 }},
		{"negative cost", func(e *Event) { e.CostCents = decimal.NewFromInt(-1) }},
		{"missing time", func(e *Event) { e.OccurredAt = time.Time{} }},
	}

	l := NewMemoryLedger()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := event("k", "acme", "designs_created", 1, base)
			tt.mutate(e)
			if _, err := l.Append(context.Background(), e); !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestLedger_UnreconciledAndMark(t *testing.T) {
	for name, factory := range ledgers() {
		t.Run(name, func(t *testing.T) {
			l := factory(t)
			ctx := context.Background()

			for _, key := range []string{"c", "a", "b", "d"} {
				if _, err := l.Append(ctx, event(key, "acme", "renders_2d", 2, base)); err != nil {
					t.Fatalf("Append failed: %v", err)
				}
			}

			pending, err := l.Unreconciled(ctx, 3)
			if err != nil {
				t.Fatalf("Unreconciled failed: %v", err)
			}
			if got := keysOf(pending); got != "a,b,c" {
				t.Errorf("expected a,b,c in key order, got %s", got)
			}

			if err := l.MarkReconciled(ctx, []string{"a", "b"}, "batch-1"); err != nil {
				t.Fatalf("MarkReconciled failed: %v", err)
			}
			if err := l.MarkReconciled(ctx, []string{"b", "c"}, "batch-2"); err != nil {
				t.Fatalf("MarkReconciled failed: %v", err)
			}

			pending, _ = l.Unreconciled(ctx, 0)
			if got := keysOf(pending); got != "d" {
				t.Errorf("expected only d pending, got %s", got)
			}

			reconciled := true
			done, _ := l.Query(ctx, &Query{Reconciled: &reconciled})
			batches := map[string]string{}
			for _, e := range done {
				batches[e.IdempotencyKey] = e.BatchKey
				if e.ReconciledAt == nil {
					t.Errorf("expected %s to carry reconciled_at", e.IdempotencyKey)
				}
			}
			if batches["b"] != "batch-1" {
				t.Errorf("expected b to keep its first batch key, got %q", batches["b"])
			}
			if batches["c"] != "batch-2" {
				t.Errorf("expected c in batch-2, got %q", batches["c"])
			}
		})
	}
}

func TestLedger_AssignBatch(t *testing.T) {
	for name, factory := range ledgers() {
		t.Run(name, func(t *testing.T) {
			l := factory(t)
			ctx := context.Background()

			for _, key := range []string{"a", "b", "c"} {
				if _, err := l.Append(ctx, event(key, "acme", "renders_2d", 1, base)); err != nil {
					t.Fatalf("Append failed: %v", err)
				}
			}

			n, err := l.AssignBatch(ctx, []string{"a", "b"}, "batch-1")
			if err != nil || n != 2 {
				t.Fatalf("expected 2 assigned, got %d (%v)", n, err)
			}
			n, _ = l.AssignBatch(ctx, []string{"b", "c"}, "batch-2")
			if n != 1 {
				t.Errorf("expected only c assigned to batch-2, got %d", n)
			}

			// Assigned events stay unreconciled until marked.
			pending, _ := l.Unreconciled(ctx, 0)
			if got := keysOf(pending); got != "a,b,c" {
				t.Errorf("expected a,b,c pending, got %s", got)
			}

			members, err := l.Query(ctx, &Query{BatchKey: "batch-1"})
			if err != nil {
				t.Fatalf("Query failed: %v", err)
			}
			if got := keysOf(members); got != "a,b" {
				t.Errorf("expected a,b in batch-1, got %s", got)
			}

			if err := l.MarkReconciled(ctx, []string{"a", "b"}, "batch-1"); err != nil {
				t.Fatalf("MarkReconciled failed: %v", err)
			}
			if n, _ := l.AssignBatch(ctx, []string{"a"}, "batch-3"); n != 0 {
				t.Errorf("expected reconciled event not reassigned, got %d", n)
			}
		})
	}
}

func TestLedger_QueryFilters(t *testing.T) {
	for name, factory := range ledgers() {
		t.Run(name, func(t *testing.T) {
			l := factory(t)
			ctx := context.Background()

			l.Append(ctx, event("1", "acme", "designs_created", 1, base))
			l.Append(ctx, event("2", "acme", "renders_2d", 1, base.Add(time.Hour)))
			l.Append(ctx, event("3", "globex", "designs_created", 1, base.Add(2*time.Hour)))
			l.Append(ctx, event("4", "acme", "designs_created", 1, base.Add(3*time.Hour)))

			tests := []struct {
				name  string
				query *Query
				want  string
			}{
				{"all", &Query{}, "1,2,3,4"},
				{"tenant", &Query{TenantID: "acme"}, "1,2,4"},
				{"metric", &Query{Metric: "designs_created"}, "1,3,4"},
				{"window", &Query{Since: base.Add(time.Hour), Until: base.Add(3 * time.Hour)}, "2,3"},
				{"limit", &Query{TenantID: "acme", Limit: 2}, "1,2"},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					events, err := l.Query(ctx, tt.query)
					if err != nil {
						t.Fatalf("Query failed: %v", err)
					}
					if got := keysOf(events); got != tt.want {
						t.Errorf("expected %s, got %s", tt.want, got)
					}
				})
			}
		})
	}
}

func TestLedger_Batches(t *testing.T) {
	for name, factory := range ledgers() {
		t.Run(name, func(t *testing.T) {
			l := factory(t)
			ctx := context.Background()

			sent, err := l.HasBatch(ctx, "batch-1")
			if err != nil || sent {
				t.Fatalf("expected unknown batch, got %v (%v)", sent, err)
			}

			b := &Batch{Key: "batch-1", TenantID: "acme", Metric: "renders_2d", Units: 4, EventCount: 2, SentAt: base}
			if err := l.RecordBatch(ctx, b); err != nil {
				t.Fatalf("RecordBatch failed: %v", err)
			}
			if err := l.RecordBatch(ctx, b); err != nil {
				t.Fatalf("repeated RecordBatch failed: %v", err)
			}

			sent, _ = l.HasBatch(ctx, "batch-1")
			if !sent {
				t.Error("expected batch to be recorded")
			}
		})
	}
}

func TestSQLiteLedger_PreservesFields(t *testing.T) {
	cfg := DefaultSQLiteConfig()
	cfg.Path = filepath.Join(t.TempDir(), "usage.db")
	l, err := NewSQLiteLedger(cfg)
	if err != nil {
		t.Fatalf("NewSQLiteLedger failed: %v", err)
	}
	defer l.Close()

	ctx := context.Background()
	in := event("0190a8d2-0000-7000-8000-000000000001", "acme", "ai_generations", 3, base.Add(123*time.Nanosecond))
	in.Overage = true
	in.CostCents = decimal.RequireFromString("12.345")
	if _, err := l.Append(ctx, in); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	out, err := l.Unreconciled(ctx, 10)
	if err != nil || len(out) != 1 {
		t.Fatalf("expected one event, got %d (%v)", len(out), err)
	}
	got := out[0]
	if !got.CostCents.Equal(in.CostCents) {
		t.Errorf("expected cost %s, got %s", in.CostCents, got.CostCents)
	}
	if !got.OccurredAt.Equal(in.OccurredAt) {
		t.Errorf("expected occurred_at %v, got %v", in.OccurredAt, got.OccurredAt)
	}
	if !got.Overage || got.PricingVersion != "2026-03" || got.CreditsCharged != 3 {
		t.Errorf("unexpected fields: %+v", got)
	}
}

func TestMemoryLedger_Closed(t *testing.T) {
	l := NewMemoryLedger()
	l.Close()
	if _, err := l.Append(context.Background(), event("k", "acme", "m", 1, base)); !errors.Is(err, ErrLedgerClosed) {
		t.Errorf("expected ErrLedgerClosed, got %v", err)
	}
}

func TestSummarize(t *testing.T) {
	overage := event("3", "acme", "designs_created", 2, base)
	overage.Overage = true

	totals := Summarize([]*Event{
		event("1", "globex", "designs_created", 1, base),
		event("2", "acme", "designs_created", 1, base),
		overage,
		event("4", "acme", "renders_2d", 5, base),
	})

	if len(totals) != 3 {
		t.Fatalf("expected 3 totals, got %d", len(totals))
	}
	first := totals[0]
	if first.TenantID != "acme" || first.Metric != "designs_created" {
		t.Errorf("expected acme/designs_created first, got %s/%s", first.TenantID, first.Metric)
	}
	if first.Units != 3 || first.OverageUnits != 2 || first.Events != 2 {
		t.Errorf("unexpected totals: %+v", first)
	}
	if !first.CostCents.Equal(decimal.RequireFromString("1.2")) {
		t.Errorf("expected cost 1.2, got %s", first.CostCents)
	}
}

func TestExporters(t *testing.T) {
	events := []*Event{
		event("1", "acme", "designs_created", 1, base),
		event("2", "acme", "renders_2d", 2, base.Add(time.Minute)),
	}

	t.Run("csv", func(t *testing.T) {
		exp, err := NewExporter("csv")
		if err != nil {
			t.Fatalf("NewExporter failed: %v", err)
		}
		var buf bytes.Buffer
		if err := exp.Export(context.Background(), events, &buf); err != nil {
			t.Fatalf("Export failed: %v", err)
		}
		rows, err := csv.NewReader(&buf).ReadAll()
		if err != nil {
			t.Fatalf("invalid csv: %v", err)
		}
		if len(rows) != 3 {
			t.Fatalf("expected header + 2 rows, got %d", len(rows))
		}
		if rows[0][0] != "idempotency_key" || rows[2][3] != "2" || rows[2][4] != "0.8" {
			t.Errorf("unexpected rows: %v", rows)
		}
	})

	t.Run("json", func(t *testing.T) {
		exp, _ := NewExporter("json")
		var buf bytes.Buffer
		if err := exp.Export(context.Background(), events, &buf); err != nil {
			t.Fatalf("Export failed: %v", err)
		}
		var decoded []map[string]any
		if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid json: %v", err)
		}
		if len(decoded) != 2 || decoded[1]["metric"] != "renders_2d" {
			t.Errorf("unexpected json: %s", buf.String())
		}
	})

	t.Run("json empty", func(t *testing.T) {
		var buf bytes.Buffer
		(&JSONExporter{}).Export(context.Background(), nil, &buf)
		if strings.TrimSpace(buf.String()) != "[]" {
			t.Errorf("expected [], got %q", buf.String())
		}
	})

	t.Run("unknown format", func(t *testing.T) {
		if _, err := NewExporter("xml"); err == nil {
			t.Error("expected error for unknown format")
		}
	})
}

func keysOf(events []*Event) string {
	keys := make([]string, len(events))
	for i, e := range events {
		keys[i] = e.IdempotencyKey
	}
	return strings.Join(keys, ",")
}
