package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"luneo-hq/guardian/pkg/cli"
	"luneo-hq/guardian/pkg/usage"
)

func TestValidateCommand(t *testing.T) {
	path, _ := writeConfig(t, `
plans:
  default_tier: starter
  tenants:
    acme: business
`)

	out, err := executeCommand(t, "validate", "--config", path)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	for _, want := range []string{"Configuration valid", "Plans valid", "Tenant tiers valid (1 tenants, default starter)", "Pricing valid"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got %q", want, out)
		}
	}
}

func TestValidateCommand_Errors(t *testing.T) {
	tests := []struct {
		name  string
		extra string
	}{
		{
			name: "invalid config",
			extra: `
store:
  backend: cassandra
`,
		},
		{
			name: "unknown tenant tier",
			extra: `
plans:
  tenants:
    acme: platinum
`,
		},
		{
			name: "missing plan file",
			extra: `
plans:
  file: /nonexistent/plans.yaml
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, _ := writeConfig(t, tt.extra)

			_, err := executeCommand(t, "validate", "--config", path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if code := cli.ExitCode(err); code != cli.ExitConfig {
				t.Errorf("expected exit code %d, got %d (%v)", cli.ExitConfig, code, err)
			}
		})
	}
}

func TestValidateCommand_EnvOnly(t *testing.T) {
	t.Setenv("GUARDIAN_STORE_BACKEND", "memory")
	t.Setenv("GUARDIAN_CREDITS_BACKEND", "memory")
	t.Setenv("GUARDIAN_USAGE_BACKEND", "memory")

	if _, err := executeCommand(t, "validate"); err != nil {
		t.Errorf("expected defaults plus environment to validate, got %v", err)
	}
}

func TestRunCommand_DryRun(t *testing.T) {
	path, _ := writeConfig(t, "")

	out, err := executeCommand(t, "run", "--config", path, "--dry-run")
	runFlags.dryRun = false
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if !strings.Contains(out, "Configuration valid") {
		t.Errorf("expected configuration valid, got %q", out)
	}
}

func TestPlansCommand(t *testing.T) {
	path, _ := writeConfig(t, "")

	out, err := executeCommand(t, "plans", "--config", path)
	if err != nil {
		t.Fatalf("plans failed: %v", err)
	}
	for _, tier := range []string{"free", "starter", "professional", "business", "enterprise"} {
		if !strings.Contains(out, tier) {
			t.Errorf("expected tier %q in output, got %q", tier, out)
		}
	}
}

func TestPlansCommand_TierJSON(t *testing.T) {
	path, _ := writeConfig(t, "")

	out, err := executeCommand(t, "plans", "starter", "--config", path, "--output", "json")
	if err != nil {
		t.Fatalf("plans failed: %v", err)
	}

	var rows []map[string]string
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("expected JSON rows, got %q: %v", out, err)
	}

	found := false
	for _, row := range rows {
		if row["metric"] == "designs_created" {
			found = true
			if row["limit"] != "100" || row["overage"] != "block" {
				t.Errorf("expected designs_created 100/block, got %v", row)
			}
		}
	}
	if !found {
		t.Errorf("expected designs_created row, got %v", rows)
	}
}

func TestPlansCommand_UnknownTier(t *testing.T) {
	path, _ := writeConfig(t, "")

	if _, err := executeCommand(t, "plans", "platinum", "--config", path); err == nil {
		t.Error("expected error for unknown tier")
	}
}

func TestCreditsCommands(t *testing.T) {
	path, _ := writeConfig(t, "")

	out, err := executeCommand(t, "credits", "topup", "acme", "500", "--reference", "cs_test_1", "--config", path)
	if err != nil {
		t.Fatalf("topup failed: %v", err)
	}
	if !strings.Contains(out, "Added 500 credits to acme (balance 500)") {
		t.Errorf("unexpected topup output: %q", out)
	}

	// Same reference again is a no-op.
	out, err = executeCommand(t, "credits", "topup", "acme", "500", "--reference", "cs_test_1", "--config", path)
	if err != nil {
		t.Fatalf("repeated topup failed: %v", err)
	}
	if !strings.Contains(out, "already applied") {
		t.Errorf("expected repeated topup to be reported as applied, got %q", out)
	}

	out, err = executeCommand(t, "credits", "balance", "acme", "--config", path, "--output", "csv")
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	want := "tenant,purchased,used,held,available\nacme,500,0,0,500\n"
	if out != want {
		t.Errorf("expected %q, got %q", want, out)
	}

	out, err = executeCommand(t, "credits", "history", "acme", "--config", path)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.Contains(out, "cs_test_1") || !strings.Contains(out, "topup") {
		t.Errorf("expected topup transaction in history, got %q", out)
	}
}

func TestCreditsTopUp_InvalidAmount(t *testing.T) {
	path, _ := writeConfig(t, "")

	for _, amount := range []string{"0", "-5", "ten"} {
		if _, err := executeCommand(t, "credits", "topup", "acme", amount, "--reference", "r", "--config", path); err == nil {
			t.Errorf("expected error for amount %q", amount)
		}
	}
}

func TestCreditsCommands_Disabled(t *testing.T) {
	path, _ := writeConfig(t, `
credits:
  enabled: false
`)

	_, err := executeCommand(t, "credits", "balance", "acme", "--config", path)
	if code := cli.ExitCode(err); code != cli.ExitConfig {
		t.Errorf("expected exit code %d, got %d (%v)", cli.ExitConfig, code, err)
	}
}

func seedUsage(t *testing.T, dir string, events ...*usage.Event) {
	t.Helper()
	cfg := usage.DefaultSQLiteConfig()
	cfg.Path = filepath.Join(dir, "usage.db")

	ledger, err := usage.NewSQLiteLedger(cfg)
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	defer ledger.Close()

	for _, e := range events {
		if _, err := ledger.Append(context.Background(), e); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}
}

func usageEvent(key, tenant, metric string, units int64, at time.Time) *usage.Event {
	return &usage.Event{
		IdempotencyKey: key,
		TenantID:       tenant,
		Metric:         metric,
		Units:          units,
		CostCents:      decimal.NewFromInt(units * 4),
		CreditsCharged: units * 4,
		PricingVersion: "test",
		OccurredAt:     at,
	}
}

func TestUsageCommands(t *testing.T) {
	path, dir := writeConfig(t, "")
	at := time.Date(2026, 10, 5, 12, 0, 0, 0, time.UTC)
	seedUsage(t, dir,
		usageEvent("evt-1", "acme", "designs_created", 2, at),
		usageEvent("evt-2", "acme", "designs_created", 3, at.Add(time.Hour)),
		usageEvent("evt-3", "globex", "renders_2d", 1, at),
	)

	t.Run("export", func(t *testing.T) {
		out, err := executeCommand(t, "usage", "export", "--tenant", "acme", "--config", path)
		if err != nil {
			t.Fatalf("export failed: %v", err)
		}
		if !strings.Contains(out, "evt-1") || !strings.Contains(out, "evt-2") {
			t.Errorf("expected acme events, got %q", out)
		}
		if strings.Contains(out, "evt-3") {
			t.Errorf("expected globex events filtered out, got %q", out)
		}
	})

	t.Run("export to file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "usage.json")
		if _, err := executeCommand(t, "usage", "export", "--format", "json", "--output-file", file, "--config", path); err != nil {
			t.Fatalf("export failed: %v", err)
		}

		data, err := os.ReadFile(file)
		if err != nil {
			t.Fatalf("failed to read export: %v", err)
		}
		if !strings.Contains(string(data), "evt-3") {
			t.Errorf("expected all events in export, got %s", data)
		}
	})

	t.Run("summary", func(t *testing.T) {
		out, err := executeCommand(t, "usage", "summary", "--config", path, "--output", "csv")
		if err != nil {
			t.Fatalf("summary failed: %v", err)
		}
		if !strings.Contains(out, "acme,designs_created,2,5,0,20.00,20") {
			t.Errorf("expected acme totals, got %q", out)
		}
		if !strings.Contains(out, "globex,renders_2d,1,1,0,4.00,4") {
			t.Errorf("expected globex totals, got %q", out)
		}
	})

	t.Run("time range", func(t *testing.T) {
		out, err := executeCommand(t, "usage", "export", "--since", "2026-10-05T12:30:00Z", "--config", path)
		if err != nil {
			t.Fatalf("export failed: %v", err)
		}
		if !strings.Contains(out, "evt-2") || strings.Contains(out, "evt-1") {
			t.Errorf("expected only evt-2, got %q", out)
		}
	})

	t.Run("invalid range", func(t *testing.T) {
		_, err := executeCommand(t, "usage", "export", "--since", "2026-10-06T00:00:00Z", "--until", "2026-10-05T00:00:00Z", "--config", path)
		if err == nil {
			t.Error("expected error for inverted time range")
		}
	})
}

func TestReconcileCommand(t *testing.T) {
	path, dir := writeConfig(t, "")
	at := time.Now().UTC().Add(-time.Hour)
	seedUsage(t, dir,
		usageEvent("evt-1", "acme", "designs_created", 2, at),
		usageEvent("evt-2", "acme", "designs_created", 3, at),
	)

	out, err := executeCommand(t, "reconcile", "--provider", "log", "--config", path)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	for _, want := range []string{"Events:   2", "Reported: 1", "Units:    5"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got %q", want, out)
		}
	}

	// A second pass finds nothing left to report.
	out, err = executeCommand(t, "reconcile", "--provider", "log", "--config", path)
	if err != nil {
		t.Fatalf("second reconcile failed: %v", err)
	}
	if !strings.Contains(out, "Events:   0") {
		t.Errorf("expected no events on second pass, got %q", out)
	}
}
