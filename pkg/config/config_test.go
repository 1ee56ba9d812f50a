package config

import (
	"testing"
)

func boolPtr(b bool) *bool { return &b }

func TestMinimalConfig(t *testing.T) {
	cfg := MinimalConfig()

	if cfg.Store.Backend != "memory" {
		t.Errorf("expected store backend memory, got %q", cfg.Store.Backend)
	}
	if cfg.Credits.Backend != "memory" {
		t.Errorf("expected credits backend memory, got %q", cfg.Credits.Backend)
	}
	if cfg.Usage.Backend != "memory" {
		t.Errorf("expected usage backend memory, got %q", cfg.Usage.Backend)
	}
	if cfg.Billing.Enabled {
		t.Error("expected billing to be disabled")
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("expected minimal config to be valid, got %v", err)
	}
}

func TestBoolAccessors(t *testing.T) {
	tests := []struct {
		name  string
		want  func(v *bool) bool
		dflt  bool
	}{
		{
			name: "quota fail open",
			want: func(v *bool) bool { return QuotaConfig{FailOpen: v}.FailOpenEnabled() },
			dflt: true,
		},
		{
			name: "credits enabled",
			want: func(v *bool) bool { return CreditsConfig{Enabled: v}.IsEnabled() },
			dflt: true,
		},
		{
			name: "metrics enabled",
			want: func(v *bool) bool { return MetricsConfig{Enabled: v}.IsEnabled() },
			dflt: true,
		},
		{
			name: "redaction enabled",
			want: func(v *bool) bool { return LoggingConfig{RedactSecrets: v}.RedactionEnabled() },
			dflt: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.want(nil); got != tt.dflt {
				t.Errorf("expected default %v, got %v", tt.dflt, got)
			}
			if got := tt.want(boolPtr(false)); got {
				t.Error("expected explicit false to be honored")
			}
			if got := tt.want(boolPtr(true)); !got {
				t.Error("expected explicit true to be honored")
			}
		})
	}
}
