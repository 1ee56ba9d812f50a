package telemetry

import (
	"bytes"
	"strings"
	"testing"

	"luneo-hq/guardian/pkg/config"
)

func TestNew(t *testing.T) {
	cfg := config.MinimalConfig().Telemetry
	var buf bytes.Buffer

	tel, err := New(&cfg, &buf, nil)
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}
	if tel.Metrics == nil || tel.Health == nil {
		t.Fatal("expected metrics and health")
	}

	tel.Logger.Info("started", "secret_key", "sk_live_abcdefgh")
	if strings.Contains(buf.String(), "abcdefgh") {
		t.Errorf("expected secret to be redacted, got %s", buf.String())
	}
}

func TestNew_InvalidLogging(t *testing.T) {
	cfg := config.MinimalConfig().Telemetry
	cfg.Logging.Level = "verbose"

	if _, err := New(&cfg, &bytes.Buffer{}, nil); err == nil {
		t.Error("expected error for invalid log level")
	}
}
