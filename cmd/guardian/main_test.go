package main

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// executeCommand runs the root command with args and returns its stdout.
// Flag variables are reset first because cobra binds them to package state.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cfgFile, verbose = "", false
	reconcileFlags.provider = ""
	plansFlags.output = "text"
	creditsFlags.reference, creditsFlags.output, creditsFlags.limit = "", "text", 50
	usageFlags.tenant, usageFlags.metric = "", ""
	usageFlags.since, usageFlags.until = "", ""
	usageFlags.unbilled, usageFlags.limit = false, 0
	usageFlags.format, usageFlags.outputFile, usageFlags.output = "csv", "", "text"

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// writeConfig writes a config file that keeps counters in memory and the
// credit store and usage ledger in a temporary directory.
func writeConfig(t *testing.T, extra string) (path, dir string) {
	t.Helper()
	dir = t.TempDir()

	content := `
store:
  backend: memory
credits:
  backend: sqlite
  sqlite:
    path: ` + filepath.Join(dir, "credits.db") + `
usage:
  backend: sqlite
  sqlite:
    path: ` + filepath.Join(dir, "usage.db") + `
telemetry:
  logging:
    level: error
` + extra

	path = filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimLeft(content, "\n")), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path, dir
}
