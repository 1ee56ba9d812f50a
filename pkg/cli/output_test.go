package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func testTable() *Table {
	return &Table{
		Headers: []string{"tier", "metric", "limit"},
		Rows: [][]string{
			{"starter", "designs", "100"},
			{"business", "designs", "1000"},
		},
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", FormatText, false},
		{"JSON", FormatJSON, false},
		{"csv", FormatCSV, false},
		{"junit", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestTextFormatter(t *testing.T) {
	var buf bytes.Buffer
	if err := NewFormatter(FormatText).FormatTo(&buf, testTable()); err != nil {
		t.Fatalf("failed to format: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[2], "business  designs  1000") {
		t.Errorf("expected aligned columns, got %q", lines[2])
	}

	buf.Reset()
	if err := NewFormatter(FormatText).FormatTo(&buf, "done"); err != nil {
		t.Fatalf("failed to format: %v", err)
	}
	if buf.String() != "done\n" {
		t.Errorf("expected %q, got %q", "done\n", buf.String())
	}
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	if err := NewFormatter(FormatJSON).FormatTo(&buf, testTable()); err != nil {
		t.Fatalf("failed to format: %v", err)
	}

	var records []map[string]string
	if err := json.Unmarshal(buf.Bytes(), &records); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(records) != 2 || records[1]["limit"] != "1000" {
		t.Errorf("expected business limit 1000, got %v", records)
	}
}

func TestCSVFormatter(t *testing.T) {
	var buf bytes.Buffer
	if err := NewFormatter(FormatCSV).FormatTo(&buf, testTable()); err != nil {
		t.Fatalf("failed to format: %v", err)
	}

	expected := "tier,metric,limit\nstarter,designs,100\nbusiness,designs,1000\n"
	if buf.String() != expected {
		t.Errorf("expected %q, got %q", expected, buf.String())
	}

	if err := NewFormatter(FormatCSV).FormatTo(&buf, "plain"); err == nil {
		t.Error("expected error for non-table csv output")
	}
}
