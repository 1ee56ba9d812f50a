package usage

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Exporter writes usage events to w.
type Exporter interface {
	Export(ctx context.Context, events []*Event, w io.Writer) error
}

// ExportError wraps a failure during export.
type ExportError struct {
	Format string
	Count  int
	Cause  error
}

// Error implements the error interface.
func (e *ExportError) Error() string {
	return fmt.Sprintf("export error [format=%s, records=%d]: %v", e.Format, e.Count, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *ExportError) Unwrap() error {
	return e.Cause
}

// NewExporter returns the exporter for format ("csv" or "json").
func NewExporter(format string) (Exporter, error) {
	switch format {
	case "csv":
		return &CSVExporter{IncludeHeader: true}, nil
	case "json", "":
		return &JSONExporter{Pretty: true}, nil
	default:
		return nil, fmt.Errorf("unsupported export format %q (expected csv or json)", format)
	}
}

// CSVExporter exports events as CSV.
type CSVExporter struct {
	// IncludeHeader includes a header row with column names.
	IncludeHeader bool
}

var csvHeader = []string{
	"idempotency_key", "tenant_id", "metric", "units", "cost_cents", "credits_charged",
	"overage", "pricing_version", "occurred_at", "batch_key", "reconciled_at",
}

// Export writes events in CSV format.
func (e *CSVExporter) Export(ctx context.Context, events []*Event, w io.Writer) error {
	writer := csv.NewWriter(w)

	if e.IncludeHeader {
		if err := writer.Write(csvHeader); err != nil {
			return &ExportError{Format: "csv", Count: 0, Cause: err}
		}
	}

	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writer.Write(eventToRow(ev)); err != nil {
			return &ExportError{Format: "csv", Count: i, Cause: err}
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return &ExportError{Format: "csv", Count: len(events), Cause: err}
	}
	return nil
}

func eventToRow(ev *Event) []string {
	formatTime := func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format(time.RFC3339Nano)
	}

	reconciled := ""
	if ev.ReconciledAt != nil {
		reconciled = formatTime(*ev.ReconciledAt)
	}

	return []string{
		ev.IdempotencyKey,
		ev.TenantID,
		ev.Metric,
		strconv.FormatInt(ev.Units, 10),
		ev.CostCents.String(),
		strconv.FormatInt(ev.CreditsCharged, 10),
		strconv.FormatBool(ev.Overage),
		ev.PricingVersion,
		formatTime(ev.OccurredAt),
		ev.BatchKey,
		reconciled,
	}
}

// JSONExporter exports events as a JSON array.
type JSONExporter struct {
	// Pretty enables indentation.
	Pretty bool
}

// Export writes events as a JSON array. An empty slice produces "[]".
func (e *JSONExporter) Export(ctx context.Context, events []*Event, w io.Writer) error {
	if events == nil {
		events = []*Event{}
	}

	enc := json.NewEncoder(w)
	if e.Pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(events); err != nil {
		return &ExportError{Format: "json", Count: len(events), Cause: err}
	}
	return nil
}
