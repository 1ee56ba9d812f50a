package admission

import (
	"context"
	"log/slog"
	"time"
)

// Event is the structured record emitted for every decision.
type Event struct {
	TenantID  string
	Metric    string
	Route     string
	Ticket    string
	Decision  State
	Reason    string
	Remaining int64
	CostCents float64
	Credits   int64
	Overage   bool
	Degraded  bool
	Latency   time.Duration
}

// EventSink receives admission events. Implementations must be safe for
// concurrent use and must not block.
type EventSink interface {
	Emit(ctx context.Context, e Event)
}

// LogSink writes events with slog. Denials are logged at warn.
type LogSink struct {
	Logger *slog.Logger
}

// Emit implements EventSink.
func (s LogSink) Emit(ctx context.Context, e Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	level := slog.LevelInfo
	switch e.Decision {
	case StateRateLimited, StateQuotaBlocked, StateInsufficientCredits, StateFailed:
		level = slog.LevelWarn
	}

	logger.LogAttrs(ctx, level, "admission decision",
		slog.String("tenant_id", e.TenantID),
		slog.String("metric", e.Metric),
		slog.String("route", e.Route),
		slog.String("ticket", e.Ticket),
		slog.String("decision", string(e.Decision)),
		slog.String("reason", e.Reason),
		slog.Int64("remaining", e.Remaining),
		slog.Float64("cost_cents", e.CostCents),
		slog.Int64("credits", e.Credits),
		slog.Bool("overage", e.Overage),
		slog.Bool("degraded", e.Degraded),
		slog.Duration("latency", e.Latency),
	)
}

// Recorder is the metrics surface MetricsSink writes to.
type Recorder interface {
	AdmissionDecision(metric, decision, reason string, latency time.Duration)
	AdmissionCost(metric string, costCents float64, credits int64)
}

// MetricsSink forwards events to a Recorder.
type MetricsSink struct {
	Recorder Recorder
}

// Emit implements EventSink.
func (s MetricsSink) Emit(_ context.Context, e Event) {
	if s.Recorder == nil {
		return
	}
	s.Recorder.AdmissionDecision(e.Metric, string(e.Decision), e.Reason, e.Latency)
	if e.Decision == StateCommitted {
		s.Recorder.AdmissionCost(e.Metric, e.CostCents, e.Credits)
	}
}

// MultiSink fans out to several sinks in order.
type MultiSink []EventSink

// Emit implements EventSink.
func (m MultiSink) Emit(ctx context.Context, e Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Emit(ctx, e)
		}
	}
}
