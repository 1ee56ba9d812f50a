package logging

import (
	"context"
	"log/slog"
)

// Context keys for common log fields.
type contextKey string

const (
	// TenantKey is the context key for tenant identifiers.
	TenantKey contextKey = "tenant_id"

	// TicketKey is the context key for admission tickets.
	TicketKey contextKey = "ticket"

	// JobKey is the context key for scheduled job names.
	JobKey contextKey = "job"
)

var contextKeys = []contextKey{TenantKey, TicketKey, JobKey}

// WithTenant adds a tenant identifier to the context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantKey, tenantID)
}

// GetTenant retrieves the tenant identifier from the context.
func GetTenant(ctx context.Context) string {
	tenantID, _ := ctx.Value(TenantKey).(string)
	return tenantID
}

// WithTicket adds an admission ticket to the context.
func WithTicket(ctx context.Context, ticket string) context.Context {
	return context.WithValue(ctx, TicketKey, ticket)
}

// GetTicket retrieves the admission ticket from the context.
func GetTicket(ctx context.Context) string {
	ticket, _ := ctx.Value(TicketKey).(string)
	return ticket
}

// WithJob adds a scheduled job name to the context.
func WithJob(ctx context.Context, job string) context.Context {
	return context.WithValue(ctx, JobKey, job)
}

func contextAttrs(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	var attrs []slog.Attr
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	return attrs
}
