// Package logging builds the process slog.Logger.
//
// New returns a *slog.Logger in JSON, text or console format whose handler
// adds tenant, ticket and job fields carried in the context and redacts
// credentials:
//
//	logger, err := logging.New(logging.FromConfig(cfg.Telemetry.Logging, os.Stderr))
//	if err != nil {
//	    return err
//	}
//	slog.SetDefault(logger)
//
//	ctx = logging.WithTenant(ctx, "acme")
//	slog.InfoContext(ctx, "admitted")  // includes tenant_id=acme
//
// # Redaction
//
//   - Stripe keys: sk_live_abc123 becomes sk_live_***
//   - Redis URLs: redis://user:pw@host becomes redis://***@host
//   - Bearer tokens and password=... pairs
//   - Any attribute whose key names a secret, token or password
package logging
