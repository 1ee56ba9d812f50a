// Package billing reports metered usage to an external billing provider.
//
// The Reconciler reads unreconciled events from a usage.Ledger, groups them
// per tenant and metric, and sends one UsageReport per group. Every report
// carries an idempotency key derived from the sorted keys of its events, so
// the same set of events always produces the same key:
//
//	key := billing.BatchKey([]string{"evt-1", "evt-2"})
//
// Before a batch is sent its events are assigned to it in the ledger. A
// batch that was assigned but never marked reconciled, whatever the reason,
// is sent again on the next pass with its original key and members, ahead
// of any new events, so the provider can drop the repeat by key.
//
// After a successful report the batch is written to the ledger's sent-batch
// table and its events are marked reconciled. If the process stops between
// those steps, the next pass finds the batch already sent and only marks
// the events.
//
// Provider calls are retried with exponential backoff for retryable errors
// (network, 429, 5xx). When retries run out a limits.BillingSyncFailureError
// is passed to the Alerter and the events stay unreconciled.
//
// # Providers
//
//   - StripeProvider creates Stripe usage records (action=increment)
//   - LogProvider logs reports, for development
package billing
