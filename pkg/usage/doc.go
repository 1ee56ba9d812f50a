// Package usage records committed, billable operations.
//
// Every successful admission appends one Event keyed by a UUIDv7
// idempotency key. Events are never rewritten: the billing reconciler only
// tags them with the batch key under which they were reported. The ledger
// also keeps the reconciler's sent-batch records so a batch is reported at
// most once even if the process dies between reporting and marking.
//
// Backends:
//
//   - MemoryLedger: in-process, for tests and development
//   - SQLiteLedger: durable, single file (WAL)
//
// Events can be exported as CSV or JSON for audits and invoicing
// disputes.
package usage
