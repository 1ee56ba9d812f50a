// Package credits converts operation costs into credits and maintains
// per-tenant credit balances.
//
// Conversion is ceil(costCents / costPerCreditCents) with a minimum of one
// credit for any chargeable operation; tiers with a zero credit price are
// not credit-metered.
//
// Balances follow a hold/capture protocol. The admission gate reserves
// credits when it admits an operation, captures them when the caller reports
// success and cancels the hold on failure. Top-ups and monthly refills are
// idempotent on an external reference.
package credits
