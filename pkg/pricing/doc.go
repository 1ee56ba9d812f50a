// Package pricing estimates the cost, in fractional cents, of metered
// operations.
//
// Rates are looked up by provider, model and operation in a versioned Table.
// The lookup order is:
//
//  1. exact provider/model/operation
//  2. longest model prefix within the provider ("gpt-image-1" matches "gpt-image-1-2025-04")
//  3. the provider's "default" model
//  4. the table-wide default_cents_per_unit
//
// Step 4 is logged as a warning. Estimation never fails a request.
//
// Committed usage events record the table version they were priced with,
// so later price changes do not rewrite history.
package pricing
