// Package billing defines the data model shared by the billing engine:
// customers, pricing plans, subscriptions, invoices, usage records, and the
// append-only subscription change log.
//
// The package also provides the two storage backends used throughout the
// engine: an in-memory store for tests and local development, and a
// PostgreSQL store backed by pgx. Components declare their own narrow
// repository interfaces and both stores satisfy all of them.
//
// # Ownership
//
// Subscription and Invoice rows are owned exclusively by this engine.
// Customer identity fields (email, name) are owned by the identity provider;
// only the billing fields (processor customer ID, retirement flag) are
// mutated here. UsageRecord rows are append-only and written only through
// the usage ledger.
//
// # Concurrency
//
// Subscription rows carry a Version counter. UpdateSubscription performs a
// conditional update against the version read by the caller and returns
// ErrVersionConflict when another writer got there first, so a stale webhook
// and an in-flight plan change cannot overwrite each other.
package billing
