// Package sync is the inbound entry point of the billing engine: it verifies
// processor-originated webhook events and applies them as idempotent local
// mutations of the subscription store.
//
// Events are verified against the shared webhook secret before any parsing.
// Each event is de-duplicated by processor event ID, so redelivery of an
// already-applied event succeeds without repeating side effects. Events for
// the same subscription may arrive out of order; status and period fields
// are applied last-write-wins using the event's own timestamp, and events
// referencing rows that do not exist yet fail with a retryable error so the
// processor's redelivery acts as the correctness backstop.
package sync
