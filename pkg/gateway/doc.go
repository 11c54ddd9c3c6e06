// Package gateway is the outbound-only adapter to the external payment
// processor. It issues commands (create customer, create/update/cancel
// subscription, report usage, retry invoice payment) and returns
// processor-native identifiers; all inbound state changes arrive separately
// through webhook events handled by the sync package.
//
// Errors are classified as transient (network, processor 5xx) or permanent
// (declined card, invalid request) so callers can decide between surfacing a
// pending outcome and driving the dunning state machine. Every call carries
// a bounded timeout: a timed-out call is not assumed failed, since the
// processor-side operation may have succeeded.
package gateway
