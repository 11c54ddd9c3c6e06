// Package usage meters consumption against subscription plan limits.
//
// Consumption is recorded as usage events inside the subscription's current
// billing period; events stamped outside the period are rejected. Metered
// subscriptions additionally forward quantities to the payment processor for
// usage-based invoicing.
//
// Limits are advisory. CheckLimits reports how close each plan resource is
// to its cap (50/75/90/100 percent bands) so callers can warn or upsell, but
// recording never blocks on an exceeded limit.
package usage
