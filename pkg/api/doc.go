// Package api exposes the application-facing HTTP surface: the payment
// processor webhook endpoint plus plan, checkout, portal, subscription,
// usage, and invoice routes for organizations. All responses share the
// {success, data|error} envelope, and processor-internal failures are
// mapped to a small set of business-meaningful error codes before they
// reach a client.
package api
