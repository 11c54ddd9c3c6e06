// Package requestid correlates log records belonging to one API request.
//
// Middleware accepts a client-supplied X-Request-ID when it is short and
// matches the allowed character set, and otherwise generates a UUID. The id
// is stored in the request context, echoed back in the response header, and
// surfaced in logs through LoggerExtractor, which billingd registers with
// the shared logger.
package requestid
