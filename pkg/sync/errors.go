package sync

import "errors"

var (
	// ErrSignatureVerification means the payload failed authenticity checks.
	// The event is discarded and must not be retried.
	ErrSignatureVerification = errors.New("webhook signature verification failed")

	// ErrRetryLater signals a transient failure (most commonly an
	// event-ordering race where the referenced row does not exist yet).
	// The caller must return a non-2xx so the processor redelivers.
	ErrRetryLater = errors.New("event cannot be applied yet, retry delivery")

	ErrMissingWebhookSecret = errors.New("webhook secret is required")
)
