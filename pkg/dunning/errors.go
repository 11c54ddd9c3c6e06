package dunning

import "errors"

var (
	// ErrInvoiceNotRetryable is returned when a retry is forced on an
	// invoice that is already settled or voided.
	ErrInvoiceNotRetryable = errors.New("invoice is not retryable")

	// ErrMissingServerToken is returned when the postmark notifier is
	// configured without a server token.
	ErrMissingServerToken = errors.New("postmark server token is required")
)
