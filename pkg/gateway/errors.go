package gateway

import "errors"

var (
	ErrMissingAPIKey      = errors.New("payment processor API key is required")
	ErrMissingCustomerID  = errors.New("processor customer ID is required")
	ErrMissingPriceID     = errors.New("processor price ID is required")
	ErrNoCheckoutURL      = errors.New("no checkout URL returned from processor")
	ErrNoPortalURL        = errors.New("no portal URL returned from processor")
	ErrPromoCodeNotFound  = errors.New("promotion code not found")
	ErrPaymentDeclined    = errors.New("payment method declined")
	ErrProcessorTransient = errors.New("transient payment processor failure")
	ErrProcessorPermanent = errors.New("payment processor rejected the request")
)

// IsTransient reports whether the error may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrProcessorTransient)
}

// IsDeclined reports whether the error is a card/payment decline, which
// drives the dunning state machine rather than generic error handling.
func IsDeclined(err error) bool {
	return errors.Is(err, ErrPaymentDeclined)
}
