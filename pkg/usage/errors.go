package usage

import "errors"

var (
	// ErrOutsidePeriod is returned when a usage event's timestamp falls
	// outside the subscription's current billing period.
	ErrOutsidePeriod = errors.New("usage event is outside the current billing period")

	// ErrSubscriptionInactive is returned when usage is reported against an
	// ended subscription.
	ErrSubscriptionInactive = errors.New("subscription is not active")

	// ErrInvalidQuantity is returned for zero or negative quantities.
	ErrInvalidQuantity = errors.New("usage quantity must be positive")
)
