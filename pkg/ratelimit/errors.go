package ratelimit

import "errors"

var (
	// ErrInvalidConfig indicates that the bucket configuration is invalid.
	ErrInvalidConfig = errors.New("invalid rate limit configuration")

	// ErrInvalidTokenCount indicates a non-positive token count.
	ErrInvalidTokenCount = errors.New("invalid token count")

	// ErrStoreUnavailable indicates the store backend cannot be reached.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
)
