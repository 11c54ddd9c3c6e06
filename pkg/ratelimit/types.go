package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Config defines the token bucket parameters.
type Config struct {
	Capacity       int           // maximum tokens the bucket can hold (burst limit)
	RefillRate     int           // tokens added per refill interval
	RefillInterval time.Duration // how often tokens are added
}

func (c Config) validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfig, c.Capacity)
	}
	if c.RefillRate <= 0 {
		return fmt.Errorf("%w: refill rate must be positive, got %d", ErrInvalidConfig, c.RefillRate)
	}
	if c.RefillInterval <= 0 {
		return fmt.Errorf("%w: refill interval must be positive, got %v", ErrInvalidConfig, c.RefillInterval)
	}
	return nil
}

// Result is the outcome of a rate limit check.
type Result struct {
	Limit     int       // bucket capacity
	Remaining int       // tokens left after this check; negative means denied
	ResetAt   time.Time // when the next refill lands
}

// Allowed reports whether the request may proceed.
func (r *Result) Allowed() bool {
	return r.Remaining >= 0
}

// RetryAfter returns how long to wait before retrying. Zero when the
// request was allowed.
func (r *Result) RetryAfter() time.Duration {
	if r.Allowed() {
		return 0
	}
	return time.Until(r.ResetAt)
}

// Store persists bucket state. If remaining is negative the request should
// be denied; denied requests still drain the bucket so sustained abuse
// extends the recovery time.
type Store interface {
	ConsumeTokens(ctx context.Context, key string, tokens int, config Config) (remaining int, resetAt time.Time, err error)
	Reset(ctx context.Context, key string) error
}
