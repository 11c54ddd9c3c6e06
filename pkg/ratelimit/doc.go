// Package ratelimit provides a token bucket rate limiter for the
// application-facing API. Bucket state lives behind a Store so a single
// instance can run on memory while a horizontally scaled deployment shares
// state through Redis, keeping one bucket per organization across all
// replicas.
package ratelimit
