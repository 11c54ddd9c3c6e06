// Package config loads the service's typed configuration structs from
// environment variables.
//
// Load parses env tags with caarlos0/env after a one-time godotenv bootstrap
// of the default .env file, and caches each struct type so repeated loads of
// the same config across packages parse the environment exactly once.
// MustLoad panics on failure and is what billingd uses at startup, where a
// missing Stripe key or database URL should stop the process immediately.
//
//	var cfg gateway.StripeConfig
//	config.MustLoad(&cfg)
//
// Parse failures wrap ErrParsingConfig so callers can distinguish bad
// environment values from a nil destination (ErrNilPointer).
package config
