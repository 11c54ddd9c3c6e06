// Package httpserver wraps net/http with graceful shutdown, env-driven
// timeout configuration, and aggregated health checks for the billing API
// daemon.
//
// Run blocks until the context is cancelled or an interrupt/TERM signal
// arrives, then drains in-flight requests within the configured shutdown
// deadline. Construction goes through New or NewFromConfig with functional
// options (WithAddr, WithLogger, WithStartHook, ...). Listen failures are
// wrapped with ErrStart and shutdown failures with ErrShutdown so callers
// can tell them apart with errors.Is.
//
// HealthCheckHandler fans a request out to registered probes (Postgres,
// Redis) and reports per-dependency status, so one route serves both
// liveness and readiness.
package httpserver
