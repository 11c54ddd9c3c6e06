// Package environment propagates the deployment environment (development,
// staging, production) through request contexts and structured logs.
//
// billingd wraps its router with Middleware so every request context carries
// the configured Environment, and registers LoggerExtractor with the logger
// so each record is tagged with an "env" attribute. The Is* predicates accept
// the short aliases "dev", "stage" and "prod" alongside the canonical
// constants.
package environment
