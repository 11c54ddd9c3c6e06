// Package logger builds the slog loggers used across the billing service.
//
// New assembles a *slog.Logger from functional options. Environment presets
// (WithDevelopment, WithStaging, WithProduction, or WithEnvironment to pick
// one from config) choose format and level: text at debug for development,
// JSON at info elsewhere, with "service" and "env" stamped on every record.
//
// WithContextExtractors registers callbacks that pull attributes out of the
// request context on each log call. billingd wires the requestid and
// environment extractors here so every record carries the request id without
// handlers threading it through.
//
// Error and Errors produce attributes only for non-nil errors, so
//
//	log.Warn("retry scheduled", logger.Error(err))
//
// needs no nil guard at the call site.
package logger
