// Package pg owns the service's PostgreSQL bootstrap: pooled connectivity
// with pgx/v5, schema migrations with goose/v3, and a health probe for the
// readiness endpoint.
//
// Connect opens a *pgxpool.Pool from an env-driven Config, retrying with
// backoff until the database accepts connections, so billingd survives
// a database that comes up after it. Migrate bridges the pool into
// database/sql and applies the migrations directory before the HTTP server
// starts taking traffic.
//
// Error helpers such as IsDuplicateKeyError and IsForeignKeyViolationError
// unwrap *pgconn.PgError so the store layers can translate constraint
// violations into domain errors without matching SQLSTATE strings inline.
package pg
