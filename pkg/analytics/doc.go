// Package analytics reduces subscription, change, and invoice history into
// revenue metrics: MRR, ARR, churn rate, revenue breakdown, and lifetime
// value. It is purely read-side; results land in a period-keyed summary
// store, and re-aggregating the same period overwrites the prior row, so
// the periodic job is safe to re-run.
package analytics
