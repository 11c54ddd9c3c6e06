package billing

import (
	"time"

	"github.com/google/uuid"
)

// RevenueSummary is the period-keyed output of the analytics aggregator.
// Rows are upserted by (PeriodType, PeriodStart) so re-aggregating the same
// period is idempotent.
type RevenueSummary struct {
	ID               uuid.UUID
	PeriodType       string // "month", "quarter", "year"
	PeriodStart      time.Time
	PeriodEnd        time.Time
	MRR              int64 // smallest currency unit, monthly-normalized
	ARR              int64
	ChurnRatePct     float64
	ActiveCustomers  int64
	CanceledInPeriod int64
	RevenueByType    map[string]int64 // subscription / usage / one_time
	RevenueByRegion  map[string]int64 // currency-implied region
	AvgLTV           int64            // smallest currency unit
	GeneratedAt      time.Time
}
