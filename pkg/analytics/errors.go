package analytics

import "errors"

var (
	// ErrUnknownPeriodType is returned for a period type outside
	// month/quarter/year.
	ErrUnknownPeriodType = errors.New("unknown period type")
)
