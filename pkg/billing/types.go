package billing

// Money represents a monetary amount in the smallest currency unit.
// For example, $10.99 USD would be Amount: 1099, Currency: "USD".
type Money struct {
	Amount   int64  `json:"amount" yaml:"amount"`
	Currency string `json:"currency" yaml:"currency"`
}

// IsZero reports whether no amount has been set.
func (m Money) IsZero() bool {
	return m.Amount == 0 && m.Currency == ""
}

// BillingInterval represents the billing cycle of a subscription.
type BillingInterval string

const (
	IntervalMonthly BillingInterval = "monthly"
	IntervalAnnual  BillingInterval = "annual"
)

// Valid reports whether the interval is one of the supported cycles.
func (i BillingInterval) Valid() bool {
	return i == IntervalMonthly || i == IntervalAnnual
}

// Resource represents a metered, plan-limited resource type.
type Resource string

const (
	ResourceStorage   Resource = "storage" // Measured in GB
	ResourceAPICalls  Resource = "api_calls"
	ResourceDocuments Resource = "documents"
	ResourceSeats     Resource = "seats"
)

// Resources returns all plan-limited resource types in stable order.
func Resources() []Resource {
	return []Resource{ResourceStorage, ResourceAPICalls, ResourceDocuments, ResourceSeats}
}

const (
	// Unlimited indicates no limit for a resource (-1 chosen for SQL compatibility).
	Unlimited int64 = -1
)

// UsageType identifies the kind of consumption recorded in a UsageRecord.
type UsageType string

const (
	UsageStorage           UsageType = "storage"
	UsageAPICall           UsageType = "api_call"
	UsageDocumentProcessed UsageType = "document_processed"
)

// Valid reports whether the usage type is known.
func (t UsageType) Valid() bool {
	switch t {
	case UsageStorage, UsageAPICall, UsageDocumentProcessed:
		return true
	}
	return false
}

// Resource maps a usage type to the plan resource it is limited by.
func (t UsageType) Resource() Resource {
	switch t {
	case UsageStorage:
		return ResourceStorage
	case UsageAPICall:
		return ResourceAPICalls
	case UsageDocumentProcessed:
		return ResourceDocuments
	}
	return Resource(t)
}

// BytesToGB converts a byte count to fractional gigabytes (bytes / 2^30).
func BytesToGB(bytes int64) float64 {
	return float64(bytes) / float64(1<<30)
}
