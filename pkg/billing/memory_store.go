package billing

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements all billing repository interfaces for testing and
// local development. All methods are safe for concurrent use.
type MemoryStore struct {
	mu            sync.RWMutex
	customers     map[uuid.UUID]*Customer
	subscriptions map[uuid.UUID]*Subscription
	changes       []*SubscriptionChange
	invoices      map[uuid.UUID]*Invoice
	usage         []*UsageRecord
	events        map[string]time.Time
	summaries     map[string]*RevenueSummary // keyed by periodType|periodStart
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		customers:     make(map[uuid.UUID]*Customer),
		subscriptions: make(map[uuid.UUID]*Subscription),
		invoices:      make(map[uuid.UUID]*Invoice),
		events:        make(map[string]time.Time),
		summaries:     make(map[string]*RevenueSummary),
	}
}

// GetCustomer retrieves a customer by internal ID.
func (s *MemoryStore) GetCustomer(ctx context.Context, id uuid.UUID) (*Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[id]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	cp := *c
	return &cp, nil
}

// GetCustomerByOrg retrieves the customer for an organization.
func (s *MemoryStore) GetCustomerByOrg(ctx context.Context, orgID uuid.UUID) (*Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.customers {
		if c.OrganizationID == orgID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrCustomerNotFound
}

// GetCustomerByProcessorID retrieves a customer by the processor's customer ID.
func (s *MemoryStore) GetCustomerByProcessorID(ctx context.Context, processorID string) (*Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.customers {
		if c.ProcessorCustomerID == processorID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrCustomerNotFound
}

// SaveCustomer inserts or updates a customer by ID.
func (s *MemoryStore) SaveCustomer(ctx context.Context, customer *Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *customer
	cp.UpdatedAt = time.Now().UTC()
	if existing, ok := s.customers[customer.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	s.customers[customer.ID] = &cp
	return nil
}

// GetSubscription retrieves a subscription by internal ID.
func (s *MemoryStore) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

// GetSubscriptionByProcessorID retrieves a subscription by the processor's ID.
func (s *MemoryStore) GetSubscriptionByProcessorID(ctx context.Context, processorID string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscriptions {
		if sub.ProcessorSubID == processorID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

// CurrentSubscription returns the customer's single non-terminal subscription.
func (s *MemoryStore) CurrentSubscription(ctx context.Context, customerID uuid.UUID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscriptions {
		if sub.CustomerID == customerID && !sub.Status.Terminal() {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

// InsertSubscription creates a subscription row. Inserting a non-terminal
// subscription for a customer that already has one fails with
// ErrDuplicateSubscription to uphold the single-active invariant.
func (s *MemoryStore) InsertSubscription(ctx context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !sub.Status.Terminal() {
		for _, existing := range s.subscriptions {
			if existing.CustomerID == sub.CustomerID && !existing.Status.Terminal() {
				return ErrDuplicateSubscription
			}
		}
	}

	cp := *sub
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if cp.Version == 0 {
		cp.Version = 1
	}
	s.subscriptions[sub.ID] = &cp
	sub.Version = cp.Version
	return nil
}

// UpdateSubscription conditionally updates a subscription. The update only
// succeeds when the stored Version matches the caller's copy; on success the
// version is incremented both in the store and on the passed struct.
func (s *MemoryStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.subscriptions[sub.ID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if existing.Version != sub.Version {
		return ErrVersionConflict
	}

	cp := *sub
	cp.Version = sub.Version + 1
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	s.subscriptions[sub.ID] = &cp
	sub.Version = cp.Version
	return nil
}

// InsertChange appends a subscription change row.
func (s *MemoryStore) InsertChange(ctx context.Context, change *SubscriptionChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *change
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.changes = append(s.changes, &cp)
	return nil
}

// ChangeExists reports whether a change of the given type was recorded for
// the subscription at or after the given time.
func (s *MemoryStore) ChangeExists(ctx context.Context, subscriptionID uuid.UUID, typ ChangeType, after time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.changes {
		if c.SubscriptionID == subscriptionID && c.Type == typ && !c.CreatedAt.Before(after) {
			return true, nil
		}
	}
	return false, nil
}

// ChangesInRange returns changes of the given type created within [from, to).
func (s *MemoryStore) ChangesInRange(ctx context.Context, typ ChangeType, from, to time.Time) ([]SubscriptionChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []SubscriptionChange
	for _, c := range s.changes {
		if c.Type == typ && !c.CreatedAt.Before(from) && c.CreatedAt.Before(to) {
			out = append(out, *c)
		}
	}
	return out, nil
}

// GetInvoice retrieves an invoice by internal ID.
func (s *MemoryStore) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

// GetInvoiceByProcessorID retrieves an invoice by the processor's invoice ID.
func (s *MemoryStore) GetInvoiceByProcessorID(ctx context.Context, processorID string) (*Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inv := range s.invoices {
		if inv.ProcessorInvoiceID == processorID {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, ErrInvoiceNotFound
}

// UpsertInvoice inserts or updates an invoice keyed by processor invoice ID.
func (s *MemoryStore) UpsertInvoice(ctx context.Context, invoice *Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for id, existing := range s.invoices {
		if existing.ProcessorInvoiceID == invoice.ProcessorInvoiceID {
			cp := *invoice
			cp.ID = id
			cp.CreatedAt = existing.CreatedAt
			cp.UpdatedAt = now
			s.invoices[id] = &cp
			invoice.ID = id
			return nil
		}
	}

	cp := *invoice
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.invoices[cp.ID] = &cp
	invoice.ID = cp.ID
	return nil
}

// ListInvoices returns a customer's invoices, newest first.
func (s *MemoryStore) ListInvoices(ctx context.Context, customerID uuid.UUID, limit int) ([]Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Invoice
	for _, inv := range s.invoices {
		if inv.CustomerID == customerID {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PaidInvoicesInRange returns invoices paid within [from, to).
func (s *MemoryStore) PaidInvoicesInRange(ctx context.Context, from, to time.Time) ([]Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Invoice
	for _, inv := range s.invoices {
		if inv.Status == InvoicePaid && inv.PaidAt != nil &&
			!inv.PaidAt.Before(from) && inv.PaidAt.Before(to) {
			out = append(out, *inv)
		}
	}
	return out, nil
}

// InsertUsage appends a usage record.
func (s *MemoryStore) InsertUsage(ctx context.Context, record *UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *record
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.usage = append(s.usage, &cp)
	return nil
}

// SumUsage aggregates unbilled usage quantities by type for a subscription
// within [from, to].
func (s *MemoryStore) SumUsage(ctx context.Context, subscriptionID uuid.UUID, from, to time.Time) (map[UsageType]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sums := make(map[UsageType]float64)
	for _, r := range s.usage {
		if r.SubscriptionID == subscriptionID && !r.Billed &&
			!r.OccurredAt.Before(from) && !r.OccurredAt.After(to) {
			sums[r.Type] += r.Quantity
		}
	}
	return sums, nil
}

// MarkUsageBilled flags all unbilled records for the subscription that
// occurred before the cutoff. Records are retained for analytics.
func (s *MemoryStore) MarkUsageBilled(ctx context.Context, subscriptionID uuid.UUID, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.usage {
		if r.SubscriptionID == subscriptionID && !r.Billed && r.OccurredAt.Before(before) {
			r.Billed = true
		}
	}
	return nil
}

// EventProcessed reports whether a webhook event ID has already been applied.
func (s *MemoryStore) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, seen := s.events[eventID]
	return seen, nil
}

// RecordEvent records a processed webhook event ID. Returns false when the
// event was already recorded, which callers treat as an idempotent skip.
func (s *MemoryStore) RecordEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.events[eventID]; seen {
		return false, nil
	}
	s.events[eventID] = time.Now().UTC()
	return true, nil
}

// ListSubscriptionsByStatus returns all subscriptions in any of the given statuses.
func (s *MemoryStore) ListSubscriptionsByStatus(ctx context.Context, statuses ...SubscriptionStatus) ([]Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Subscription
	for _, sub := range s.subscriptions {
		for _, st := range statuses {
			if sub.Status == st {
				out = append(out, *sub)
				break
			}
		}
	}
	return out, nil
}

// CountActiveCustomersAt counts distinct customers with a subscription that
// existed and had not ended at the given instant.
func (s *MemoryStore) CountActiveCustomersAt(ctx context.Context, at time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[uuid.UUID]struct{})
	for _, sub := range s.subscriptions {
		if sub.CreatedAt.After(at) {
			continue
		}
		if sub.EndedAt != nil && !sub.EndedAt.After(at) {
			continue
		}
		seen[sub.CustomerID] = struct{}{}
	}
	return int64(len(seen)), nil
}

// EndedSubscriptions returns all subscriptions that have fully ended.
func (s *MemoryStore) EndedSubscriptions(ctx context.Context) ([]Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Subscription
	for _, sub := range s.subscriptions {
		if sub.EndedAt != nil {
			out = append(out, *sub)
		}
	}
	return out, nil
}

// UpsertRevenueSummary stores an aggregation result keyed by period.
func (s *MemoryStore) UpsertRevenueSummary(ctx context.Context, summary *RevenueSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := summary.PeriodType + "|" + summary.PeriodStart.UTC().Format(time.RFC3339)
	cp := *summary
	cp.RevenueByType = maps.Clone(summary.RevenueByType)
	cp.RevenueByRegion = maps.Clone(summary.RevenueByRegion)
	if existing, ok := s.summaries[key]; ok {
		cp.ID = existing.ID
	} else if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	s.summaries[key] = &cp
	return nil
}

// GetRevenueSummary retrieves an aggregation result for a period.
func (s *MemoryStore) GetRevenueSummary(ctx context.Context, periodType string, periodStart time.Time) (*RevenueSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := periodType + "|" + periodStart.UTC().Format(time.RFC3339)
	summary, ok := s.summaries[key]
	if !ok {
		return nil, ErrSummaryNotFound
	}
	cp := *summary
	cp.RevenueByType = maps.Clone(summary.RevenueByType)
	cp.RevenueByRegion = maps.Clone(summary.RevenueByRegion)
	return &cp, nil
}
