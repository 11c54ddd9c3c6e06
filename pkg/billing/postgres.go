package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the production storage backend. All queries assume the
// schema created by the migrations under migrations/. Row isolation by
// organization is enforced by the storage layer's policies and is not
// re-checked here.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on top of an established pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("billing: pgx pool is required")
	}
	return &PostgresStore{pool: pool}
}

const customerColumns = `id, organization_id, processor_customer_id, email, name, retired, created_at, updated_at`

func scanCustomer(row pgx.Row) (*Customer, error) {
	var c Customer
	err := row.Scan(&c.ID, &c.OrganizationID, &c.ProcessorCustomerID, &c.Email, &c.Name, &c.Retired, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("failed to scan customer: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) GetCustomer(ctx context.Context, id uuid.UUID) (*Customer, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM billing_customers WHERE id = $1`, id)
	return scanCustomer(row)
}

func (s *PostgresStore) GetCustomerByOrg(ctx context.Context, orgID uuid.UUID) (*Customer, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM billing_customers WHERE organization_id = $1`, orgID)
	return scanCustomer(row)
}

func (s *PostgresStore) GetCustomerByProcessorID(ctx context.Context, processorID string) (*Customer, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM billing_customers WHERE processor_customer_id = $1`, processorID)
	return scanCustomer(row)
}

func (s *PostgresStore) SaveCustomer(ctx context.Context, c *Customer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO billing_customers (id, organization_id, processor_customer_id, email, name, retired, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			processor_customer_id = EXCLUDED.processor_customer_id,
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			retired = EXCLUDED.retired,
			updated_at = now()`,
		c.ID, c.OrganizationID, c.ProcessorCustomerID, c.Email, c.Name, c.Retired)
	if err != nil {
		return fmt.Errorf("failed to save customer %s: %w", c.ID, err)
	}
	return nil
}

const subscriptionColumns = `id, customer_id, organization_id, plan_id, processor_sub_id, processor_item_id,
	status, billing_interval, current_period_start, current_period_end, trial_start, trial_end,
	cancel_at_period_end, canceled_at, ended_at, metered, status_updated_at, version, created_at, updated_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	err := row.Scan(&sub.ID, &sub.CustomerID, &sub.OrganizationID, &sub.PlanID, &sub.ProcessorSubID,
		&sub.ProcessorItemID, &sub.Status, &sub.Interval, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.TrialStart, &sub.TrialEnd, &sub.CancelAtPeriodEnd, &sub.CanceledAt, &sub.EndedAt,
		&sub.Metered, &sub.StatusUpdatedAt, &sub.Version, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	return &sub, nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	return scanSubscription(row)
}

func (s *PostgresStore) GetSubscriptionByProcessorID(ctx context.Context, processorID string) (*Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE processor_sub_id = $1`, processorID)
	return scanSubscription(row)
}

func (s *PostgresStore) CurrentSubscription(ctx context.Context, customerID uuid.UUID) (*Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE customer_id = $1 AND status NOT IN ('canceled', 'unpaid')
		 ORDER BY created_at DESC LIMIT 1`, customerID)
	return scanSubscription(row)
}

func (s *PostgresStore) InsertSubscription(ctx context.Context, sub *Subscription) error {
	if sub.Version == 0 {
		sub.Version = 1
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (id, customer_id, organization_id, plan_id, processor_sub_id, processor_item_id,
			status, billing_interval, current_period_start, current_period_end, trial_start, trial_end,
			cancel_at_period_end, canceled_at, ended_at, metered, status_updated_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, now(), now())`,
		sub.ID, sub.CustomerID, sub.OrganizationID, sub.PlanID, sub.ProcessorSubID, sub.ProcessorItemID,
		sub.Status, sub.Interval, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.TrialStart, sub.TrialEnd,
		sub.CancelAtPeriodEnd, sub.CanceledAt, sub.EndedAt, sub.Metered, sub.StatusUpdatedAt, sub.Version)
	if err != nil {
		// The partial unique index on (customer_id) WHERE status NOT IN
		// ('canceled','unpaid') upholds the single-active invariant.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateSubscription
		}
		return fmt.Errorf("failed to insert subscription %s: %w", sub.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET
			plan_id = $2, processor_sub_id = $3, processor_item_id = $4, status = $5,
			billing_interval = $6, current_period_start = $7, current_period_end = $8,
			trial_start = $9, trial_end = $10, cancel_at_period_end = $11,
			canceled_at = $12, ended_at = $13, metered = $14, status_updated_at = $15,
			version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $16`,
		sub.ID, sub.PlanID, sub.ProcessorSubID, sub.ProcessorItemID, sub.Status,
		sub.Interval, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.TrialStart, sub.TrialEnd, sub.CancelAtPeriodEnd,
		sub.CanceledAt, sub.EndedAt, sub.Metered, sub.StatusUpdatedAt, sub.Version)
	if err != nil {
		return fmt.Errorf("failed to update subscription %s: %w", sub.ID, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a lost race.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`, sub.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check subscription %s: %w", sub.ID, err)
		}
		if !exists {
			return ErrSubscriptionNotFound
		}
		return ErrVersionConflict
	}
	sub.Version++
	return nil
}

func (s *PostgresStore) InsertChange(ctx context.Context, change *SubscriptionChange) error {
	if change.ID == uuid.Nil {
		change.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscription_changes (id, subscription_id, customer_id, organization_id, change_type,
			from_plan_id, to_plan_id, from_amount, to_amount, currency, initiator, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())`,
		change.ID, change.SubscriptionID, change.CustomerID, change.OrganizationID, change.Type,
		change.FromPlanID, change.ToPlanID, change.FromAmount, change.ToAmount,
		change.Currency, change.Initiator, change.Reason)
	if err != nil {
		return fmt.Errorf("failed to insert subscription change: %w", err)
	}
	return nil
}

func (s *PostgresStore) ChangeExists(ctx context.Context, subscriptionID uuid.UUID, typ ChangeType, after time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM subscription_changes
			WHERE subscription_id = $1 AND change_type = $2 AND created_at >= $3
		)`, subscriptionID, typ, after).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check subscription change: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ChangesInRange(ctx context.Context, typ ChangeType, from, to time.Time) ([]SubscriptionChange, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subscription_id, customer_id, organization_id, change_type,
			from_plan_id, to_plan_id, from_amount, to_amount, currency, initiator, reason, created_at
		FROM subscription_changes
		WHERE change_type = $1 AND created_at >= $2 AND created_at < $3`, typ, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscription changes: %w", err)
	}
	defer rows.Close()

	var out []SubscriptionChange
	for rows.Next() {
		var c SubscriptionChange
		if err := rows.Scan(&c.ID, &c.SubscriptionID, &c.CustomerID, &c.OrganizationID, &c.Type,
			&c.FromPlanID, &c.ToPlanID, &c.FromAmount, &c.ToAmount, &c.Currency,
			&c.Initiator, &c.Reason, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription change: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const invoiceColumns = `id, customer_id, organization_id, subscription_id, processor_invoice_id, status,
	currency, subtotal, tax, discount, total, amount_paid, amount_due, period_start, period_end,
	attempt_count, next_attempt_at, last_failure_reason, paid_at, created_at, updated_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.CustomerID, &inv.OrganizationID, &inv.SubscriptionID,
		&inv.ProcessorInvoiceID, &inv.Status, &inv.Currency, &inv.Subtotal, &inv.Tax, &inv.Discount,
		&inv.Total, &inv.AmountPaid, &inv.AmountDue, &inv.PeriodStart, &inv.PeriodEnd,
		&inv.AttemptCount, &inv.NextAttemptAt, &inv.LastFailureReason, &inv.PaidAt,
		&inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("failed to scan invoice: %w", err)
	}
	return &inv, nil
}

func (s *PostgresStore) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	return scanInvoice(row)
}

func (s *PostgresStore) GetInvoiceByProcessorID(ctx context.Context, processorID string) (*Invoice, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE processor_invoice_id = $1`, processorID)
	return scanInvoice(row)
}

func (s *PostgresStore) UpsertInvoice(ctx context.Context, inv *Invoice) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO invoices (id, customer_id, organization_id, subscription_id, processor_invoice_id, status,
			currency, subtotal, tax, discount, total, amount_paid, amount_due, period_start, period_end,
			attempt_count, next_attempt_at, last_failure_reason, paid_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, now(), now())
		ON CONFLICT (processor_invoice_id) DO UPDATE SET
			status = EXCLUDED.status, currency = EXCLUDED.currency, subtotal = EXCLUDED.subtotal,
			tax = EXCLUDED.tax, discount = EXCLUDED.discount, total = EXCLUDED.total,
			amount_paid = EXCLUDED.amount_paid, amount_due = EXCLUDED.amount_due,
			period_start = EXCLUDED.period_start, period_end = EXCLUDED.period_end,
			attempt_count = EXCLUDED.attempt_count, next_attempt_at = EXCLUDED.next_attempt_at,
			last_failure_reason = EXCLUDED.last_failure_reason, paid_at = EXCLUDED.paid_at,
			updated_at = now()
		RETURNING id`,
		inv.ID, inv.CustomerID, inv.OrganizationID, inv.SubscriptionID, inv.ProcessorInvoiceID, inv.Status,
		inv.Currency, inv.Subtotal, inv.Tax, inv.Discount, inv.Total, inv.AmountPaid, inv.AmountDue,
		inv.PeriodStart, inv.PeriodEnd, inv.AttemptCount, inv.NextAttemptAt, inv.LastFailureReason,
		inv.PaidAt).Scan(&inv.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert invoice %s: %w", inv.ProcessorInvoiceID, err)
	}
	return nil
}

func (s *PostgresStore) ListInvoices(ctx context.Context, customerID uuid.UUID, limit int) ([]Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE customer_id = $1 ORDER BY created_at DESC LIMIT $2`,
		customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PaidInvoicesInRange(ctx context.Context, from, to time.Time) ([]Invoice, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE status = 'paid' AND paid_at >= $1 AND paid_at < $2`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query paid invoices: %w", err)
	}
	defer rows.Close()

	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertUsage(ctx context.Context, r *UsageRecord) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_records (id, subscription_id, organization_id, usage_type, quantity,
			occurred_at, period_start, period_end, billed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		r.ID, r.SubscriptionID, r.OrganizationID, r.Type, r.Quantity,
		r.OccurredAt, r.PeriodStart, r.PeriodEnd, r.Billed)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// SumUsage aggregates unbilled usage by type. Served by the composite index
// on (subscription_id, billed, occurred_at) rather than a full scan.
func (s *PostgresStore) SumUsage(ctx context.Context, subscriptionID uuid.UUID, from, to time.Time) (map[UsageType]float64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT usage_type, COALESCE(SUM(quantity), 0)
		FROM usage_records
		WHERE subscription_id = $1 AND billed = false AND occurred_at >= $2 AND occurred_at <= $3
		GROUP BY usage_type`, subscriptionID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to sum usage: %w", err)
	}
	defer rows.Close()

	sums := make(map[UsageType]float64)
	for rows.Next() {
		var t UsageType
		var q float64
		if err := rows.Scan(&t, &q); err != nil {
			return nil, fmt.Errorf("failed to scan usage sum: %w", err)
		}
		sums[t] = q
	}
	return sums, rows.Err()
}

func (s *PostgresStore) MarkUsageBilled(ctx context.Context, subscriptionID uuid.UUID, before time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE usage_records SET billed = true
		WHERE subscription_id = $1 AND billed = false AND occurred_at < $2`,
		subscriptionID, before)
	if err != nil {
		return fmt.Errorf("failed to mark usage billed: %w", err)
	}
	return nil
}

func (s *PostgresStore) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check webhook event %s: %w", eventID, err)
	}
	return exists, nil
}

func (s *PostgresStore) RecordEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type, processed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (event_id) DO NOTHING`, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event %s: %w", eventID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListSubscriptionsByStatus(ctx context.Context, statuses ...SubscriptionStatus) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE status = ANY($1)`, statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions by status: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountActiveCustomersAt(ctx context.Context, at time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT customer_id) FROM subscriptions
		WHERE created_at <= $1 AND (ended_at IS NULL OR ended_at > $1)`, at).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active customers: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) EndedSubscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE ended_at IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ended subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertRevenueSummary(ctx context.Context, summary *RevenueSummary) error {
	if summary.ID == uuid.Nil {
		summary.ID = uuid.New()
	}
	byType, err := json.Marshal(summary.RevenueByType)
	if err != nil {
		return fmt.Errorf("failed to marshal revenue by type: %w", err)
	}
	byRegion, err := json.Marshal(summary.RevenueByRegion)
	if err != nil {
		return fmt.Errorf("failed to marshal revenue by region: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO revenue_summaries (id, period_type, period_start, period_end, mrr, arr,
			churn_rate_pct, active_customers, canceled_in_period, revenue_by_type, revenue_by_region,
			avg_ltv, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (period_type, period_start) DO UPDATE SET
			period_end = EXCLUDED.period_end, mrr = EXCLUDED.mrr, arr = EXCLUDED.arr,
			churn_rate_pct = EXCLUDED.churn_rate_pct, active_customers = EXCLUDED.active_customers,
			canceled_in_period = EXCLUDED.canceled_in_period, revenue_by_type = EXCLUDED.revenue_by_type,
			revenue_by_region = EXCLUDED.revenue_by_region, avg_ltv = EXCLUDED.avg_ltv,
			generated_at = EXCLUDED.generated_at`,
		summary.ID, summary.PeriodType, summary.PeriodStart, summary.PeriodEnd, summary.MRR, summary.ARR,
		summary.ChurnRatePct, summary.ActiveCustomers, summary.CanceledInPeriod, byType, byRegion,
		summary.AvgLTV, summary.GeneratedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert revenue summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRevenueSummary(ctx context.Context, periodType string, periodStart time.Time) (*RevenueSummary, error) {
	var summary RevenueSummary
	var byType, byRegion []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, period_type, period_start, period_end, mrr, arr, churn_rate_pct,
			active_customers, canceled_in_period, revenue_by_type, revenue_by_region, avg_ltv, generated_at
		FROM revenue_summaries WHERE period_type = $1 AND period_start = $2`,
		periodType, periodStart).Scan(
		&summary.ID, &summary.PeriodType, &summary.PeriodStart, &summary.PeriodEnd,
		&summary.MRR, &summary.ARR, &summary.ChurnRatePct, &summary.ActiveCustomers,
		&summary.CanceledInPeriod, &byType, &byRegion, &summary.AvgLTV, &summary.GeneratedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSummaryNotFound
		}
		return nil, fmt.Errorf("failed to get revenue summary: %w", err)
	}
	if err := json.Unmarshal(byType, &summary.RevenueByType); err != nil {
		return nil, fmt.Errorf("failed to unmarshal revenue by type: %w", err)
	}
	if err := json.Unmarshal(byRegion, &summary.RevenueByRegion); err != nil {
		return nil, fmt.Errorf("failed to unmarshal revenue by region: %w", err)
	}
	return &summary, nil
}
