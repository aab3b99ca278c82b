package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrSubscriptionNotFound is returned when an organization has no
// subscription row.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// Store is the persistence surface the quota service needs. Split out so
// service tests can run against a fake.
type Store interface {
	FindSubscriptionWithPlan(ctx context.Context, orgID string) (*Subscription, *Plan, error)
	UpdateSubscriptionPeriod(ctx context.Context, subscriptionID string, start, end time.Time) error
	FindOrCreateUsagePeriod(ctx context.Context, subscriptionID string, start, end time.Time) (*UsagePeriod, error)
	IncrementLifetimeUsage(ctx context.Context, subscriptionID string, minutes float64) error
	IncrementPeriodUsage(ctx context.Context, subscriptionID string, periodStart time.Time, minutes float64) error
}

// PGStore implements Store against PostgreSQL.
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates a PostgreSQL-backed quota store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// FindSubscriptionWithPlan loads the organization's subscription joined
// with its plan. Returns ErrSubscriptionNotFound when no row exists.
func (s *PGStore) FindSubscriptionWithPlan(ctx context.Context, orgID string) (*Subscription, *Plan, error) {
	query := `
		SELECT s.id, s.organization_id, s.plan_id, s.status,
		       s.current_period_start, s.current_period_end, s.lifetime_usage_minutes,
		       p.id, p.slug, p.name, p.normal_price, p.promo_price, p.is_promo,
		       p.currency, p.quota_minutes, p.quota_resets_monthly, p.is_active
		FROM organization_subscriptions s
		JOIN subscription_plans p ON p.id = s.plan_id
		WHERE s.organization_id = $1
	`

	var sub Subscription
	var plan Plan
	err := s.db.QueryRowContext(ctx, query, orgID).Scan(
		&sub.ID, &sub.OrganizationID, &sub.PlanID, &sub.Status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.LifetimeUsageMinutes,
		&plan.ID, &plan.Slug, &plan.Name, &plan.NormalPrice, &plan.PromoPrice, &plan.IsPromo,
		&plan.Currency, &plan.QuotaMinutes, &plan.QuotaResetsMonthly, &plan.IsActive,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load subscription: %w", err)
	}

	return &sub, &plan, nil
}

// UpdateSubscriptionPeriod moves the subscription's billing window forward.
func (s *PGStore) UpdateSubscriptionPeriod(ctx context.Context, subscriptionID string, start, end time.Time) error {
	query := `
		UPDATE organization_subscriptions
		SET current_period_start = $2, current_period_end = $3, updated_at = NOW()
		WHERE id = $1
	`

	if _, err := s.db.ExecContext(ctx, query, subscriptionID, start, end); err != nil {
		return fmt.Errorf("failed to update subscription period: %w", err)
	}
	return nil
}

// FindOrCreateUsagePeriod returns the usage row for the given window,
// inserting a zero-usage row if none exists. The unique constraint on
// (subscription_id, period_start) makes concurrent creates converge on one
// row.
func (s *PGStore) FindOrCreateUsagePeriod(ctx context.Context, subscriptionID string, start, end time.Time) (*UsagePeriod, error) {
	query := `
		INSERT INTO usage_periods (id, subscription_id, period_start, period_end, usage_minutes)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (subscription_id, period_start) DO UPDATE SET period_end = usage_periods.period_end
		RETURNING id, subscription_id, period_start, period_end, usage_minutes
	`

	var period UsagePeriod
	err := s.db.QueryRowContext(ctx, query, uuid.New().String(), subscriptionID, start, end).Scan(
		&period.ID, &period.SubscriptionID, &period.PeriodStart, &period.PeriodEnd, &period.UsageMinutes,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find or create usage period: %w", err)
	}
	return &period, nil
}

// IncrementLifetimeUsage adds minutes to the subscription's lifetime
// counter. The increment happens in SQL so concurrent sessions never lose
// an update.
func (s *PGStore) IncrementLifetimeUsage(ctx context.Context, subscriptionID string, minutes float64) error {
	query := `
		UPDATE organization_subscriptions
		SET lifetime_usage_minutes = lifetime_usage_minutes + $2, updated_at = NOW()
		WHERE id = $1
	`

	if _, err := s.db.ExecContext(ctx, query, subscriptionID, minutes); err != nil {
		return fmt.Errorf("failed to increment lifetime usage: %w", err)
	}
	return nil
}

// IncrementPeriodUsage adds minutes to one usage period, atomically.
func (s *PGStore) IncrementPeriodUsage(ctx context.Context, subscriptionID string, periodStart time.Time, minutes float64) error {
	query := `
		UPDATE usage_periods
		SET usage_minutes = usage_minutes + $3, updated_at = NOW()
		WHERE subscription_id = $1 AND period_start = $2
	`

	result, err := s.db.ExecContext(ctx, query, subscriptionID, periodStart, minutes)
	if err != nil {
		return fmt.Errorf("failed to increment period usage: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("usage period not found for subscription %s", subscriptionID)
	}
	return nil
}
