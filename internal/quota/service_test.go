package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/vocaline/transcribe-relay/internal/errors"
	"github.com/vocaline/transcribe-relay/internal/logger"
)

type fakeStore struct {
	sub  *Subscription
	plan *Plan

	periods map[time.Time]*UsagePeriod

	periodUpdates int
}

func newFakeStore(sub *Subscription, plan *Plan) *fakeStore {
	return &fakeStore{
		sub:     sub,
		plan:    plan,
		periods: make(map[time.Time]*UsagePeriod),
	}
}

func (f *fakeStore) FindSubscriptionWithPlan(ctx context.Context, orgID string) (*Subscription, *Plan, error) {
	if f.sub == nil || f.sub.OrganizationID != orgID {
		return nil, nil, ErrSubscriptionNotFound
	}
	subCopy := *f.sub
	planCopy := *f.plan
	return &subCopy, &planCopy, nil
}

func (f *fakeStore) UpdateSubscriptionPeriod(ctx context.Context, subscriptionID string, start, end time.Time) error {
	f.sub.CurrentPeriodStart = start
	f.sub.CurrentPeriodEnd = &end
	f.periodUpdates++
	return nil
}

func (f *fakeStore) FindOrCreateUsagePeriod(ctx context.Context, subscriptionID string, start, end time.Time) (*UsagePeriod, error) {
	if p, ok := f.periods[start]; ok {
		return p, nil
	}
	p := &UsagePeriod{
		ID:             "p-" + start.Format("2006-01"),
		SubscriptionID: subscriptionID,
		PeriodStart:    start,
		PeriodEnd:      end,
	}
	f.periods[start] = p
	return p, nil
}

func (f *fakeStore) IncrementLifetimeUsage(ctx context.Context, subscriptionID string, minutes float64) error {
	f.sub.LifetimeUsageMinutes += minutes
	return nil
}

func (f *fakeStore) IncrementPeriodUsage(ctx context.Context, subscriptionID string, periodStart time.Time, minutes float64) error {
	f.periods[periodStart].UsageMinutes += minutes
	return nil
}

func newTestService(store Store, now time.Time) *Service {
	svc := NewService(store, logger.New(logger.FromConfig("error", "json")))
	svc.SetClock(func() time.Time { return now })
	return svc
}

func lifetimePlan(quota int) *Plan {
	return &Plan{ID: "plan_free", Slug: "free", Name: "Free", QuotaMinutes: quota, QuotaResetsMonthly: false, IsActive: true}
}

func monthlyPlan(quota int) *Plan {
	return &Plan{ID: "plan_pro", Slug: "pro", Name: "Pro", QuotaMinutes: quota, QuotaResetsMonthly: true, IsActive: true}
}

func activeSub(orgID string, start time.Time) *Subscription {
	end := start.AddDate(0, 1, 0)
	return &Subscription{
		ID:                 "sub-1",
		OrganizationID:     orgID,
		PlanID:             "plan",
		Status:             StatusActive,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   &end,
	}
}

func TestCheckQuotaNoSubscription(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	svc := newTestService(newFakeStore(nil, nil), now)

	_, err := svc.CheckQuotaAvailability(context.Background(), "org-1")

	var noSub *apperrors.NoSubscriptionError
	require.ErrorAs(t, err, &noSub)
	assert.Equal(t, "org-1", noSub.OrgID)
}

func TestCheckQuotaInactiveSubscription(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	sub := activeSub("org-1", now.AddDate(0, 0, -10))
	sub.Status = StatusCanceled
	svc := newTestService(newFakeStore(sub, lifetimePlan(60)), now)

	_, err := svc.CheckQuotaAvailability(context.Background(), "org-1")

	var exceeded *apperrors.QuotaExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.True(t, exceeded.Data.UpgradeRequired)
}

func TestCheckQuotaLifetimeExhausted(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	sub := activeSub("org-1", now.AddDate(0, 0, -10))
	sub.LifetimeUsageMinutes = 60.0
	svc := newTestService(newFakeStore(sub, lifetimePlan(60)), now)

	_, err := svc.CheckQuotaAvailability(context.Background(), "org-1")

	var exceeded *apperrors.QuotaExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, "Free", exceeded.Data.CurrentPlan)
	assert.Equal(t, 60.0, exceeded.Data.QuotaMinutes)
	assert.Equal(t, 60.0, exceeded.Data.UsedMinutes)
	assert.True(t, exceeded.Data.UpgradeRequired)
}

func TestCheckQuotaLifetimeAllowed(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	sub := activeSub("org-1", now.AddDate(0, 0, -10))
	sub.LifetimeUsageMinutes = 12.5
	svc := newTestService(newFakeStore(sub, lifetimePlan(60)), now)

	avail, err := svc.CheckQuotaAvailability(context.Background(), "org-1")

	require.NoError(t, err)
	assert.True(t, avail.Allowed)
	assert.Equal(t, 47.5, avail.RemainingMinutes)
	assert.Equal(t, "Free", avail.PlanName)
}

func TestCheckQuotaMonthlyUsesCurrentPeriod(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	store := newFakeStore(activeSub("org-1", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)), monthlyPlan(500))
	svc := newTestService(store, now)

	avail, err := svc.CheckQuotaAvailability(context.Background(), "org-1")

	require.NoError(t, err)
	assert.True(t, avail.Allowed)
	assert.Equal(t, 0, store.periodUpdates)
	assert.Len(t, store.periods, 1)
}

func TestCheckQuotaMonthlyRollsLapsedPeriodForward(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	// Period ended two months ago; must roll forward twice.
	store := newFakeStore(activeSub("org-1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), monthlyPlan(500))
	svc := newTestService(store, now)

	_, err := svc.CheckQuotaAvailability(context.Background(), "org-1")

	require.NoError(t, err)
	assert.Equal(t, 1, store.periodUpdates)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), store.sub.CurrentPeriodStart)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), *store.sub.CurrentPeriodEnd)
}

func TestRecordUsageLifetime(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	store := newFakeStore(activeSub("org-1", now.AddDate(0, 0, -10)), lifetimePlan(60))
	svc := newTestService(store, now)

	require.NoError(t, svc.RecordUsage(context.Background(), "org-1", 3141))

	assert.InDelta(t, 0.05235, store.sub.LifetimeUsageMinutes, 1e-6)
}

func TestRecordUsageMonthly(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore(activeSub("org-1", start), monthlyPlan(500))
	svc := newTestService(store, now)

	require.NoError(t, svc.RecordUsage(context.Background(), "org-1", 120000))

	period := store.periods[start]
	require.NotNil(t, period)
	assert.Equal(t, 2.0, period.UsageMinutes)
}

func TestRecordUsageMissingSubscription(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	svc := newTestService(newFakeStore(nil, nil), now)

	err := svc.RecordUsage(context.Background(), "org-1", 1000)

	assert.Error(t, err)
}
