package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/vocaline/transcribe-relay/internal/errors"
	"github.com/vocaline/transcribe-relay/internal/logger"
)

// Service decides session admission and records usage after a session.
type Service struct {
	store  Store
	logger *logger.Logger
	clock  func() time.Time
}

// NewService creates a quota service.
func NewService(store Store, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		logger: log.WithComponent("quota"),
		clock:  time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *Service) SetClock(clock func() time.Time) {
	s.clock = clock
}

// CheckQuotaAvailability loads the organization's subscription and decides
// whether a new session may start. Monthly plans roll the billing period
// forward on demand before reading usage.
func (s *Service) CheckQuotaAvailability(ctx context.Context, orgID string) (*Availability, error) {
	sub, plan, err := s.store.FindSubscriptionWithPlan(ctx, orgID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, &apperrors.NoSubscriptionError{OrgID: orgID}
	}
	if err != nil {
		return nil, err
	}

	if sub.Status != StatusActive {
		s.logger.Warn("subscription not active",
			slog.String("org_id", orgID),
			slog.String("status", sub.Status))
		return nil, apperrors.NewQuotaExceeded("subscription is not active", apperrors.QuotaExceededData{
			CurrentPlan:     plan.Name,
			UpgradeRequired: true,
		})
	}

	used, err := s.currentUsage(ctx, sub, plan)
	if err != nil {
		return nil, err
	}

	remaining := float64(plan.QuotaMinutes) - used
	if remaining <= 0 {
		s.logger.Info("quota exhausted",
			slog.String("org_id", orgID),
			slog.String("plan", plan.Slug),
			slog.Float64("used_minutes", used),
			slog.Int("quota_minutes", plan.QuotaMinutes))
		return nil, apperrors.NewQuotaExceeded("quota exceeded", apperrors.QuotaExceededData{
			CurrentPlan:     plan.Name,
			QuotaMinutes:    float64(plan.QuotaMinutes),
			UsedMinutes:     used,
			UpgradeRequired: true,
		})
	}

	return &Availability{
		Allowed:          true,
		RemainingMinutes: remaining,
		UsedMinutes:      used,
		QuotaMinutes:     plan.QuotaMinutes,
		PlanName:         plan.Name,
	}, nil
}

// RecordUsage adds a finished session's duration to the organization's
// usage counter. Duration converts to fractional minutes.
func (s *Service) RecordUsage(ctx context.Context, orgID string, durationMs int64) error {
	minutes := float64(durationMs) / 60000

	sub, plan, err := s.store.FindSubscriptionWithPlan(ctx, orgID)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}

	if !plan.QuotaResetsMonthly {
		if err := s.store.IncrementLifetimeUsage(ctx, sub.ID, minutes); err != nil {
			return err
		}
	} else {
		period, err := s.ensureCurrentPeriod(ctx, sub)
		if err != nil {
			return err
		}
		if err := s.store.IncrementPeriodUsage(ctx, sub.ID, period.PeriodStart, minutes); err != nil {
			return err
		}
	}

	s.logger.Info("usage recorded",
		slog.String("org_id", orgID),
		slog.String("plan", plan.Slug),
		slog.Float64("minutes", minutes))
	return nil
}

func (s *Service) currentUsage(ctx context.Context, sub *Subscription, plan *Plan) (float64, error) {
	if !plan.QuotaResetsMonthly {
		return sub.LifetimeUsageMinutes, nil
	}

	period, err := s.ensureCurrentPeriod(ctx, sub)
	if err != nil {
		return 0, err
	}
	return period.UsageMinutes, nil
}

// ensureCurrentPeriod returns the usage period covering now, rolling the
// subscription's billing window forward calendar-month by calendar-month if
// it has lapsed.
func (s *Service) ensureCurrentPeriod(ctx context.Context, sub *Subscription) (*UsagePeriod, error) {
	now := s.clock()

	start := sub.CurrentPeriodStart
	var end time.Time
	if sub.CurrentPeriodEnd != nil {
		end = *sub.CurrentPeriodEnd
	} else {
		end = start.AddDate(0, 1, 0)
	}

	rolled := false
	for now.After(end) {
		start = end
		end = start.AddDate(0, 1, 0)
		rolled = true
	}

	if rolled {
		if err := s.store.UpdateSubscriptionPeriod(ctx, sub.ID, start, end); err != nil {
			return nil, err
		}
		sub.CurrentPeriodStart = start
		sub.CurrentPeriodEnd = &end
		s.logger.Info("billing period rolled forward",
			slog.String("subscription_id", sub.ID),
			slog.Time("period_start", start),
			slog.Time("period_end", end))
	}

	return s.store.FindOrCreateUsagePeriod(ctx, sub.ID, start, end)
}
