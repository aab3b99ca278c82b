package quota

import "time"

// SubscriptionStatus values stored on organization subscriptions.
const (
	StatusActive   = "active"
	StatusCanceled = "canceled"
	StatusPastDue  = "past_due"
)

// Plan is a subscription plan row joined onto the subscription.
type Plan struct {
	ID                 string
	Slug               string
	Name               string
	NormalPrice        int
	PromoPrice         *int
	IsPromo            bool
	Currency           string
	QuotaMinutes       int
	QuotaResetsMonthly bool
	IsActive           bool
}

// Subscription binds one organization to a plan. OrganizationID is unique,
// one subscription per org.
type Subscription struct {
	ID                   string
	OrganizationID       string
	PlanID               string
	Status               string
	CurrentPeriodStart   time.Time
	CurrentPeriodEnd     *time.Time
	LifetimeUsageMinutes float64
}

// UsagePeriod is one monthly accounting window for a subscription.
// Unique on (SubscriptionID, PeriodStart).
type UsagePeriod struct {
	ID             string
	SubscriptionID string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	UsageMinutes   float64
}

// Availability is the result of an admission check.
type Availability struct {
	Allowed          bool
	RemainingMinutes float64
	UsedMinutes      float64
	QuotaMinutes     int
	PlanName         string
}
