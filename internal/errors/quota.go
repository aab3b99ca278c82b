package errors

import "fmt"

// QuotaExceededData is the payload attached to a quota rejection. It is
// serialized verbatim into the quota:exceeded event so clients can render an
// upgrade prompt.
type QuotaExceededData struct {
	CurrentPlan     string  `json:"currentPlan"`
	QuotaMinutes    float64 `json:"quotaMinutes,omitempty"`
	UsedMinutes     float64 `json:"usedMinutes,omitempty"`
	UpgradeRequired bool    `json:"upgradeRequired"`
}

// QuotaExceededError is returned by the quota admission check when an
// organization has no remaining minutes or an inactive subscription.
type QuotaExceededError struct {
	Message string            `json:"error"`
	Data    QuotaExceededData `json:"data"`
}

func (e *QuotaExceededError) Error() string {
	return e.Message
}

// NewQuotaExceeded creates a QuotaExceededError with upgrade data.
func NewQuotaExceeded(message string, data QuotaExceededData) *QuotaExceededError {
	return &QuotaExceededError{Message: message, Data: data}
}

// NoSubscriptionError is returned when an organization has no subscription
// row at all.
type NoSubscriptionError struct {
	OrgID string
}

func (e *NoSubscriptionError) Error() string {
	return fmt.Sprintf("no subscription found for organization %s", e.OrgID)
}
