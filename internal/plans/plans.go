package plans

import "fmt"

// Slug identifies a subscription plan.
type Slug string

const (
	SlugFree Slug = "free"
	SlugPro  Slug = "pro"
)

// Config defines pricing and quota for one plan.
//
// Quota semantics:
//   - QuotaResetsMonthly true: usage accumulates into a rolling monthly
//     usage period; the counter resets when the billing period rolls.
//   - QuotaResetsMonthly false: usage accumulates into a lifetime counter
//     on the subscription and never resets.
type Config struct {
	ID                 string `json:"id"`
	Slug               Slug   `json:"slug"`
	Name               string `json:"name"`
	Description        string `json:"description"`
	NormalPrice        int    `json:"normal_price"` // cents
	PromoPrice         *int   `json:"promo_price,omitempty"`
	IsPromo            bool   `json:"is_promo"`
	Currency           string `json:"currency"`
	QuotaMinutes       int    `json:"quota_minutes"`
	QuotaResetsMonthly bool   `json:"quota_resets_monthly"`
	IsActive           bool   `json:"is_active"`
}

var proPromo = 1900

// catalog is the authoritative in-code plan set. The database seed mirrors
// it; GetConfig is the lookup used at runtime.
var catalog = map[Slug]Config{
	SlugFree: {
		ID:                 "plan_free",
		Slug:               SlugFree,
		Name:               "Free",
		Description:        "60 lifetime minutes of transcription",
		NormalPrice:        0,
		Currency:           "usd",
		QuotaMinutes:       60,
		QuotaResetsMonthly: false,
		IsActive:           true,
	},
	SlugPro: {
		ID:                 "plan_pro",
		Slug:               SlugPro,
		Name:               "Pro",
		Description:        "500 minutes of transcription per month",
		NormalPrice:        2900,
		PromoPrice:         &proPromo,
		IsPromo:            true,
		Currency:           "usd",
		QuotaMinutes:       500,
		QuotaResetsMonthly: true,
		IsActive:           true,
	},
}

// GetConfig returns the configuration for a plan slug.
func GetConfig(slug Slug) (Config, error) {
	config, ok := catalog[slug]
	if !ok {
		return Config{}, fmt.Errorf("unknown plan: %s", slug)
	}
	return config, nil
}

// All returns every plan, free first.
func All() []Config {
	return []Config{catalog[SlugFree], catalog[SlugPro]}
}
