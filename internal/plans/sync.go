package plans

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/vocaline/transcribe-relay/internal/logger"
)

// Sync upserts the in-code catalog into subscription_plans. The seed
// migration only inserts; Sync keeps prices and quotas current across
// deploys without another migration.
func Sync(ctx context.Context, db *sql.DB, log *logger.Logger) error {
	query := `
		INSERT INTO subscription_plans
			(id, slug, name, description, normal_price, promo_price, is_promo, currency,
			 quota_minutes, quota_resets_monthly, is_active, price)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $5)
		ON CONFLICT (slug) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			normal_price = EXCLUDED.normal_price,
			promo_price = EXCLUDED.promo_price,
			is_promo = EXCLUDED.is_promo,
			currency = EXCLUDED.currency,
			quota_minutes = EXCLUDED.quota_minutes,
			quota_resets_monthly = EXCLUDED.quota_resets_monthly,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()
	`

	for _, plan := range All() {
		_, err := db.ExecContext(ctx, query,
			plan.ID, plan.Slug, plan.Name, plan.Description,
			plan.NormalPrice, plan.PromoPrice, plan.IsPromo, plan.Currency,
			plan.QuotaMinutes, plan.QuotaResetsMonthly, plan.IsActive,
		)
		if err != nil {
			return fmt.Errorf("failed to sync plan %s: %w", plan.Slug, err)
		}
	}

	log.WithComponent("plans").Info("plan catalog synced",
		slog.Int("plans", len(All())))
	return nil
}
