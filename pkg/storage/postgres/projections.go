package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
	"github.com/platinummonkey/tiermeter/pkg/storage"
)

func marshalCounters(m map[accounts.Feature]int64) ([]byte, error) {
	if m == nil {
		m = map[accounts.Feature]int64{}
	}
	return json.Marshal(m)
}

// UpsertSubscriptionRecord inserts or updates the subscription record.
// The usage snapshot is replaced only when the billing period changes.
func (s *Store) UpsertSubscriptionRecord(ctx context.Context, rec *accounts.SubscriptionRecord) error {
	limitsJSON, err := marshalCounters(rec.Limits)
	if err != nil {
		return fmt.Errorf("failed to marshal limits: %w", err)
	}
	usageJSON, err := marshalCounters(rec.UsageSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal usage snapshot: %w", err)
	}

	query := `
		INSERT INTO subscriptions (
			account_id, tier, status, customer_ref, subscription_ref,
			period_start, period_end, auto_renew, limits, usage_snapshot, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (account_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			status = EXCLUDED.status,
			customer_ref = EXCLUDED.customer_ref,
			subscription_ref = EXCLUDED.subscription_ref,
			period_start = EXCLUDED.period_start,
			period_end = EXCLUDED.period_end,
			auto_renew = EXCLUDED.auto_renew,
			limits = EXCLUDED.limits,
			usage_snapshot = CASE
				WHEN subscriptions.period_start IS DISTINCT FROM EXCLUDED.period_start THEN EXCLUDED.usage_snapshot
				ELSE subscriptions.usage_snapshot
			END,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.AccountID, rec.Tier, rec.Status, rec.CustomerRef, rec.SubscriptionRef,
		rec.PeriodStart, rec.PeriodEnd, rec.AutoRenew, limitsJSON, usageJSON, rec.UpdatedAt,
	)
	return wrapErr("upsert subscription record", err)
}

// GetSubscriptionRecord retrieves the subscription record from the primary
func (s *Store) GetSubscriptionRecord(ctx context.Context, accountID string) (*accounts.SubscriptionRecord, error) {
	query := `
		SELECT account_id, tier, status, customer_ref, subscription_ref,
			period_start, period_end, auto_renew, limits, usage_snapshot, updated_at
		FROM subscriptions
		WHERE account_id = $1
	`
	var (
		rec                    accounts.SubscriptionRecord
		periodStart, periodEnd sql.NullTime
		limitsJSON, usageJSON  []byte
	)
	err := s.db.QueryRowContext(ctx, query, accountID).Scan(
		&rec.AccountID, &rec.Tier, &rec.Status, &rec.CustomerRef, &rec.SubscriptionRef,
		&periodStart, &periodEnd, &rec.AutoRenew, &limitsJSON, &usageJSON, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get subscription record", err)
	}
	if periodStart.Valid {
		rec.PeriodStart = periodStart.Time.UTC()
	}
	if periodEnd.Valid {
		rec.PeriodEnd = periodEnd.Time.UTC()
	}
	if err := json.Unmarshal(limitsJSON, &rec.Limits); err != nil {
		return nil, fmt.Errorf("failed to unmarshal limits: %w", err)
	}
	if err := json.Unmarshal(usageJSON, &rec.UsageSnapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal usage snapshot: %w", err)
	}
	return &rec, nil
}

// UpsertUsageRecord inserts or replaces the usage record
func (s *Store) UpsertUsageRecord(ctx context.Context, rec *accounts.UsageRecord) error {
	query := `
		INSERT INTO usage_records (account_id, tier, total_credits, used_credits, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			total_credits = EXCLUDED.total_credits,
			used_credits = EXCLUDED.used_credits,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.AccountID, rec.Tier, rec.TotalCredits, rec.UsedCredits, rec.UpdatedAt,
	)
	return wrapErr("upsert usage record", err)
}

// GetUsageRecord retrieves the usage record
func (s *Store) GetUsageRecord(ctx context.Context, accountID string) (*accounts.UsageRecord, error) {
	query := `
		SELECT account_id, tier, total_credits, used_credits, updated_at
		FROM usage_records
		WHERE account_id = $1
	`
	var rec accounts.UsageRecord
	err := s.db.QueryRowContext(ctx, query, accountID).Scan(
		&rec.AccountID, &rec.Tier, &rec.TotalCredits, &rec.UsedCredits, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get usage record", err)
	}
	return &rec, nil
}
