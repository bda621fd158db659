package postgres

import (
	"context"
	"time"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
)

// GetUsage returns the quota counters, initializing the period if absent
func (s *Store) GetUsage(ctx context.Context, accountID string, initialResetAt time.Time) (*accounts.QuotaUsage, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_periods (account_id, reset_at)
		VALUES ($1, $2)
		ON CONFLICT (account_id) DO NOTHING
	`, accountID, initialResetAt)
	if err != nil {
		return nil, wrapErr("initialize quota period", err)
	}

	usage := &accounts.QuotaUsage{
		AccountID: accountID,
		Counters:  make(map[accounts.Feature]int64),
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT reset_at FROM quota_periods WHERE account_id = $1`, accountID,
	).Scan(&usage.ResetAt)
	if err != nil {
		return nil, wrapErr("get quota period", err)
	}
	usage.ResetAt = usage.ResetAt.UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT feature, used FROM quota_counters WHERE account_id = $1`, accountID)
	if err != nil {
		return nil, wrapErr("get quota counters", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			feature accounts.Feature
			used    int64
		)
		if err := rows.Scan(&feature, &used); err != nil {
			return nil, wrapErr("scan quota counter", err)
		}
		usage.Counters[feature] = used
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("get quota counters", err)
	}
	return usage, nil
}

// ResetPeriod advances the period and zeroes its counters in one statement,
// conditioned on the stored reset time still being expected.
func (s *Store) ResetPeriod(ctx context.Context, accountID string, expected, next time.Time) (bool, error) {
	query := `
		WITH advanced AS (
			UPDATE quota_periods SET reset_at = $3
			WHERE account_id = $1 AND reset_at = $2
			RETURNING account_id
		), cleared AS (
			UPDATE quota_counters SET used = 0
			WHERE account_id IN (SELECT account_id FROM advanced)
		)
		SELECT COUNT(*) FROM advanced
	`
	var n int
	if err := s.db.QueryRowContext(ctx, query, accountID, expected, next).Scan(&n); err != nil {
		return false, wrapErr("reset quota period", err)
	}
	return n > 0, nil
}

// Increment atomically adds delta to a feature counter
func (s *Store) Increment(ctx context.Context, accountID string, feature accounts.Feature, delta int64) (int64, error) {
	query := `
		INSERT INTO quota_counters (account_id, feature, used)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, feature) DO UPDATE SET used = quota_counters.used + EXCLUDED.used
		RETURNING used
	`
	var used int64
	if err := s.db.QueryRowContext(ctx, query, accountID, feature, delta).Scan(&used); err != nil {
		return 0, wrapErr("increment quota", err)
	}
	return used, nil
}
