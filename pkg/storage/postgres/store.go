// Package postgres implements the storage contracts on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
	"github.com/platinummonkey/tiermeter/pkg/storage"
)

const defaultMutationLimit = 100

// Store implements storage.AccountStore, storage.QuotaStore and storage.ProjectionStore on PostgreSQL
type Store struct {
	db     *sql.DB
	reader func() *sql.DB
}

var (
	_ storage.AccountStore    = (*Store)(nil)
	_ storage.QuotaStore      = (*Store)(nil)
	_ storage.ProjectionStore = (*Store)(nil)
)

// NewStore creates a store that writes to the primary and lists from replicas
func NewStore(cm *ConnectionManager) *Store {
	return &Store{db: cm.Primary(), reader: cm.Replica}
}

// NewStoreFromDB creates a store on a single connection pool
func NewStoreFromDB(db *sql.DB) *Store {
	return &Store{db: db, reader: func() *sql.DB { return db }}
}

// CreateAccountIfMissing inserts the account unless it exists and returns the stored record
func (s *Store) CreateAccountIfMissing(ctx context.Context, account *accounts.Account) (*accounts.Account, error) {
	query := `
		INSERT INTO accounts (id, tier, credits_total, credits_used, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		account.ID, account.Tier, account.Credits.Total, account.Credits.Used,
		account.CreatedAt, account.LastActivityAt,
	)
	if err != nil {
		return nil, wrapErr("create account", err)
	}
	return s.GetAccount(ctx, account.ID)
}

// GetAccount retrieves an account from the primary
func (s *Store) GetAccount(ctx context.Context, accountID string) (*accounts.Account, error) {
	query := `
		SELECT id, tier, credits_total, credits_used, subscription, created_at, last_activity_at
		FROM accounts
		WHERE id = $1
	`
	var (
		a       accounts.Account
		subJSON []byte
	)
	err := s.db.QueryRowContext(ctx, query, accountID).Scan(
		&a.ID, &a.Tier, &a.Credits.Total, &a.Credits.Used, &subJSON, &a.CreatedAt, &a.LastActivityAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get account", err)
	}
	if len(subJSON) > 0 {
		var snap accounts.SubscriptionSnapshot
		if err := json.Unmarshal(subJSON, &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subscription snapshot: %w", err)
		}
		a.Subscription = &snap
	}
	return &a, nil
}

// ListAccountIDs returns all account IDs
func (s *Store) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.reader().QueryContext(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, wrapErr("list accounts", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr("scan account id", err)
		}
		ids = append(ids, id)
	}
	return ids, wrapErr("list accounts", rows.Err())
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func balanceOf(ctx context.Context, q rowQuerier, accountID string) (accounts.CreditBalance, error) {
	var bal accounts.CreditBalance
	err := q.QueryRowContext(ctx,
		`SELECT credits_total, credits_used FROM accounts WHERE id = $1`, accountID,
	).Scan(&bal.Total, &bal.Used)
	if errors.Is(err, sql.ErrNoRows) {
		return bal, storage.ErrNotFound
	}
	if err != nil {
		return bal, wrapErr("get balance", err)
	}
	return bal, nil
}

// applyOnce runs update in a transaction that first claims opID in
// balance_operations. If the id was already claimed the current balance is
// returned and update is skipped. A failed update rolls the claim back.
func (s *Store) applyOnce(ctx context.Context, op, accountID, opID string, at time.Time,
	update func(tx *sql.Tx) (accounts.CreditBalance, error)) (accounts.CreditBalance, error) {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return accounts.CreditBalance{}, wrapErr(op, err)
	}
	defer tx.Rollback()

	if opID != "" {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO balance_operations (id, account_id, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING
		`, opID, accountID, at)
		if err != nil {
			return accounts.CreditBalance{}, wrapErr(op, err)
		}
		claimed, err := res.RowsAffected()
		if err != nil {
			return accounts.CreditBalance{}, wrapErr(op, err)
		}
		if claimed == 0 {
			return balanceOf(ctx, tx, accountID)
		}
	}

	bal, err := update(tx)
	if err != nil {
		return bal, err
	}
	if err := tx.Commit(); err != nil {
		return bal, wrapErr(op, err)
	}
	return bal, nil
}

// Debit increments credits_used in one conditional UPDATE
func (s *Store) Debit(ctx context.Context, accountID, opID string, amount int64, at time.Time) (accounts.CreditBalance, error) {
	query := `
		UPDATE accounts
		SET credits_used = credits_used + $2, last_activity_at = $3
		WHERE id = $1 AND credits_total - credits_used >= $2
		RETURNING credits_total, credits_used
	`
	return s.applyOnce(ctx, "debit credits", accountID, opID, at, func(tx *sql.Tx) (accounts.CreditBalance, error) {
		var bal accounts.CreditBalance
		err := tx.QueryRowContext(ctx, query, accountID, amount, at).Scan(&bal.Total, &bal.Used)
		if errors.Is(err, sql.ErrNoRows) {
			current, err := balanceOf(ctx, tx, accountID)
			if err != nil {
				return current, err
			}
			return current, storage.ErrInsufficientBalance
		}
		if err != nil {
			return bal, wrapErr("debit credits", err)
		}
		return bal, nil
	})
}

// Credit decrements credits_used, flooring at zero
func (s *Store) Credit(ctx context.Context, accountID, opID string, amount int64, at time.Time) (accounts.CreditBalance, error) {
	query := `
		UPDATE accounts
		SET credits_used = GREATEST(credits_used - $2, 0), last_activity_at = $3
		WHERE id = $1
		RETURNING credits_total, credits_used
	`
	return s.applyOnce(ctx, "credit credits", accountID, opID, at, func(tx *sql.Tx) (accounts.CreditBalance, error) {
		var bal accounts.CreditBalance
		err := tx.QueryRowContext(ctx, query, accountID, amount, at).Scan(&bal.Total, &bal.Used)
		if errors.Is(err, sql.ErrNoRows) {
			return bal, storage.ErrNotFound
		}
		if err != nil {
			return bal, wrapErr("credit credits", err)
		}
		return bal, nil
	})
}

// ApplySubscription upserts the account's tier, credit total and subscription snapshot.
// Used restarts at zero when the snapshot opens a later billing period.
func (s *Store) ApplySubscription(ctx context.Context, accountID string, tier accounts.Tier, creditTotal int64, snapshot accounts.SubscriptionSnapshot) error {
	subJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription snapshot: %w", err)
	}

	query := `
		INSERT INTO accounts (id, tier, credits_total, credits_used, subscription, created_at, last_activity_at)
		VALUES ($1, $2, $3, 0, $4, $5, $5)
		ON CONFLICT (id) DO UPDATE SET
			tier = EXCLUDED.tier,
			credits_total = EXCLUDED.credits_total,
			credits_used = CASE
				WHEN (accounts.subscription->>'period_start')::timestamptz < $6 THEN 0
				ELSE LEAST(accounts.credits_used, EXCLUDED.credits_total)
			END,
			subscription = EXCLUDED.subscription
	`
	_, err = s.db.ExecContext(ctx, query, accountID, tier, creditTotal, subJSON, snapshot.UpdatedAt, snapshot.PeriodStart)
	return wrapErr("apply subscription", err)
}

// AppendMutation inserts a ledger mutation
func (s *Store) AppendMutation(ctx context.Context, m *accounts.LedgerMutation) error {
	var metaJSON []byte
	if len(m.Metadata) > 0 {
		var err error
		metaJSON, err = json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal mutation metadata: %w", err)
		}
	}

	query := `
		INSERT INTO ledger_mutations (
			id, account_id, kind, amount, feature, reason, session_id,
			success, balance_total, balance_used, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.AccountID, m.Kind, m.Amount, m.Feature, m.Reason, m.SessionID,
		m.Success, m.BalanceAfter.Total, m.BalanceAfter.Used, metaJSON, m.CreatedAt,
	)
	return wrapErr("append mutation", err)
}

// ListMutations returns the newest mutations first
func (s *Store) ListMutations(ctx context.Context, accountID string, limit int) ([]*accounts.LedgerMutation, error) {
	if limit <= 0 {
		limit = defaultMutationLimit
	}

	query := `
		SELECT id, account_id, kind, amount, feature, reason, session_id,
			success, balance_total, balance_used, metadata, created_at
		FROM ledger_mutations
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.reader().QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, wrapErr("list mutations", err)
	}
	defer rows.Close()

	var out []*accounts.LedgerMutation
	for rows.Next() {
		var (
			m        accounts.LedgerMutation
			metaJSON []byte
		)
		if err := rows.Scan(
			&m.ID, &m.AccountID, &m.Kind, &m.Amount, &m.Feature, &m.Reason, &m.SessionID,
			&m.Success, &m.BalanceAfter.Total, &m.BalanceAfter.Used, &metaJSON, &m.CreatedAt,
		); err != nil {
			return nil, wrapErr("scan mutation", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &m.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal mutation metadata: %w", err)
			}
		}
		out = append(out, &m)
	}
	return out, wrapErr("list mutations", rows.Err())
}
