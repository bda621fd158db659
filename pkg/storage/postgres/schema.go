package postgres

import (
	"context"
	"database/sql"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	tier TEXT NOT NULL DEFAULT 'free',
	credits_total BIGINT NOT NULL DEFAULT 0,
	credits_used BIGINT NOT NULL DEFAULT 0,
	subscription JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT accounts_credits_used_range CHECK (credits_used >= 0 AND credits_used <= credits_total)
);

CREATE TABLE IF NOT EXISTS ledger_mutations (
	id UUID PRIMARY KEY,
	account_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	amount BIGINT NOT NULL,
	feature TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	success BOOLEAN NOT NULL,
	balance_total BIGINT NOT NULL,
	balance_used BIGINT NOT NULL,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_ledger_mutations_account ON ledger_mutations(account_id, created_at DESC);

-- TODO: prune rows older than the ledger retry window from the reconciler.
CREATE TABLE IF NOT EXISTS balance_operations (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS quota_periods (
	account_id TEXT PRIMARY KEY,
	reset_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS quota_counters (
	account_id TEXT NOT NULL,
	feature TEXT NOT NULL,
	used BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (account_id, feature)
);

CREATE TABLE IF NOT EXISTS subscriptions (
	account_id TEXT PRIMARY KEY,
	tier TEXT NOT NULL,
	status TEXT NOT NULL,
	customer_ref TEXT NOT NULL DEFAULT '',
	subscription_ref TEXT NOT NULL DEFAULT '',
	period_start TIMESTAMPTZ,
	period_end TIMESTAMPTZ,
	auto_renew BOOLEAN NOT NULL DEFAULT FALSE,
	limits JSONB NOT NULL DEFAULT '{}',
	usage_snapshot JSONB NOT NULL DEFAULT '{}',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS usage_records (
	account_id TEXT PRIMARY KEY,
	tier TEXT NOT NULL,
	total_credits BIGINT NOT NULL DEFAULT 0,
	used_credits BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// EnsureSchema creates the metering tables if they don't exist
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return wrapErr("ensure schema", err)
	}
	return nil
}
