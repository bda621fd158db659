package storage

import (
	"context"
	"time"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
)

// AccountStore persists account records, credit balances and the ledger mutation log.
// Debit and Credit must be implemented with a single atomic primitive of the backend.
type AccountStore interface {
	// CreateAccountIfMissing inserts the account unless it exists and returns the stored record
	CreateAccountIfMissing(ctx context.Context, account *accounts.Account) (*accounts.Account, error)
	GetAccount(ctx context.Context, accountID string) (*accounts.Account, error)
	ListAccountIDs(ctx context.Context) ([]string, error)

	// Debit increments used by amount only if available covers it.
	// On insufficient balance it returns the current balance and ErrInsufficientBalance.
	// opID is applied at most once: repeating it returns the current balance
	// without debiting again, so a caller may retry after a lost reply. An
	// empty opID is never deduplicated.
	Debit(ctx context.Context, accountID, opID string, amount int64, at time.Time) (accounts.CreditBalance, error)
	// Credit decrements used by amount, flooring used at zero. opID is applied at most once.
	Credit(ctx context.Context, accountID, opID string, amount int64, at time.Time) (accounts.CreditBalance, error)

	// ApplySubscription sets the tier, credit total and subscription snapshot, creating the account if needed.
	// Used is reset to zero when snapshot starts a later billing period than the
	// stored snapshot, and otherwise clamped to the new total.
	ApplySubscription(ctx context.Context, accountID string, tier accounts.Tier, creditTotal int64, snapshot accounts.SubscriptionSnapshot) error

	AppendMutation(ctx context.Context, m *accounts.LedgerMutation) error
	ListMutations(ctx context.Context, accountID string, limit int) ([]*accounts.LedgerMutation, error)
}

// QuotaStore persists per-feature monthly counters and the quota reset timestamp
type QuotaStore interface {
	// GetUsage returns the counters and reset time, initializing the period with initialResetAt if absent
	GetUsage(ctx context.Context, accountID string, initialResetAt time.Time) (*accounts.QuotaUsage, error)
	// ResetPeriod zeroes the counters and sets resetAt to next only if the stored reset time equals expected.
	// It reports whether this call performed the reset.
	ResetPeriod(ctx context.Context, accountID string, expected, next time.Time) (bool, error)
	// Increment atomically adds delta to a feature counter and returns the new value
	Increment(ctx context.Context, accountID string, feature accounts.Feature, delta int64) (int64, error)
}

// ProjectionStore persists the standalone subscription and usage projections
type ProjectionStore interface {
	UpsertSubscriptionRecord(ctx context.Context, rec *accounts.SubscriptionRecord) error
	GetSubscriptionRecord(ctx context.Context, accountID string) (*accounts.SubscriptionRecord, error)
	UpsertUsageRecord(ctx context.Context, rec *accounts.UsageRecord) error
	GetUsageRecord(ctx context.Context, accountID string) (*accounts.UsageRecord, error)
}

// Backend type names
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendHybrid   = "hybrid"
)

// Config for storage backend
type Config struct {
	Type string // "memory", "postgres", "hybrid"

	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs []string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration

	// Redis config
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
	RedisKeyPrefix  string
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:             BackendMemory,
		PostgresMaxConns: 20,
		PostgresMinConns: 2,
		PostgresTimeout:  10 * time.Second,
		RedisDB:          0,
		RedisMaxRetries:  3,
		RedisPoolSize:    10,
		RedisKeyPrefix:   "tiermeter",
	}
}
