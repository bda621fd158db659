package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
	"github.com/platinummonkey/tiermeter/pkg/storage"
)

const (
	defaultMutationLimit = 100
	// maxMutations bounds each account's mutation list
	maxMutations = 1000
	// operationTTL is how long an applied operation id is remembered
	operationTTL = 24 * time.Hour
)

// KEYS[1] account hash, KEYS[2] account id set
// ARGV tier, total, used, timestamp, account id
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'tier', ARGV[1], 'total', ARGV[2], 'used', ARGV[3],
	'created_at', ARGV[4], 'last_activity_at', ARGV[4])
redis.call('SADD', KEYS[2], ARGV[5])
return 1
`)

// KEYS[1] account hash, KEYS[2] operation marker
// ARGV amount, timestamp, operation id, marker ttl seconds.
// Reply {status, total, used}: 1 debited, 2 already applied, 0 insufficient, -1 missing.
var debitScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {-1, 0, 0}
end
local total = tonumber(redis.call('HGET', KEYS[1], 'total') or '0')
local used = tonumber(redis.call('HGET', KEYS[1], 'used') or '0')
if ARGV[3] ~= '' and redis.call('EXISTS', KEYS[2]) == 1 then
	return {2, total, used}
end
local amount = tonumber(ARGV[1])
if total - used < amount then
	return {0, total, used}
end
used = redis.call('HINCRBY', KEYS[1], 'used', amount)
redis.call('HSET', KEYS[1], 'last_activity_at', ARGV[2])
if ARGV[3] ~= '' then
	redis.call('SET', KEYS[2], '1', 'EX', ARGV[4])
end
return {1, total, used}
`)

// Same keys and arguments as debitScript
var creditScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {-1, 0, 0}
end
local total = tonumber(redis.call('HGET', KEYS[1], 'total') or '0')
local used = tonumber(redis.call('HGET', KEYS[1], 'used') or '0')
if ARGV[3] ~= '' and redis.call('EXISTS', KEYS[2]) == 1 then
	return {2, total, used}
end
used = used - tonumber(ARGV[1])
if used < 0 then
	used = 0
end
redis.call('HSET', KEYS[1], 'used', used, 'last_activity_at', ARGV[2])
if ARGV[3] ~= '' then
	redis.call('SET', KEYS[2], '1', 'EX', ARGV[4])
end
return {1, total, used}
`)

// KEYS[1] account hash, KEYS[2] account id set
// ARGV tier, total, subscription json, timestamp, account id, period start in unix ms.
// Used restarts at zero when the period start moves forward.
var applySubscriptionScript = redis.NewScript(`
local total = tonumber(ARGV[2])
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('HSET', KEYS[1], 'used', 0, 'created_at', ARGV[4], 'last_activity_at', ARGV[4])
	redis.call('SADD', KEYS[2], ARGV[5])
end
local used = tonumber(redis.call('HGET', KEYS[1], 'used') or '0')
local previous = redis.call('HGET', KEYS[1], 'period_start')
if previous and tonumber(ARGV[6]) > tonumber(previous) then
	used = 0
elseif used > total then
	used = total
end
redis.call('HSET', KEYS[1], 'tier', ARGV[1], 'total', total, 'used', used,
	'subscription', ARGV[3], 'period_start', ARGV[6])
return 1
`)

// Store implements storage.AccountStore and storage.QuotaStore on Redis
type Store struct {
	client *redis.Client
	prefix string
}

var (
	_ storage.AccountStore = (*Store)(nil)
	_ storage.QuotaStore   = (*Store)(nil)
)

// NewStore creates a store using keys under prefix
func NewStore(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "tiermeter"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) accountKey(id string) string { return fmt.Sprintf("%s:account:%s", s.prefix, id) }

func (s *Store) accountsKey() string { return s.prefix + ":accounts" }

func (s *Store) mutationsKey(id string) string { return fmt.Sprintf("%s:mutations:%s", s.prefix, id) }

func (s *Store) operationKey(id string) string { return fmt.Sprintf("%s:op:%s", s.prefix, id) }

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// CreateAccountIfMissing inserts the account unless it exists
func (s *Store) CreateAccountIfMissing(ctx context.Context, account *accounts.Account) (*accounts.Account, error) {
	err := createScript.Run(ctx, s.client,
		[]string{s.accountKey(account.ID), s.accountsKey()},
		string(account.Tier), account.Credits.Total, account.Credits.Used,
		formatTime(account.CreatedAt), account.ID,
	).Err()
	if err != nil {
		return nil, wrapErr("create account", err)
	}
	return s.GetAccount(ctx, account.ID)
}

// GetAccount retrieves an account hash
func (s *Store) GetAccount(ctx context.Context, accountID string) (*accounts.Account, error) {
	fields, err := s.client.HGetAll(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		return nil, wrapErr("get account", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrNotFound
	}

	a := &accounts.Account{
		ID:             accountID,
		Tier:           accounts.Tier(fields["tier"]),
		CreatedAt:      parseTime(fields["created_at"]),
		LastActivityAt: parseTime(fields["last_activity_at"]),
	}
	a.Credits.Total, _ = strconv.ParseInt(fields["total"], 10, 64)
	a.Credits.Used, _ = strconv.ParseInt(fields["used"], 10, 64)
	if raw := fields["subscription"]; raw != "" {
		var snap accounts.SubscriptionSnapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subscription snapshot: %w", err)
		}
		a.Subscription = &snap
	}
	return a, nil
}

// ListAccountIDs returns all account IDs in sorted order
func (s *Store) ListAccountIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.accountsKey()).Result()
	if err != nil {
		return nil, wrapErr("list accounts", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) runBalanceScript(ctx context.Context, op string, script *redis.Script, accountID, opID string, amount int64, at time.Time) (accounts.CreditBalance, int64, error) {
	res, err := script.Run(ctx, s.client,
		[]string{s.accountKey(accountID), s.operationKey(opID)},
		amount, formatTime(at), opID, int64(operationTTL/time.Second),
	).Result()
	if err != nil {
		return accounts.CreditBalance{}, 0, wrapErr(op, err)
	}
	reply, err := int64s(res)
	if err != nil || len(reply) != 3 {
		return accounts.CreditBalance{}, 0, fmt.Errorf("failed to %s: malformed reply %v", op, res)
	}
	return accounts.CreditBalance{Total: reply[1], Used: reply[2]}, reply[0], nil
}

// Debit increments used in one script if the available balance covers amount
func (s *Store) Debit(ctx context.Context, accountID, opID string, amount int64, at time.Time) (accounts.CreditBalance, error) {
	bal, status, err := s.runBalanceScript(ctx, "debit credits", debitScript, accountID, opID, amount, at)
	if err != nil {
		return bal, err
	}
	switch status {
	case -1:
		return bal, storage.ErrNotFound
	case 0:
		return bal, storage.ErrInsufficientBalance
	}
	return bal, nil
}

// Credit decrements used in one script, flooring at zero
func (s *Store) Credit(ctx context.Context, accountID, opID string, amount int64, at time.Time) (accounts.CreditBalance, error) {
	bal, status, err := s.runBalanceScript(ctx, "credit credits", creditScript, accountID, opID, amount, at)
	if err != nil {
		return bal, err
	}
	if status == -1 {
		return bal, storage.ErrNotFound
	}
	return bal, nil
}

// ApplySubscription sets the tier, credit total and subscription snapshot
func (s *Store) ApplySubscription(ctx context.Context, accountID string, tier accounts.Tier, creditTotal int64, snapshot accounts.SubscriptionSnapshot) error {
	subJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription snapshot: %w", err)
	}
	err = applySubscriptionScript.Run(ctx, s.client,
		[]string{s.accountKey(accountID), s.accountsKey()},
		string(tier), creditTotal, string(subJSON), formatTime(snapshot.UpdatedAt), accountID,
		snapshot.PeriodStart.UnixMilli(),
	).Err()
	return wrapErr("apply subscription", err)
}

// AppendMutation pushes a mutation onto the account's mutation list and
// drops all but the newest maxMutations entries
func (s *Store) AppendMutation(ctx context.Context, m *accounts.LedgerMutation) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal mutation: %w", err)
	}
	key := s.mutationsKey(m.AccountID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, maxMutations-1)
		return nil
	})
	return wrapErr("append mutation", err)
}

// ListMutations returns the newest mutations first
func (s *Store) ListMutations(ctx context.Context, accountID string, limit int) ([]*accounts.LedgerMutation, error) {
	if limit <= 0 {
		limit = defaultMutationLimit
	}
	items, err := s.client.LRange(ctx, s.mutationsKey(accountID), 0, int64(limit-1)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrapErr("list mutations", err)
	}

	out := make([]*accounts.LedgerMutation, 0, len(items))
	for _, item := range items {
		var m accounts.LedgerMutation
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal mutation: %w", err)
		}
		out = append(out, &m)
	}
	return out, nil
}
