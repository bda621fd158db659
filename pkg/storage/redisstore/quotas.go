package redisstore

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
)

const (
	resetField    = "reset_at"
	counterPrefix = "c:"
)

// KEYS[1] quota hash; ARGV expected reset, next reset
var resetScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'reset_at') ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'reset_at', ARGV[2])
return 1
`)

func (s *Store) quotaKey(id string) string { return s.prefix + ":quota:" + id }

func formatUnix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// GetUsage returns the counters, initializing the reset time if absent
func (s *Store) GetUsage(ctx context.Context, accountID string, initialResetAt time.Time) (*accounts.QuotaUsage, error) {
	key := s.quotaKey(accountID)
	if err := s.client.HSetNX(ctx, key, resetField, formatUnix(initialResetAt)).Err(); err != nil {
		return nil, wrapErr("initialize quota period", err)
	}

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapErr("get quota counters", err)
	}

	usage := &accounts.QuotaUsage{
		AccountID: accountID,
		Counters:  make(map[accounts.Feature]int64),
	}
	for field, value := range fields {
		n, _ := strconv.ParseInt(value, 10, 64)
		if field == resetField {
			usage.ResetAt = time.Unix(n, 0).UTC()
			continue
		}
		if feature, ok := strings.CutPrefix(field, counterPrefix); ok {
			usage.Counters[accounts.Feature(feature)] = n
		}
	}
	return usage, nil
}

// ResetPeriod zeroes the counters if the stored reset time equals expected
func (s *Store) ResetPeriod(ctx context.Context, accountID string, expected, next time.Time) (bool, error) {
	n, err := resetScript.Run(ctx, s.client, []string{s.quotaKey(accountID)},
		formatUnix(expected), formatUnix(next),
	).Int64()
	if err != nil {
		return false, wrapErr("reset quota period", err)
	}
	return n == 1, nil
}

// Increment atomically adds delta to a feature counter
func (s *Store) Increment(ctx context.Context, accountID string, feature accounts.Feature, delta int64) (int64, error) {
	n, err := s.client.HIncrBy(ctx, s.quotaKey(accountID), counterPrefix+string(feature), delta).Result()
	if err != nil {
		return 0, wrapErr("increment quota", err)
	}
	return n, nil
}
