// Package backend assembles the configured storage backends into the store
// interfaces the services depend on.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tiermeter/pkg/observability"
	"github.com/platinummonkey/tiermeter/pkg/storage"
	"github.com/platinummonkey/tiermeter/pkg/storage/memory"
	"github.com/platinummonkey/tiermeter/pkg/storage/postgres"
	"github.com/platinummonkey/tiermeter/pkg/storage/redisstore"
)

// Backend is an opened set of stores.
// DB and Redis are nil when the backend type does not use them.
type Backend struct {
	Type        string
	Accounts    storage.AccountStore
	Quotas      storage.QuotaStore
	Projections storage.ProjectionStore

	DB    *sql.DB
	Redis *redis.Client

	pg *postgres.ConnectionManager
	// redisCritical is set when balances or counters live in Redis
	redisCritical bool
	closers       []func() error
}

// Open connects to the stores named by cfg.Type.
//
//	memory    everything in process
//	postgres  everything in PostgreSQL
//	hybrid    balances, mutations and quota counters in Redis; projections in PostgreSQL
func Open(ctx context.Context, cfg storage.Config, log *logrus.Entry) (*Backend, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	b := &Backend{Type: cfg.Type}

	switch cfg.Type {
	case storage.BackendMemory:
		store := memory.NewStore()
		b.use(store, store, store)
		b.closers = append(b.closers, store.Close)

	case storage.BackendPostgres:
		store, err := b.openPostgres(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		b.use(store, store, store)

	case storage.BackendHybrid:
		pg, err := b.openPostgres(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		client, err := redisstore.NewClient(cfg)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to open redis: %w", err)
		}
		b.Redis = client
		b.redisCritical = true
		b.closers = append(b.closers, client.Close)

		rs := redisstore.NewStore(client, cfg.RedisKeyPrefix)
		b.use(rs, rs, pg)

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}

	log.WithField("storage_type", cfg.Type).Info("Storage backend opened")
	return b, nil
}

func (b *Backend) use(accts storage.AccountStore, quotas storage.QuotaStore, projections storage.ProjectionStore) {
	b.Accounts = accts
	b.Quotas = quotas
	b.Projections = projections
}

func (b *Backend) openPostgres(ctx context.Context, cfg storage.Config, log *logrus.Entry) (*postgres.Store, error) {
	cm, err := postgres.NewConnectionManager(ctx, postgres.ConnectionConfig{
		PrimaryURL:  cfg.PostgresURL,
		ReplicaURLs: cfg.PostgresReplicaURLs,
		MaxConns:    cfg.PostgresMaxConns,
		MinConns:    cfg.PostgresMinConns,
		Timeout:     cfg.PostgresTimeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	b.closers = append(b.closers, cm.Close)

	if err := postgres.EnsureSchema(ctx, cm.Primary()); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	b.DB = cm.Primary()
	b.pg = cm
	return postgres.NewStore(cm), nil
}

// ConnectRedis returns the backend's Redis client, connecting one when the
// storage type did not already open it.
func (b *Backend) ConnectRedis(cfg storage.Config) (*redis.Client, error) {
	if b.Redis != nil {
		return b.Redis, nil
	}
	client, err := redisstore.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open redis: %w", err)
	}
	b.Redis = client
	b.closers = append(b.closers, client.Close)
	return client, nil
}

// Probes returns readiness probes for every opened connection. Redis opened
// only for events or rate limiting is not critical.
func (b *Backend) Probes() []observability.Probe {
	var probes []observability.Probe
	if b.pg != nil {
		probes = append(probes,
			observability.DatabaseProbe("postgres", b.pg.Primary()),
			observability.PingProbe("postgres_replicas", false, b.pg.CheckReplicas),
		)
	}
	if b.Redis != nil {
		probes = append(probes, observability.RedisProbe("redis", b.Redis, b.redisCritical))
	}
	return probes
}

// Close releases every connection in reverse order of opening
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
