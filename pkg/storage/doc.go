// Package storage defines the persistence contracts of the metering service.
//
// Three stores cover the persisted layout:
//
//   - AccountStore: account records with tier, credit totals and the nested
//     subscription snapshot, plus the append-only ledger mutation log
//   - QuotaStore: per-feature monthly counters and the quota reset timestamp
//   - ProjectionStore: the standalone subscription and usage records
//
// Implementations live in subpackages: memory (single process, for development
// and tests), postgres, and redis (accounts and quotas only). The "hybrid"
// backend keeps balances and counters in Redis and projections in PostgreSQL.
//
// Every balance or counter mutation is a single atomic backend primitive: a
// conditional UPDATE in PostgreSQL or a Lua script / HINCRBY in Redis. Callers
// never read-modify-write a balance.
//
// Transient failures are reported as *StoreUnavailableError so callers can retry
// them; ErrNotFound and ErrInsufficientBalance are never retried.
package storage
