package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/sirupsen/logrus"
)

const (
	defaultConnectTimeout = 10 * time.Second
	minReplicaConns       = 2
)

// ConnectionConfig describes the primary and optional read replicas
type ConnectionConfig struct {
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// ConnectionManager owns the primary pool and the replica pools. The replica
// set is fixed at construction.
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	next     atomic.Uint32
	log      *logrus.Entry
}

// NewConnectionManager connects to the primary and every reachable replica.
// An unreachable primary is an error; an unreachable replica is logged and
// left out of rotation.
func NewConnectionManager(ctx context.Context, cfg ConnectionConfig, log *logrus.Entry) (*ConnectionManager, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultConnectTimeout
	}
	cm := &ConnectionManager{log: log.WithField("component", "postgres")}

	primary, err := dial(ctx, cfg, cfg.PrimaryURL, cfg.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to connect primary: %w", err)
	}
	cm.primary = primary

	replicaConns := max(cfg.MaxConns/2, minReplicaConns)
	for i, url := range cfg.ReplicaURLs {
		replica, err := dial(ctx, cfg, url, replicaConns)
		if err != nil {
			cm.log.WithError(err).WithField("replica", i).Warn("Replica unreachable, reads stay on the primary")
			continue
		}
		cm.replicas = append(cm.replicas, replica)
	}

	cm.log.WithField("replicas", len(cm.replicas)).Info("Postgres connected")
	return cm, nil
}

func dial(ctx context.Context, cfg ConnectionConfig, url string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)
	db.SetConnMaxIdleTime(cfg.MaxIdleTime)

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	return db, nil
}

// Primary returns the writer pool. Balances and quota counters are always
// read here so that a conditional update never races a stale replica.
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica rotates over the replicas, or returns the primary when there are none
func (cm *ConnectionManager) Replica() *sql.DB {
	if len(cm.replicas) == 0 {
		return cm.primary
	}
	n := cm.next.Add(1)
	return cm.replicas[n%uint32(len(cm.replicas))]
}

// CheckReplicas fails only when replicas are configured and none answers.
// The primary has its own probe.
func (cm *ConnectionManager) CheckReplicas(ctx context.Context) error {
	if len(cm.replicas) == 0 {
		return nil
	}
	var errs []error
	for i, replica := range cm.replicas {
		if err := replica.PingContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("replica-%d: %w", i, err))
		}
	}
	if len(errs) == len(cm.replicas) {
		return fmt.Errorf("all replicas unreachable: %w", errors.Join(errs...))
	}
	return nil
}

// Close closes every pool
func (cm *ConnectionManager) Close() error {
	errs := []error{cm.primary.Close()}
	for _, replica := range cm.replicas {
		errs = append(errs, replica.Close())
	}
	return errors.Join(errs...)
}
