package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgxpool connection pool.
type DB struct {
	*pgxpool.Pool
}

// Config holds database connection configuration.
type Config struct {
	URL             string
	MaxConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	// ApplicationName shows up in pg_stat_activity, which tells the interactive
	// pool apart from the bulk-write pool.
	ApplicationName string
}

// NewConnection creates a new database connection pool.
func NewConnection(ctx context.Context, cfg *Config) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConnections
	if poolConfig.MaxConns == 0 {
		poolConfig.MaxConns = 25
	}

	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	if poolConfig.MaxConnLifetime == 0 {
		poolConfig.MaxConnLifetime = time.Hour
	}

	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	if poolConfig.MaxConnIdleTime == 0 {
		poolConfig.MaxConnIdleTime = time.Minute * 30
	}

	if cfg.ApplicationName != "" {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Pools groups the interactive pool with the bulk-write pool. Bulk ingestion only ever
// uses Bulk, so heavy writes cannot exhaust the connections migrations and reads depend on.
type Pools struct {
	Primary *DB
	Bulk    *DB
}

// NewPools opens the interactive pool and the bulk-write pool. Both are closed again if
// either fails.
func NewPools(ctx context.Context, primary, bulk *Config) (*Pools, error) {
	p, err := NewConnection(ctx, primary)
	if err != nil {
		return nil, fmt.Errorf("primary pool: %w", err)
	}
	b, err := NewConnection(ctx, bulk)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("bulk pool: %w", err)
	}
	return &Pools{Primary: p, Bulk: b}, nil
}

// Close closes both pools. Bulk may be the same pool as Primary.
func (p *Pools) Close() {
	if p.Bulk != nil && p.Bulk != p.Primary {
		p.Bulk.Close()
	}
	if p.Primary != nil {
		p.Primary.Close()
	}
}
