// Package postgres keeps the ban list in PostgreSQL using pgx v5.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cory-johannsen/playersync/internal/config"
)

// Pool wraps a pgx connection pool.
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool connects to the database described by cfg and verifies it answers.
//
// Precondition: cfg must contain valid database connection parameters.
// Postcondition: Returns a connected Pool or a non-nil error.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &Pool{pool: pool}, nil
}

// OpenBans connects to the database and loads a BanStore from it. The
// returned close function releases the pool.
//
// Postcondition: On error nothing is left open.
func OpenBans(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*BanStore, func(), error) {
	start := time.Now()
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := NewBanStore(ctx, pool.DB(), DefaultBanTimeout)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("ban list loaded from postgres",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Name),
		zap.Int("bans", len(store.Addresses())),
		zap.Duration("elapsed", time.Since(start)),
	)
	return store, pool.Close, nil
}

// Close releases all pool resources.
func (p *Pool) Close() {
	p.pool.Close()
}

// DB returns the underlying pgxpool.Pool.
func (p *Pool) DB() *pgxpool.Pool {
	return p.pool
}
