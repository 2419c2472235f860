package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool sizing defaults, used when the configuration leaves the
// corresponding value at zero.
const (
	defaultMaxConns = 25
	defaultMinConns = 5
)

// Store represents the database storage layer
type Store struct {
	pool *pgxpool.Pool
}

// New opens a connection pool against the given DSN. maxConns and
// minConns bound the pool size; zero picks the package default.
func New(ctx context.Context, dsn string, maxConns, minConns int32) (*Store, error) {
	config, err := poolConfig(dsn, maxConns, minConns)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// poolConfig parses the DSN and applies the pool size bounds.
func poolConfig(dsn string, maxConns, minConns int32) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	if maxConns == 0 {
		maxConns = defaultMaxConns
	}
	if minConns == 0 {
		minConns = defaultMinConns
	}
	config.MaxConns = maxConns
	config.MinConns = minConns
	return config, nil
}

// Close closes the database connection pool
func (s *Store) Close() {
	s.pool.Close()
}

// DB returns the underlying database pool for direct queries
func (s *Store) DB() *pgxpool.Pool {
	return s.pool
}
