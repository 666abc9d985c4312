// Package store is the PostgreSQL persistence layer: devices, per-device
// state, position history, trips, geofences, alert history, users and the
// downlink command queue.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Config configures the connection pool.
type Config struct {
	Logger *slog.Logger

	// DatabaseURL is a postgres:// connection string.
	DatabaseURL string

	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// ConnectTimeout bounds the initial connect-with-retry loop.
	ConnectTimeout time.Duration
}

// Validate applies defaults and rejects unusable configs.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("store: logger is required")
	}
	if c.DatabaseURL == "" {
		return errors.New("store: database URL is required")
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MinConns == 0 {
		c.MinConns = 2
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = time.Hour
	}
	if c.MaxConnIdleTime == 0 {
		c.MaxConnIdleTime = 30 * time.Minute
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	return nil
}

// Store wraps the pgx pool with the queries the pipeline needs.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

// Connect builds the pool, pings it with exponential backoff until the
// database is reachable or the timeout elapses, and runs migrations.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse database URL: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return pool.Ping(pingCtx)
	}
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(cfg.ConnectTimeout),
	), ctx)
	if err := backoff.RetryNotify(ping, policy, func(err error, next time.Duration) {
		cfg.Logger.Warn("database not ready, retrying", "error", err, "next_attempt_in", next)
	}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{log: cfg.Logger, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	cfg.Logger.Info("database connected", "max_conns", cfg.MaxConns)
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies the pool is still healthy.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
