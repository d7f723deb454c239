// Package storage wires the single shared pgxpool connection pool that
// backs the version store, entity store, branch store and River (ADR-0012
// in the original codebase: one pool, atomic transactions across all
// components).
package storage

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"

	"campaignstate.io/core/internal/config"
	"campaignstate.io/core/internal/pkg/logger"
)

//go:embed migrations/0001_init.sql
var initMigration string

// Clients contains the database-related clients. All clients share a single
// connection pool.
type Clients struct {
	// Pool is the shared connection pool (repositories + River).
	Pool *pgxpool.Pool

	// RiverClient is the River job queue client backed by the shared pool.
	RiverClient *river.Client[pgx.Tx]
}

// NewClients creates the shared connection pool and verifies connectivity.
func NewClients(ctx context.Context, cfg config.DatabaseConfig) (*Clients, error) {
	dsn := cfg.DSN()

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = time.Minute

	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET timezone = 'UTC'")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("database connection pool created",
		zap.Int32("max_conns", cfg.MaxConns),
		zap.Int32("min_conns", cfg.MinConns),
	)

	return &Clients{Pool: pool}, nil
}

// ApplyInitMigration applies the hand-written SQL schema migration to pool.
// Exposed separately from AutoMigrate so repository tests can set up an
// isolated schema without constructing a full Clients.
func ApplyInitMigration(ctx context.Context, pool *pgxpool.Pool) error {
	logger.Info("running schema migration")
	if _, err := pool.Exec(ctx, initMigration); err != nil {
		return fmt.Errorf("apply schema migration: %w", err)
	}
	logger.Info("schema migration completed")
	return nil
}

// AutoMigrate applies the hand-written SQL migration and the River queue
// table migration. Development convenience only; production deployments
// should run migrations out-of-band.
func (c *Clients) AutoMigrate(ctx context.Context) error {
	if err := ApplyInitMigration(ctx, c.Pool); err != nil {
		return err
	}

	logger.Info("running river migration")
	migrator, err := rivermigrate.New(riverpgxv5.New(c.Pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	if len(res.Versions) > 0 {
		logger.Info("river migration completed", zap.Int("versions_applied", len(res.Versions)))
	} else {
		logger.Info("river migration: already up-to-date")
	}

	return nil
}

// InitRiverClient creates a River client with registered workers, backed by
// the shared pool.
func (c *Clients) InitRiverClient(workers *river.Workers, cfg config.RiverConfig) error {
	riverClient, err := river.NewClient(riverpgxv5.New(c.Pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.MaxWorkers},
		},
		Workers:                     workers,
		CompletedJobRetentionPeriod: cfg.CompletedJobRetentionPeriod,
	})
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}
	c.RiverClient = riverClient
	logger.Info("river client initialized", zap.Int("max_workers", cfg.MaxWorkers))
	return nil
}

// Close closes the connection pool gracefully.
func (c *Clients) Close() {
	if c.Pool != nil {
		c.Pool.Close()
	}
}
