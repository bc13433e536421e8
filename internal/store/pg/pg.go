// Package pg implements the engine stores on PostgreSQL via pgx.
// Everything lives in the "engine" schema; sessions and messages have
// *_archive mirrors that archiving copies rows into. Vector recall uses
// pgvector, substring search uses pg_trgm — both created by the
// migrations under migrations/.
package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariaengine/aria/internal/store"
)

// Open connects a pgx pool. The caller owns the pool and closes it on
// shutdown.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// NewStores builds all stores over one shared pool.
func NewStores(pool *pgxpool.Pool) *store.Stores {
	return &store.Stores{
		Sessions: NewSessionStore(pool),
		Agents:   NewAgentStore(pool),
		Cron:     NewCronStore(pool),
	}
}
