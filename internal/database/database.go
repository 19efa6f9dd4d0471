// Package database mirrors governance state into PostgreSQL: cost records,
// an archive of blackboard messages and pricing overrides.
//
// The in-memory components stay the source of truth. A nil *DB is valid and
// turns every write into a no-op, so the service runs without Postgres.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool and provides query methods.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Enabled reports whether db is backed by a live pool.
func (db *DB) Enabled() bool {
	return db != nil && db.Pool != nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	if db.Enabled() {
		db.Pool.Close()
	}
}

// migrationLockID keeps replicas from racing on DDL. "GOV" prefix + 01.
const migrationLockID int64 = 0x474F_5601

const schema = `
CREATE TABLE IF NOT EXISTS pricing_overrides (
	model          TEXT PRIMARY KEY,
	provider       TEXT NOT NULL,
	input_per_1k   DOUBLE PRECISION NOT NULL,
	output_per_1k  DOUBLE PRECISION NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS cost_records (
	id             BIGSERIAL PRIMARY KEY,
	seq            BIGINT NOT NULL,
	user_id        BIGINT,
	endpoint       TEXT NOT NULL,
	model          TEXT NOT NULL,
	tokens_input   INTEGER NOT NULL DEFAULT 0,
	tokens_output  INTEGER NOT NULL DEFAULT 0,
	cost_usd       DOUBLE PRECISION NOT NULL DEFAULT 0,
	complexity     TEXT NOT NULL,
	cached         BOOLEAN NOT NULL DEFAULT FALSE,
	timestamp      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS blackboard_messages (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	agent      TEXT NOT NULL,
	parent_id  TEXT,
	status     TEXT NOT NULL,
	text       TEXT NOT NULL DEFAULT '',
	metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
	timestamp  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cost_records_timestamp ON cost_records(timestamp);
CREATE INDEX IF NOT EXISTS idx_cost_records_endpoint ON cost_records(endpoint);
CREATE INDEX IF NOT EXISTS idx_cost_records_user_id ON cost_records(user_id);
CREATE INDEX IF NOT EXISTS idx_blackboard_messages_parent ON blackboard_messages(parent_id);
CREATE INDEX IF NOT EXISTS idx_blackboard_messages_timestamp ON blackboard_messages(timestamp);
`

// Migrate creates the mirror tables under an advisory lock.
func (db *DB) Migrate(ctx context.Context) error {
	if !db.Enabled() {
		return nil
	}
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection for migration: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockID)

	if _, err := conn.Exec(ctx, schema); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

