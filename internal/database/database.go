// Package database opens the shared PostgreSQL pool and owns the schema of
// the governor's tables.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
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

	return pool, nil
}

// migrationLockID keys the advisory lock held while DDL runs so that
// replicas starting together do not race.
const migrationLockID int64 = 0x4C47_4F56

// Migrate creates the governor's tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
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

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	tier          TEXT NOT NULL,
	api_key_hash  TEXT UNIQUE,
	rate_limit    BIGINT NOT NULL DEFAULT 0,
	active        BOOLEAN NOT NULL DEFAULT TRUE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS spend_records (
	call_id              TEXT PRIMARY KEY,
	tenant_id            TEXT NOT NULL,
	tier                 TEXT NOT NULL DEFAULT '',
	model                TEXT NOT NULL DEFAULT '',
	input_tokens         INTEGER NOT NULL DEFAULT 0,
	output_tokens        INTEGER NOT NULL DEFAULT 0,
	cached_input_tokens  INTEGER NOT NULL DEFAULT 0,
	cached               BOOLEAN NOT NULL DEFAULT FALSE,
	cost_amount          NUMERIC(14,6) NOT NULL DEFAULT 0,
	operation            TEXT NOT NULL DEFAULT '',
	turns                INTEGER NOT NULL DEFAULT 0,
	budget_date          DATE NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS daily_budgets (
	tenant_id        TEXT NOT NULL,
	budget_date      DATE NOT NULL,
	tier_limit       NUMERIC(14,6) NOT NULL,
	spent_amount     NUMERIC(14,6) NOT NULL DEFAULT 0,
	reserved_amount  NUMERIC(14,6) NOT NULL DEFAULT 0,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tenant_id, budget_date)
);

CREATE TABLE IF NOT EXISTS circuit_states (
	tenant_id             TEXT PRIMARY KEY,
	status                TEXT NOT NULL DEFAULT 'CLOSED',
	reason                TEXT NOT NULL DEFAULT 'none',
	consecutive_failures  INTEGER NOT NULL DEFAULT 0,
	trial_in_flight       BOOLEAN NOT NULL DEFAULT FALSE,
	generation            BIGINT NOT NULL DEFAULT 0,
	opened_at             TIMESTAMPTZ,
	cooldown_until        TIMESTAMPTZ,
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

ALTER TABLE circuit_states ADD COLUMN IF NOT EXISTS generation BIGINT NOT NULL DEFAULT 0;

CREATE TABLE IF NOT EXISTS traffic_assignments (
	work_unit_id           TEXT PRIMARY KEY,
	bucket                 TEXT NOT NULL,
	percent_at_assignment  INTEGER NOT NULL,
	assigned_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS rollout_config (
	id               INTEGER PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	traffic_percent  INTEGER NOT NULL DEFAULT 0 CHECK (traffic_percent BETWEEN 0 AND 100),
	shadow_mode      BOOLEAN NOT NULL DEFAULT FALSE,
	updated_by       TEXT NOT NULL DEFAULT '',
	reason           TEXT NOT NULL DEFAULT '',
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS rollout_audit (
	id           TEXT PRIMARY KEY,
	action       TEXT NOT NULL,
	old_percent  INTEGER NOT NULL,
	new_percent  INTEGER NOT NULL,
	old_shadow   BOOLEAN NOT NULL,
	new_shadow   BOOLEAN NOT NULL,
	actor        TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS shadow_comparisons (
	id               TEXT PRIMARY KEY,
	work_unit_id     TEXT NOT NULL,
	tenant_id        TEXT NOT NULL,
	governed_output  TEXT NOT NULL DEFAULT '',
	baseline_output  TEXT NOT NULL DEFAULT '',
	governed_cost    NUMERIC(14,6) NOT NULL DEFAULT 0,
	model            TEXT NOT NULL DEFAULT '',
	governed_error   TEXT NOT NULL DEFAULT '',
	matched          BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS anomaly_flags (
	id              TEXT PRIMARY KEY,
	scope           TEXT NOT NULL,
	reference_id    TEXT NOT NULL,
	observed_value  NUMERIC(14,6) NOT NULL,
	threshold       NUMERIC(14,6) NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_spend_records_tenant_date ON spend_records(tenant_id, budget_date);
CREATE INDEX IF NOT EXISTS idx_spend_records_date ON spend_records(budget_date);
CREATE INDEX IF NOT EXISTS idx_rollout_audit_created_at ON rollout_audit(created_at);
CREATE INDEX IF NOT EXISTS idx_shadow_comparisons_created_at ON shadow_comparisons(created_at);
CREATE INDEX IF NOT EXISTS idx_anomaly_flags_created_at ON anomaly_flags(created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_anomaly_flags_scope_reference ON anomaly_flags(scope, reference_id);
`
