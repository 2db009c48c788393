// Package dbtest connects integration tests to disposable Postgres and
// Redis instances named by GOVERNOR_TEST_POSTGRES_DSN and
// GOVERNOR_TEST_REDIS_ADDR.
package dbtest

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/llm-governor/internal/database"
)

const envDSN = "GOVERNOR_TEST_POSTGRES_DSN"

// Pool returns a migrated pool with every governor table emptied. The test
// is skipped when no database is configured.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv(envDSN)
	if dsn == "" {
		t.Skipf("%s not set", envDSN)
	}

	ctx := context.Background()
	pool, err := database.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := database.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	_, err = pool.Exec(ctx, `
		TRUNCATE tenants, spend_records, daily_budgets, circuit_states,
		         traffic_assignments, rollout_config, rollout_audit,
		         shadow_comparisons, anomaly_flags
	`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pool
}

const envRedis = "GOVERNOR_TEST_REDIS_ADDR"

// Redis returns a client on a flushed database named by
// GOVERNOR_TEST_REDIS_ADDR, or skips the test.
func Redis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv(envRedis)
	if addr == "" {
		t.Skipf("%s not set", envRedis)
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping: %v", err)
	}
	if err := rdb.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("redis flush: %v", err)
	}
	return rdb
}
