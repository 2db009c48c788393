package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-governor/internal/database/dbtest"
	"github.com/vnmchuo/llm-governor/internal/policy"
)

func newTestCache(store Store) *PromptCache {
	return New(store, policy.NewStaticSource(policy.Default()), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "industry:saas", Key(KindIndustry, "SaaS"))
	assert.Equal(t, "icp:tenant-1", Key(KindICP, "tenant-1"))
	assert.Equal(t, "company:acme.io", Key(KindCompany, " acme.io "))
}

func TestTTL_HitAt300MissAt301(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(func() time.Time { return now })
	c := newTestCache(store)

	key := Key(KindIndustry, "fintech")
	require.NoError(t, c.Put(ctx, key, "fintech context", 0))

	now = now.Add(300 * time.Second)
	v, ok := c.Get(ctx, key)
	assert.True(t, ok)
	assert.Equal(t, "fintech context", v)

	now = now.Add(1 * time.Second)
	_, ok = c.Get(ctx, key)
	assert.False(t, ok)
}

func TestHitRate(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(NewMemoryStore(nil))

	assert.Equal(t, 0.0, c.HitRate())

	require.NoError(t, c.Put(ctx, "icp:t1", "icp", time.Minute))
	c.Get(ctx, "icp:t1")
	c.Get(ctx, "icp:t1")
	c.Get(ctx, "icp:t1")
	c.Get(ctx, "icp:missing")

	stats := c.Stats()
	assert.Equal(t, int64(3), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0.75, stats.HitRate)
}

func TestMemoryStore_HitCountAndOverwrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	require.NoError(t, store.Set(ctx, "company:acme.io", "v1", time.Minute))
	_, _, _ = store.Get(ctx, "company:acme.io")
	_, _, _ = store.Get(ctx, "company:acme.io")

	e, ok := store.Entry("company:acme.io")
	require.True(t, ok)
	assert.Equal(t, int64(2), e.HitCount)

	require.NoError(t, store.Set(ctx, "company:acme.io", "v2", time.Minute))
	v, ok, err := store.Get(ctx, "company:acme.io")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestRedisStore(t *testing.T) {
	rdb := dbtest.Redis(t)
	ctx := context.Background()
	store := NewRedisStore(rdb)

	_, ok, err := store.Get(ctx, "industry:saas")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "industry:saas", "ctx", 300*time.Second))
	v, ok, err := store.Get(ctx, "industry:saas")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ctx", v)

	n, err := store.HitCount(ctx, "industry:saas")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ttl, err := rdb.TTL(ctx, keyPrefix+"industry:saas").Result()
	require.NoError(t, err)
	assert.InDelta(t, 300, ttl.Seconds(), 2)

	// The counter lives no longer than its entry.
	hitsTTL, err := rdb.TTL(ctx, hitsPrefix+"industry:saas").Result()
	require.NoError(t, err)
	assert.Greater(t, hitsTTL, time.Duration(0))
	assert.LessOrEqual(t, hitsTTL, 300*time.Second)

	require.NoError(t, store.Set(ctx, "industry:saas", "ctx2", 300*time.Second))
	n, err = store.HitCount(ctx, "industry:saas")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
