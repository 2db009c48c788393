package tenant

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-governor/internal/database/dbtest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDirectory_LookupWithoutCache(t *testing.T) {
	store := NewMemoryStore(
		&Tenant{ID: "t1", Name: "Acme", Tier: "velocity", Active: true},
		&Tenant{ID: "t2", Name: "Gone", Tier: "ignition", Active: false},
	)
	dir := NewDirectory(store, nil, discardLogger())
	ctx := context.Background()

	got, err := dir.Lookup(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "velocity", got.Tier)

	_, err = dir.Lookup(ctx, "t2")
	assert.ErrorIs(t, err, ErrTenantNotFound)

	_, err = dir.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestMiddleware(t *testing.T) {
	store := NewMemoryStore()
	Seed(context.Background(), store, discardLogger())
	dir := NewDirectory(store, nil, discardLogger())

	var seen *Tenant
	handler := NewMiddleware(dir, discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		assert.NotEmpty(t, GetRequestID(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"unknown key", "Bearer nope", http.StatusUnauthorized},
		{"demo key", "Bearer " + DemoKey("velocity"), http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		})
	}

	require.NotNil(t, seen)
	assert.Equal(t, "velocity", seen.Tier)
}

func TestSeed_Idempotent(t *testing.T) {
	store := NewMemoryStore()
	Seed(context.Background(), store, discardLogger())
	Seed(context.Background(), store, discardLogger())

	for _, demo := range DemoTenants {
		got, err := store.Get(context.Background(), demo.ID)
		require.NoError(t, err)
		assert.Equal(t, HashKey(DemoKey(demo.Tier)), got.KeyHash)
	}
}

func TestDirectory_PostgresWithRedis(t *testing.T) {
	pool := dbtest.Pool(t)
	rdb := dbtest.Redis(t)
	ctx := context.Background()

	store := NewPostgresStore(pool)
	Seed(ctx, store, discardLogger())
	dir := NewDirectory(store, rdb, discardLogger())

	got, err := dir.Authenticate(ctx, DemoKey("dominance"))
	require.NoError(t, err)
	assert.Equal(t, "dominance", got.Tier)

	cached, err := rdb.Exists(ctx, "auth:"+HashKey(DemoKey("dominance"))).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), cached)

	// Served from Redis once the row is gone.
	_, err = pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, got.ID)
	require.NoError(t, err)
	again, err := dir.Authenticate(ctx, DemoKey("dominance"))
	require.NoError(t, err)
	assert.Equal(t, got.ID, again.ID)

	_, err = dir.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}
