// Package tenant resolves billing-scoped customers and their tiers. Lookups
// go through Redis first and fall back to Postgres.
package tenant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrTenantNotFound = errors.New("tenant not found")

const cacheTTL = 5 * time.Minute

type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Tier      string    `json:"tier"`
	KeyHash   string    `json:"key_hash,omitempty"`
	RateLimit int64     `json:"rate_limit"` // max tokens per minute, 0 uses the service default
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (t *Tenant) MarshalBinary() ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (t *Tenant) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, t)
}

type Store interface {
	Get(ctx context.Context, id string) (*Tenant, error)
	GetByKeyHash(ctx context.Context, keyHash string) (*Tenant, error)
	Create(ctx context.Context, t *Tenant) error
}

func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// Directory caches tenant lookups in Redis for five minutes. A nil cache
// disables caching.
type Directory struct {
	store  Store
	cache  *redis.Client
	logger *slog.Logger
}

func NewDirectory(store Store, cache *redis.Client, logger *slog.Logger) *Directory {
	return &Directory{store: store, cache: cache, logger: logger}
}

func (d *Directory) Lookup(ctx context.Context, id string) (*Tenant, error) {
	return d.cached(ctx, "tenant:"+id, func() (*Tenant, error) {
		return d.store.Get(ctx, id)
	})
}

// Authenticate resolves an API key to its active tenant.
func (d *Directory) Authenticate(ctx context.Context, key string) (*Tenant, error) {
	hash := HashKey(key)
	return d.cached(ctx, "auth:"+hash, func() (*Tenant, error) {
		return d.store.GetByKeyHash(ctx, hash)
	})
}

func (d *Directory) cached(ctx context.Context, key string, load func() (*Tenant, error)) (*Tenant, error) {
	if d.cache != nil {
		var t Tenant
		err := d.cache.Get(ctx, key).Scan(&t)
		if err == nil {
			return &t, nil
		}
		if !errors.Is(err, redis.Nil) {
			d.logger.Warn("tenant cache read failed", "key", key, "error", err)
		}
	}

	t, err := load()
	if err != nil {
		return nil, err
	}
	if !t.Active {
		return nil, fmt.Errorf("%w: %s is inactive", ErrTenantNotFound, t.ID)
	}

	if d.cache != nil {
		_ = d.cache.Set(ctx, key, t, cacheTTL).Err()
	}
	return t, nil
}
