// Package ratelimit gates tenants by tokens per minute on top of
// github.com/vnmchuo/ratelimiter. Tenants with their own limit get a
// store sized for it; everyone else shares the default.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

type Limiter struct {
	defaultTPM int64
	newStore   func(tpm int64) extratelimit.Limiter

	mu     sync.Mutex
	stores map[int64]extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultTPM int64) *Limiter {
	return &Limiter{
		defaultTPM: defaultTPM,
		newStore: func(tpm int64) extratelimit.Limiter {
			return extratelimit.NewRedisStore(rdb,
				extratelimit.WithLimit(int(tpm)),
				extratelimit.WithWindow(time.Minute),
			)
		},
		stores: make(map[int64]extratelimit.Limiter),
	}
}

// NewTestLimiter serves every limit from one store.
func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{
		newStore: func(int64) extratelimit.Limiter { return store },
		stores:   make(map[int64]extratelimit.Limiter),
	}
}

func (l *Limiter) store(tpm int64) extratelimit.Limiter {
	if tpm <= 0 {
		tpm = l.defaultTPM
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stores[tpm]
	if !ok {
		s = l.newStore(tpm)
		l.stores[tpm] = s
	}
	return s
}

func key(tenantID string) string {
	return fmt.Sprintf("governor:tpm:%s", tenantID)
}

// Allow spends tokens from the tenant's minute window. A tpm of zero uses
// the default limit.
func (l *Limiter) Allow(ctx context.Context, tenantID string, tpm int64, tokens int) (bool, error) {
	res, err := l.store(tpm).AllowN(ctx, key(tenantID), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, tenantID string, tpm int64) (*extratelimit.Result, error) {
	return l.store(tpm).Status(ctx, key(tenantID))
}
