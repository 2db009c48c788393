// Package cache keeps reusable prompt context keyed by kind and id. A hit
// lets the caller skip re-priming the context and bill the cached portion
// of the input at the discounted rate.
package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vnmchuo/llm-governor/internal/policy"
)

type Kind string

const (
	KindIndustry Kind = "industry"
	KindICP      Kind = "icp"
	KindCompany  Kind = "company"
)

// Key scopes an identifier by context kind, e.g. "industry:saas".
func Key(kind Kind, id string) string {
	return string(kind) + ":" + strings.ToLower(strings.TrimSpace(id))
}

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

type PromptCache struct {
	store  Store
	policy policy.Source
	logger *slog.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

func New(store Store, source policy.Source, logger *slog.Logger) *PromptCache {
	return &PromptCache{store: store, policy: source, logger: logger}
}

// Get looks up key. Store errors are logged and reported as a miss.
func (c *PromptCache) Get(ctx context.Context, key string) (string, bool) {
	value, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("prompt cache read failed", "key", key, "error", err)
		ok = false
	}
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return value, ok
}

// Put stores value under key. A non-positive ttl uses cache_ttl_seconds.
func (c *PromptCache) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.policy.Current().CacheTTL()
	}
	return c.store.Set(ctx, key, value, ttl)
}

func (c *PromptCache) HitRate() float64 {
	return c.Stats().HitRate
}

func (c *PromptCache) Stats() Stats {
	s := Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
