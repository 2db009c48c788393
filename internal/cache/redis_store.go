package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "prompt_cache:"
	hitsPrefix = "prompt_cache_hits:"
)

// RedisStore keeps entries as plain string keys with a Redis TTL. Each entry
// has a hit counter that expires with it and is reset when the entry is
// overwritten.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	var get *redis.StringCmd
	var pttl *redis.DurationCmd
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		get = p.Get(ctx, keyPrefix+key)
		pttl = p.PTTL(ctx, keyPrefix+key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	value, err := get.Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}

	// Hit accounting is best effort.
	_, _ = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, hitsPrefix+key)
		if left := pttl.Val(); left > 0 {
			p.PExpire(ctx, hitsPrefix+key, left)
		}
		return nil
	})
	return value, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, keyPrefix+key, value, ttl)
		p.Del(ctx, hitsPrefix+key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// HitCount returns how often the live entry for key has been served.
func (s *RedisStore) HitCount(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Get(ctx, hitsPrefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
