package ratelimit

import (
	"context"
	"testing"

	extratelimit "github.com/vnmchuo/ratelimiter"
)

type countingStore struct {
	limit int
	used  map[string]int
}

func (s *countingStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	if s.used[key]+n > s.limit {
		return &extratelimit.Result{Allowed: false}, nil
	}
	s.used[key] += n
	return &extratelimit.Result{Allowed: true}, nil
}

func (s *countingStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return s.AllowN(ctx, key, 1)
}

func (s *countingStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: s.used[key] < s.limit}, nil
}

func TestAllow_PerTenantLimit(t *testing.T) {
	created := map[int64]*countingStore{}
	l := &Limiter{
		defaultTPM: 100,
		newStore: func(tpm int64) extratelimit.Limiter {
			s := &countingStore{limit: int(tpm), used: map[string]int{}}
			created[tpm] = s
			return s
		},
		stores: make(map[int64]extratelimit.Limiter),
	}
	ctx := context.Background()

	ok, err := l.Allow(ctx, "tenant-a", 0, 80)
	if err != nil || !ok {
		t.Fatalf("Expected first request allowed, got %v %v", ok, err)
	}
	ok, _ = l.Allow(ctx, "tenant-a", 0, 30)
	if ok {
		t.Errorf("Expected default limit of 100 to reject 110 tokens")
	}

	ok, _ = l.Allow(ctx, "tenant-b", 500, 300)
	if !ok {
		t.Errorf("Expected tenant-b's own limit of 500 to allow 300 tokens")
	}

	if len(created) != 2 || created[100] == nil || created[500] == nil {
		t.Errorf("Expected one store per distinct limit, got %d", len(created))
	}

	if _, err := l.Status(ctx, "tenant-b", 500); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}
