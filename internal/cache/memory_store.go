package cache

import (
	"context"
	"sync"
	"time"
)

type Entry struct {
	Key       string
	Value     string
	CreatedAt time.Time
	TTL       time.Duration
	HitCount  int64
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

// MemoryStore is a process-local Store with an injectable clock.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: make(map[string]*Entry), now: now}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return "", false, nil
	}
	if e.expired(s.now()) {
		delete(s.entries, key)
		return "", false, nil
	}
	e.HitCount++
	return e.Value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &Entry{Key: key, Value: value, CreatedAt: s.now(), TTL: ttl}
	return nil
}

// Entry returns a copy of the live entry for key.
func (s *MemoryStore) Entry(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(s.now()) {
		return Entry{}, false
	}
	return *e, true
}
