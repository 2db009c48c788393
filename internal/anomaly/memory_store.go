package anomaly

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu    sync.Mutex
	flags []*Flag
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(ctx context.Context, f *Flag) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seen(f.Scope, f.ReferenceID) {
		return false, nil
	}
	cp := *f
	m.flags = append(m.flags, &cp)
	return true, nil
}

func (m *MemoryStore) Seen(ctx context.Context, scope Scope, referenceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen(scope, referenceID), nil
}

func (m *MemoryStore) seen(scope Scope, referenceID string) bool {
	for _, f := range m.flags {
		if f.Scope == scope && f.ReferenceID == referenceID {
			return true
		}
	}
	return false
}

// Recent returns up to limit flags, newest first.
func (m *MemoryStore) Recent(ctx context.Context, limit int) ([]*Flag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Flag, 0, min(limit, len(m.flags)))
	for i := len(m.flags) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.flags[i]
		out = append(out, &cp)
	}
	return out, nil
}
