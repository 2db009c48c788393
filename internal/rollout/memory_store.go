package rollout

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu          sync.Mutex
	assignments map[string]Assignment
	config      Config
	audit       []*AuditEntry
	shadows     []*ShadowComparison
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{assignments: make(map[string]Assignment)}
}

func (m *MemoryStore) Lookup(ctx context.Context, workUnitID string) (*Assignment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assignments[workUnitID]
	if !ok {
		return nil, false, nil
	}
	return &a, true, nil
}

func (m *MemoryStore) Assign(ctx context.Context, a *Assignment) (*Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.assignments[a.WorkUnitID]; ok {
		return &existing, nil
	}
	m.assignments[a.WorkUnitID] = *a
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) Config(ctx context.Context) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.config
	return &cfg, nil
}

func (m *MemoryStore) UpdateConfig(ctx context.Context, fn func(*Config) (*AuditEntry, error)) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.config
	entry, err := fn(&next)
	if err != nil {
		return nil, err
	}
	m.config = next
	m.audit = append(m.audit, entry)
	return &next, nil
}

func (m *MemoryStore) AuditLog(ctx context.Context, limit int) ([]*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return newestFirst(m.audit, limit), nil
}

func (m *MemoryStore) AppendShadow(ctx context.Context, c *ShadowComparison) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	m.shadows = append(m.shadows, &cp)
	return nil
}

func (m *MemoryStore) ShadowLog(ctx context.Context, limit int) ([]*ShadowComparison, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return newestFirst(m.shadows, limit), nil
}

func newestFirst[T any](items []*T, limit int) []*T {
	out := make([]*T, 0, min(limit, len(items)))
	for i := len(items) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *items[i]
		out = append(out, &cp)
	}
	return out
}
