package tenant

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]Tenant
}

func NewMemoryStore(tenants ...*Tenant) *MemoryStore {
	m := &MemoryStore{tenants: make(map[string]Tenant)}
	for _, t := range tenants {
		m.tenants[t.ID] = *t
	}
	return m
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return &t, nil
}

func (m *MemoryStore) GetByKeyHash(ctx context.Context, keyHash string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.tenants {
		if keyHash != "" && t.KeyHash == keyHash {
			return &t, nil
		}
	}
	return nil, ErrTenantNotFound
}

func (m *MemoryStore) Create(ctx context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tenants[t.ID]; ok {
		return fmt.Errorf("tenant %s already exists", t.ID)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	m.tenants[t.ID] = *t
	return nil
}
