package circuit

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (m *MemoryStore) Get(ctx context.Context, tenantID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[tenantID]
	if !ok {
		return Closed(tenantID), nil
	}
	return &s, nil
}

func (m *MemoryStore) Update(ctx context.Context, tenantID string, fn func(*State) error) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[tenantID]
	if !ok {
		s = *Closed(tenantID)
	}
	if err := fn(&s); err != nil {
		return nil, err
	}
	m.states[tenantID] = s
	out := s
	return &out, nil
}
