package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrParamsNotFound is returned before Init has seeded the deployment.
var ErrParamsNotFound = errors.New("registry: protocol parameters not initialized")

// MemoryStore is an in-memory registry store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	params  *Params
	allowed map[string]bool
}

// NewMemoryStore creates a new in-memory registry store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{allowed: make(map[string]bool)}
}

func (m *MemoryStore) GetParams(ctx context.Context) (*Params, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.params == nil {
		return nil, ErrParamsNotFound
	}
	cp := *m.params
	return &cp, nil
}

func (m *MemoryStore) SetParams(ctx context.Context, p *Params) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.params = &cp
	return nil
}

func (m *MemoryStore) SetTokenAllowed(ctx context.Context, token string, allowed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if allowed {
		m.allowed[token] = true
	} else {
		delete(m.allowed, token)
	}
	return nil
}

func (m *MemoryStore) IsTokenAllowed(ctx context.Context, token string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allowed[token], nil
}

func (m *MemoryStore) ListAllowedTokens(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tokens := make([]string, 0, len(m.allowed))
	for t := range m.allowed {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	return tokens, nil
}
