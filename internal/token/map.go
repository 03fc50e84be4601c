package token

import (
	"fmt"
	"strings"
	"sync"
)

// Map is an in-process registry of token bindings keyed by contract address.
// The server builds one at startup (mock tokens in development, RPC-backed
// tokens in production) and hands it to every component that moves funds.
type Map struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

// NewMap creates an empty token map.
func NewMap() *Map {
	return &Map{tokens: make(map[string]Token)}
}

// Register binds a token. Later registrations for the same address win.
func (m *Map) Register(t Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[strings.ToLower(t.Address())] = t
}

// Resolve returns the binding for a token address.
func (m *Map) Resolve(addr string) (Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[strings.ToLower(addr)]
	if !ok {
		return nil, fmt.Errorf("token: no binding for %s", addr)
	}
	return t, nil
}

// Addresses returns every registered token address.
func (m *Map) Addresses() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tokens))
	for addr := range m.tokens {
		out = append(out, addr)
	}
	return out
}
