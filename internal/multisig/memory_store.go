package multisig

import (
	"context"
	"math/big"
	"sync"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	wallets  map[uint64]*Wallet
	balances map[balanceKey]*big.Int
	nextID   uint64
}

type balanceKey struct {
	walletID uint64
	token    string
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:  make(map[uint64]*Wallet),
		balances: make(map[balanceKey]*big.Int),
		nextID:   1,
	}
}

func (m *MemoryStore) Create(ctx context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w.ID = m.nextID
	m.nextID++
	m.wallets[w.ID] = copyWallet(w)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id uint64) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return copyWallet(w), nil
}

func (m *MemoryStore) Update(ctx context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.wallets[w.ID]; !ok {
		return ErrWalletNotFound
	}
	m.wallets[w.ID] = copyWallet(w)
	return nil
}

func (m *MemoryStore) ListByOwner(ctx context.Context, owner string, limit int) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Wallet
	for _, w := range m.wallets {
		if w.IsOwner(owner) {
			result = append(result, copyWallet(w))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) AddBalance(ctx context.Context, walletID uint64, token, amount string) error {
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok || v.Sign() < 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := balanceKey{walletID, token}
	if b, ok := m.balances[key]; ok {
		b.Add(b, v)
		return nil
	}
	m.balances[key] = v
	return nil
}

func (m *MemoryStore) DebitBalance(ctx context.Context, walletID uint64, token, amount string) error {
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok || v.Sign() < 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[balanceKey{walletID, token}]
	if !ok || b.Cmp(v) < 0 {
		return ErrInsufficientFunds
	}
	b.Sub(b, v)
	return nil
}

func (m *MemoryStore) Balance(ctx context.Context, walletID uint64, token string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if b, ok := m.balances[balanceKey{walletID, token}]; ok {
		return b.String(), nil
	}
	return "0", nil
}

func copyWallet(w *Wallet) *Wallet {
	cp := *w
	cp.Owners = make([]string, len(w.Owners))
	copy(cp.Owners, w.Owners)
	return &cp
}
