package ledger

import (
	"context"
	"math/big"
	"sync"
)

type creditKey struct {
	escrowID uint64
	user     string
}

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	mu      sync.Mutex
	credits map[creditKey]*Credit
	fees    map[string]*big.Int // token -> accrued fees
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credits: make(map[creditKey]*Credit),
		fees:    make(map[string]*big.Int),
	}
}

func (m *MemoryStore) AddCredit(ctx context.Context, c *Credit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := creditKey{c.EscrowID, c.User}
	if existing, ok := m.credits[key]; ok {
		// Same escrow resolving twice is guarded upstream; merging keeps the
		// store total-preserving if a compensating re-add races a new credit.
		a, _ := new(big.Int).SetString(existing.Amount, 10)
		b, _ := new(big.Int).SetString(c.Amount, 10)
		existing.Amount = new(big.Int).Add(a, b).String()
		return nil
	}
	cp := *c
	m.credits[key] = &cp
	return nil
}

func (m *MemoryStore) GetCredit(ctx context.Context, escrowID uint64, user string) (*Credit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.credits[creditKey{escrowID, user}]
	if !ok {
		return nil, ErrNothingToWithdraw
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) TakeCredit(ctx context.Context, escrowID uint64, user string) (*Credit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := creditKey{escrowID, user}
	c, ok := m.credits[key]
	if !ok {
		return nil, ErrNothingToWithdraw
	}
	delete(m.credits, key)
	return c, nil
}

func (m *MemoryStore) TakeAllCredits(ctx context.Context, user, token string) ([]*Credit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var taken []*Credit
	for key, c := range m.credits {
		if c.User == user && c.Token == token {
			taken = append(taken, c)
			delete(m.credits, key)
		}
	}
	return taken, nil
}

func (m *MemoryStore) Aggregate(ctx context.Context, user, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := new(big.Int)
	for _, c := range m.credits {
		if c.User == user && c.Token == token {
			amount, ok := new(big.Int).SetString(c.Amount, 10)
			if ok {
				total.Add(total, amount)
			}
		}
	}
	return total.String(), nil
}

func (m *MemoryStore) AccrueFee(ctx context.Context, token, amount string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	add, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return ErrInvalidAmount
	}
	if cur, ok := m.fees[token]; ok {
		cur.Add(cur, add)
		return nil
	}
	m.fees[token] = add
	return nil
}

func (m *MemoryStore) TakeFees(ctx context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.fees[token]
	if !ok || cur.Sign() == 0 {
		return "", ErrNothingToWithdraw
	}
	delete(m.fees, token)
	return cur.String(), nil
}
