package token

import (
	"context"
	"math/big"
	"strings"
	"sync"
)

// Mock is an in-memory token ledger for tests and development mode. It can
// simulate allowances, transfer failures, and fee-on-transfer behavior.
type Mock struct {
	mu         sync.Mutex
	address    string
	balances   map[string]*big.Int
	allowances map[string]*big.Int // owner -> remaining allowance for the custody account
	feeBps     int64               // skimmed from every transfer, fee-on-transfer simulation
	failNext   error
}

// NewMock creates a mock token at the given contract address.
func NewMock(address string) *Mock {
	return &Mock{
		address:    strings.ToLower(address),
		balances:   make(map[string]*big.Int),
		allowances: make(map[string]*big.Int),
	}
}

// Mint credits an account out of thin air.
func (m *Mock) Mint(account string, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(strings.ToLower(account), amount)
}

// Approve sets the allowance the custody account may pull from owner.
func (m *Mock) Approve(owner string, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[strings.ToLower(owner)] = new(big.Int).Set(amount)
}

// SetTransferFeeBps makes the token skim a fee from every transfer, simulating
// fee-on-transfer tokens the protocol must reject.
func (m *Mock) SetTransferFeeBps(bps int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeBps = bps
}

// FailNext makes the next transfer operation fail with err.
func (m *Mock) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *Mock) Address() string { return m.address }

func (m *Mock) BalanceOf(_ context.Context, account string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[strings.ToLower(account)]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (m *Mock) Transfer(_ context.Context, from, to string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.move(strings.ToLower(from), strings.ToLower(to), amount)
}

func (m *Mock) TransferFrom(_ context.Context, owner, custody string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner = strings.ToLower(owner)
	allowed, ok := m.allowances[owner]
	if !ok || allowed.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := m.move(owner, strings.ToLower(custody), amount); err != nil {
		return err
	}
	allowed.Sub(allowed, amount)
	return nil
}

// move debits from and credits to, minus any simulated transfer fee.
// Callers hold m.mu.
func (m *Mock) move(from, to string, amount *big.Int) error {
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	bal, ok := m.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	bal.Sub(bal, amount)

	delivered := new(big.Int).Set(amount)
	if m.feeBps > 0 {
		fee := new(big.Int).Mul(amount, big.NewInt(m.feeBps))
		fee.Div(fee, big.NewInt(10000))
		delivered.Sub(delivered, fee)
	}
	m.credit(to, delivered)
	return nil
}

func (m *Mock) credit(account string, amount *big.Int) {
	if b, ok := m.balances[account]; ok {
		b.Add(b, amount)
		return
	}
	m.balances[account] = new(big.Int).Set(amount)
}
