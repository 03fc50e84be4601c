package escrow

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// IDs are assigned from a monotonic counter, matching the postgres sequence.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[uint64]*Escrow
	nonces  map[nonceKey]uint64
	nextID  uint64
}

type nonceKey struct {
	escrowID uint64
	role     string
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[uint64]*Escrow),
		nonces:  make(map[nonceKey]uint64),
		nextID:  1,
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.ID = m.nextID
	m.nextID++
	cp := copyEscrow(e)
	m.escrows[e.ID] = cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id uint64) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(e), nil
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; !ok {
		return ErrEscrowNotFound
	}
	m.escrows[e.ID] = copyEscrow(e)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[id]; !ok {
		return ErrEscrowNotFound
	}
	delete(m.escrows, id)
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Buyer == addr || e.Seller == addr || e.Arbiter == addr {
			result = append(result, copyEscrow(e))
		}
	}
	// Newest first, matching the postgres ordering; the limit applies to the
	// ordered set, not the map's iteration order.
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) GetNonce(ctx context.Context, escrowID uint64, role string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nonces[nonceKey{escrowID, role}], nil
}

func (m *MemoryStore) IncrementNonce(ctx context.Context, escrowID uint64, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces[nonceKey{escrowID, role}]++
	return nil
}

// copyEscrow deep-copies a record so callers never share slice backing arrays
// with the stored escrow.
func copyEscrow(e *Escrow) *Escrow {
	cp := *e
	if e.CancelRequestedBy != nil {
		cp.CancelRequestedBy = make([]string, len(e.CancelRequestedBy))
		copy(cp.CancelRequestedBy, e.CancelRequestedBy)
	}
	if e.DisputeStartedAt != nil {
		t := *e.DisputeStartedAt
		cp.DisputeStartedAt = &t
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// MemoryRecorder is an in-memory event log for demo/development mode.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []*Event
	nextID uint64
}

// NewMemoryRecorder creates a new in-memory event recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{nextID: 1}
}

func (m *MemoryRecorder) Record(ctx context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ev
	cp.ID = m.nextID
	m.nextID++
	m.events = append(m.events, &cp)
	ev.ID = cp.ID
	return nil
}

func (m *MemoryRecorder) ListByEscrow(ctx context.Context, escrowID uint64, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Event
	for _, ev := range m.events {
		if ev.EscrowID == escrowID {
			cp := *ev
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}
