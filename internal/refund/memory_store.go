package refund

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory refund request store for demo/development mode.
type MemoryStore struct {
	requests map[string]*Request
	byTxn    map[string]string // transaction ID -> latest request ID
	mu       sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory refund request store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*Request),
		byTxn:    make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.requests[r.ID] = &cp
	m.byTxn[r.TransactionID] = r.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetByTransaction(ctx context.Context, transactionID string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byTxn[transactionID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *m.requests[id]
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[r.ID]; !ok {
		return ErrRequestNotFound
	}
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Request
	for _, r := range m.requests {
		if r.Status == status {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
