package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	transactions map[string]*Transaction
	byProvider   map[string]string // providerRef -> id
	byReference  map[string]string // external reference -> id
	mu           sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*Transaction),
		byProvider:   make(map[string]string),
		byReference:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	m.transactions[t.ID] = &cp
	m.index(&cp)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetByProviderRef(ctx context.Context, ref string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byProvider[ref]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *m.transactions[id]
	return &cp, nil
}

func (m *MemoryStore) GetByReference(ctx context.Context, ref string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byReference[ref]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *m.transactions[id]
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.transactions[t.ID]
	if !ok {
		return ErrTransactionNotFound
	}

	cp := *t
	// Preserve check bookkeeping written by MarkStatusChecked.
	cp.LastStatusCheck = existing.LastStatusCheck
	cp.StatusCheckCount = existing.StatusCheckCount
	m.transactions[t.ID] = &cp
	m.index(&cp)
	return nil
}

func (m *MemoryStore) UpdateIfStatus(ctx context.Context, t *Transaction, expect Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.transactions[t.ID]
	if !ok {
		return false, ErrTransactionNotFound
	}
	if existing.Status != expect {
		return false, nil
	}

	cp := *t
	cp.LastStatusCheck = existing.LastStatusCheck
	cp.StatusCheckCount = existing.StatusCheckCount
	m.transactions[t.ID] = &cp
	m.index(&cp)
	return true, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.transactions {
		if t.PayerID == userID || t.PayeeID == userID {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListForSweep(ctx context.Context, checkedBefore time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.transactions {
		switch t.Status {
		case StatusPending, StatusProcessing, StatusHeld:
		default:
			continue
		}
		if t.LastStatusCheck == nil || t.LastStatusCheck.Before(checkedBefore) {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		li, lj := result[i].LastStatusCheck, result[j].LastStatusCheck
		if li == nil {
			return true
		}
		if lj == nil {
			return false
		}
		return li.Before(*lj)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) MarkStatusChecked(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transactions[id]
	if !ok {
		return ErrTransactionNotFound
	}
	t.LastStatusCheck = &at
	t.StatusCheckCount++
	return nil
}

// index must be called with the write lock held.
func (m *MemoryStore) index(t *Transaction) {
	if t.ProviderRef != "" {
		m.byProvider[t.ProviderRef] = t.ID
	}
	if t.Reference != "" {
		m.byReference[t.Reference] = t.ID
	}
}
