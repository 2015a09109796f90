package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/mucyo/paylock/internal/idgen"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	currency string
	wallets  map[string]*Wallet
	entries  []*Entry
	mu       sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore(currency string) *MemoryStore {
	return &MemoryStore{
		currency: currency,
		wallets:  make(map[string]*Wallet),
		entries:  make([]*Entry, 0),
	}
}

func (m *MemoryStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if w, ok := m.wallets[userID]; ok {
		cp := *w
		return &cp, nil
	}
	return &Wallet{
		UserID:    userID,
		Currency:  m.currency,
		UpdatedAt: time.Now(),
	}, nil
}

func (m *MemoryStore) Apply(ctx context.Context, mut Mutation) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[mut.UserID]
	if !ok {
		w = &Wallet{
			ID:       idgen.WithPrefix("wal_"),
			UserID:   mut.UserID,
			Currency: m.currency,
		}
		m.wallets[mut.UserID] = w
	}

	before := w.Balance
	pendingBefore := w.PendingBalance

	switch mut.Type {
	case EntryCredit:
		w.Balance += mut.Amount
	case EntryDebit:
		if w.Balance < mut.Amount {
			return nil, ErrInsufficientBalance
		}
		w.Balance -= mut.Amount
	case EntryPendingCredit:
		w.PendingBalance += mut.Amount
	case EntryPendingRelease:
		if w.PendingBalance < mut.Amount {
			return nil, ErrInsufficientPendingBalance
		}
		w.PendingBalance -= mut.Amount
		if mut.ToBalance {
			w.Balance += mut.Amount
		}
	default:
		return nil, ErrInvalidAmount
	}

	w.UpdatedAt = time.Now()

	entry := &Entry{
		ID:            idgen.WithPrefix("led_"),
		UserID:        mut.UserID,
		Type:          mut.Type,
		Amount:        mut.Amount,
		BalanceBefore: before,
		BalanceAfter:  w.Balance,
		PendingBefore: pendingBefore,
		PendingAfter:  w.PendingBalance,
		Reference:     mut.Reference,
		Description:   mut.Description,
		ActorID:       mut.ActorID,
		CreatedAt:     w.UpdatedAt,
	}
	m.entries = append(m.entries, entry)

	cp := *entry
	return &cp, nil
}

func (m *MemoryStore) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].UserID == userID {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}
