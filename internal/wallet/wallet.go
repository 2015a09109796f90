// Package wallet tracks user balances on the platform.
//
// Every balance change appends exactly one ledger entry, so replaying a
// user's entries from the beginning reproduces their current balance.
// Held escrow earnings sit in PendingBalance until released.
package wallet

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mucyo/paylock/internal/metrics"
)

var (
	ErrInsufficientBalance        = errors.New("insufficient balance")
	ErrInsufficientPendingBalance = errors.New("insufficient pending balance")
	ErrInvalidAmount              = errors.New("invalid amount")
)

// PlatformAccountID is the wallet that accumulates platform fees.
const PlatformAccountID = "platform"

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryCredit         EntryType = "credit"          // balance += amount
	EntryDebit          EntryType = "debit"           // balance -= amount
	EntryPendingCredit  EntryType = "pending_credit"  // pendingBalance += amount
	EntryPendingRelease EntryType = "pending_release" // pendingBalance -= amount (to balance or out)
)

// Wallet is a user's balance snapshot. Wallets are created lazily on
// first use; reading an unknown user returns a zero wallet.
type Wallet struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Balance        int64     `json:"balance"` // minor currency units
	PendingBalance int64     `json:"pendingBalance"`
	Currency       string    `json:"currency"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Entry is an immutable ledger record of one balance change. It
// snapshots both balances around the change, so pending entries show
// their movement too, not just the untouched available balance.
type Entry struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Type          EntryType `json:"type"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balanceBefore"`
	BalanceAfter  int64     `json:"balanceAfter"`
	PendingBefore int64     `json:"pendingBefore"`
	PendingAfter  int64     `json:"pendingAfter"`
	Reference     string    `json:"reference,omitempty"` // transaction or refund request ID
	Description   string    `json:"description,omitempty"`
	ActorID       string    `json:"actorId,omitempty"` // set for manual adjustments
	CreatedAt     time.Time `json:"createdAt"`
}

// Mutation describes one balance change to apply.
type Mutation struct {
	UserID      string
	Type        EntryType
	Amount      int64 // always positive; Type picks the direction
	ToBalance   bool  // pending_release only: move into Balance instead of out
	Reference   string
	Description string
	ActorID     string
}

// Store persists wallets and their ledger entries. Apply must perform the
// balance change and the entry append atomically.
type Store interface {
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	Apply(ctx context.Context, mut Mutation) (*Entry, error)
	History(ctx context.Context, userID string, limit int) ([]*Entry, error)
}

// Service implements wallet business logic.
type Service struct {
	store Store
	locks sync.Map // per-user locks so check+apply sequences don't interleave
}

// NewService creates a new wallet service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) userLock(userID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(userID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Balance returns a user's wallet, zero-valued if they have no history.
func (s *Service) Balance(ctx context.Context, userID string) (*Wallet, error) {
	return s.store.GetWallet(ctx, userID)
}

// History returns a user's ledger entries, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.History(ctx, userID, limit)
}

// Credit adds funds to a user's available balance.
func (s *Service) Credit(ctx context.Context, userID string, amount int64, reference, description string) (*Entry, error) {
	return s.apply(ctx, Mutation{
		UserID: userID, Type: EntryCredit, Amount: amount,
		Reference: reference, Description: description,
	})
}

// Debit removes funds from a user's available balance.
func (s *Service) Debit(ctx context.Context, userID string, amount int64, reference, description string) (*Entry, error) {
	return s.apply(ctx, Mutation{
		UserID: userID, Type: EntryDebit, Amount: amount,
		Reference: reference, Description: description,
	})
}

// CreditPending adds funds to a user's pending balance (escrow earnings
// not yet released, or refunds awaiting approval).
func (s *Service) CreditPending(ctx context.Context, userID string, amount int64, reference, description string) (*Entry, error) {
	return s.apply(ctx, Mutation{
		UserID: userID, Type: EntryPendingCredit, Amount: amount,
		Reference: reference, Description: description,
	})
}

// ReleasePending moves funds out of a user's pending balance into their
// available balance.
func (s *Service) ReleasePending(ctx context.Context, userID string, amount int64, reference, description string) (*Entry, error) {
	return s.apply(ctx, Mutation{
		UserID: userID, Type: EntryPendingRelease, Amount: amount, ToBalance: true,
		Reference: reference, Description: description,
	})
}

// ForfeitPending removes funds from a user's pending balance without
// crediting them anywhere (rejected refund, reversed escrow hold).
func (s *Service) ForfeitPending(ctx context.Context, userID string, amount int64, reference, description string) (*Entry, error) {
	return s.apply(ctx, Mutation{
		UserID: userID, Type: EntryPendingRelease, Amount: amount,
		Reference: reference, Description: description,
	})
}

// Adjust applies a signed manual correction to a user's available balance,
// tagged with the admin who made it.
func (s *Service) Adjust(ctx context.Context, userID string, amount int64, reason, actorID string) (*Entry, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	mut := Mutation{
		UserID: userID, Type: EntryCredit, Amount: amount,
		Description: reason, ActorID: actorID,
	}
	if amount < 0 {
		mut.Type = EntryDebit
		mut.Amount = -amount
	}
	return s.apply(ctx, mut)
}

func (s *Service) apply(ctx context.Context, mut Mutation) (*Entry, error) {
	if mut.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	mu := s.userLock(mut.UserID)
	mu.Lock()
	defer mu.Unlock()

	entry, err := s.store.Apply(ctx, mut)
	if err != nil {
		return nil, err
	}

	metrics.LedgerEntriesTotal.WithLabelValues(string(mut.Type)).Inc()
	return entry, nil
}
