package escrow

import (
	"context"
	"time"
)

// Store persists escrow transactions.
type Store interface {
	Create(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByProviderRef(ctx context.Context, ref string) (*Transaction, error)
	GetByReference(ctx context.Context, ref string) (*Transaction, error)
	Update(ctx context.Context, t *Transaction) error

	// UpdateIfStatus persists t only if the stored status still equals
	// expect. Returns false when another writer got there first.
	UpdateIfStatus(ctx context.Context, t *Transaction, expect Status) (bool, error)

	ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error)

	// ListForSweep returns non-terminal transactions (pending, processing,
	// held) whose last provider status check is missing or older than
	// checkedBefore, oldest check first.
	ListForSweep(ctx context.Context, checkedBefore time.Time, limit int) ([]*Transaction, error)

	// MarkStatusChecked advances the status-check bookkeeping regardless
	// of whether the check changed anything.
	MarkStatusChecked(ctx context.Context, id string, at time.Time) error
}
