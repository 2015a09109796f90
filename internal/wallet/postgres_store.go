package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mucyo/paylock/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL. Balance changes lock the
// wallet row, and CHECK constraints keep balances non-negative at the DB
// level even if two instances race.
type PostgresStore struct {
	db       *sql.DB
	currency string
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB, currency string) *PostgresStore {
	return &PostgresStore{db: db, currency: currency}
}

func (p *PostgresStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	w := &Wallet{UserID: userID}

	err := p.db.QueryRowContext(ctx, `
		SELECT id, balance, pending_balance, currency, updated_at
		FROM wallets WHERE user_id = $1
	`, userID).Scan(&w.ID, &w.Balance, &w.PendingBalance, &w.Currency, &w.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Wallet{
			UserID:    userID,
			Currency:  p.currency,
			UpdatedAt: time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) Apply(ctx context.Context, mut Mutation) (*Entry, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Ensure the wallet row exists, then lock it for the balance change.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, balance, pending_balance, currency, updated_at)
		VALUES ($1, $2, 0, 0, $3, NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, idgen.WithPrefix("wal_"), mut.UserID, p.currency)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure wallet: %w", err)
	}

	var balance, pending int64
	err = tx.QueryRowContext(ctx, `
		SELECT balance, pending_balance FROM wallets
		WHERE user_id = $1 FOR UPDATE
	`, mut.UserID).Scan(&balance, &pending)
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}

	before := balance
	pendingBefore := pending

	switch mut.Type {
	case EntryCredit:
		balance += mut.Amount
	case EntryDebit:
		if balance < mut.Amount {
			return nil, ErrInsufficientBalance
		}
		balance -= mut.Amount
	case EntryPendingCredit:
		pending += mut.Amount
	case EntryPendingRelease:
		if pending < mut.Amount {
			return nil, ErrInsufficientPendingBalance
		}
		pending -= mut.Amount
		if mut.ToBalance {
			balance += mut.Amount
		}
	default:
		return nil, ErrInvalidAmount
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallets SET balance = $2, pending_balance = $3, updated_at = NOW()
		WHERE user_id = $1
	`, mut.UserID, balance, pending)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	entry := &Entry{
		ID:            idgen.WithPrefix("led_"),
		UserID:        mut.UserID,
		Type:          mut.Type,
		Amount:        mut.Amount,
		BalanceBefore: before,
		BalanceAfter:  balance,
		PendingBefore: pendingBefore,
		PendingAfter:  pending,
		Reference:     mut.Reference,
		Description:   mut.Description,
		ActorID:       mut.ActorID,
		CreatedAt:     time.Now(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_entries
			(id, user_id, type, amount, balance_before, balance_after, pending_before, pending_after,
			 reference, description, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, entry.ID, entry.UserID, entry.Type, entry.Amount, entry.BalanceBefore, entry.BalanceAfter,
		entry.PendingBefore, entry.PendingAfter,
		nullString(entry.Reference), nullString(entry.Description), nullString(entry.ActorID), entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

func (p *PostgresStore) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, balance_before, balance_after, pending_before, pending_after,
			reference, description, actor_id, created_at
		FROM wallet_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var reference, description, actorID sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &e.BalanceBefore, &e.BalanceAfter,
			&e.PendingBefore, &e.PendingAfter,
			&reference, &description, &actorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reference = reference.String
		e.Description = description.String
		e.ActorID = actorID.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
