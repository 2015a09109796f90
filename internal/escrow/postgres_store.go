package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mucyo/paylock/internal/gateway"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txnColumns = `
	id, reference, payer_id, payee_id, payer_contact, payee_contact,
	amount, fee_amount, payee_amount, currency,
	provider, provider_ref, payout_ref, instructions,
	status, intent, prior_status,
	description, failure_reason, dispute_reason, notified_held,
	released_at, released_by, release_reason, meta,
	last_status_check, status_check_count,
	created_at, updated_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions (`+txnColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27,
			$28, $29, $30)
	`, t.ID, t.Reference, t.PayerID, nullString(t.PayeeID), t.PayerContact, nullString(t.PayeeContact),
		t.Amount, t.FeeAmount, t.PayeeAmount, t.Currency,
		t.Provider, nullString(t.ProviderRef), nullString(t.PayoutRef), nullString(t.Instructions),
		t.Status, nullString(t.Intent), nullString(string(t.PriorStatus)),
		nullString(t.Description), nullString(t.FailureReason), nullString(t.DisputeReason), t.NotifiedHeld,
		nullTime(t.ReleasedAt), nullString(t.ReleasedBy), nullString(t.ReleaseReason), metaJSON(t.Meta),
		nullTime(t.LastStatusCheck), t.StatusCheckCount,
		t.CreatedAt, t.UpdatedAt, nullTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txnColumns+` FROM escrow_transactions WHERE id = $1
	`, id)
	return scanTransaction(row)
}

func (p *PostgresStore) GetByProviderRef(ctx context.Context, ref string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txnColumns+` FROM escrow_transactions
		WHERE provider_ref = $1 OR payout_ref = $1
	`, ref)
	return scanTransaction(row)
}

func (p *PostgresStore) GetByReference(ctx context.Context, ref string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txnColumns+` FROM escrow_transactions
		WHERE reference = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, ref)
	return scanTransaction(row)
}

func (p *PostgresStore) Update(ctx context.Context, t *Transaction) error {
	result, err := p.db.ExecContext(ctx, updateSQL, updateArgs(t)...)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateIfStatus(ctx context.Context, t *Transaction, expect Status) (bool, error) {
	args := append(updateArgs(t), string(expect))
	result, err := p.db.ExecContext(ctx, updateSQL+` AND status = $21`, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update transaction: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

const updateSQL = `
	UPDATE escrow_transactions SET
		provider_ref   = $2,
		payout_ref     = $3,
		instructions   = $4,
		status         = $5,
		intent         = $6,
		prior_status   = $7,
		description    = $8,
		failure_reason = $9,
		dispute_reason = $10,
		notified_held  = $11,
		payer_contact  = $12,
		payee_contact  = $13,
		released_at    = $14,
		released_by    = $15,
		release_reason = $16,
		meta           = $17,
		updated_at     = $18,
		completed_at   = $19,
		currency       = $20
	WHERE id = $1`

func updateArgs(t *Transaction) []any {
	return []any{
		t.ID,
		nullString(t.ProviderRef), nullString(t.PayoutRef), nullString(t.Instructions),
		t.Status, nullString(t.Intent), nullString(string(t.PriorStatus)),
		nullString(t.Description), nullString(t.FailureReason), nullString(t.DisputeReason),
		t.NotifiedHeld, t.PayerContact, nullString(t.PayeeContact),
		nullTime(t.ReleasedAt), nullString(t.ReleasedBy), nullString(t.ReleaseReason), metaJSON(t.Meta),
		t.UpdatedAt, nullTime(t.CompletedAt), t.Currency,
	}
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+` FROM escrow_transactions
		WHERE payer_id = $1 OR payee_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListForSweep(ctx context.Context, checkedBefore time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+` FROM escrow_transactions
		WHERE status IN ('pending', 'processing', 'held')
		  AND (last_status_check IS NULL OR last_status_check < $1)
		ORDER BY last_status_check ASC NULLS FIRST
		LIMIT $2
	`, checkedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (p *PostgresStore) MarkStatusChecked(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			last_status_check  = $2,
			status_check_count = status_check_count + 1
		WHERE id = $1
	`, id, at)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var payeeID, payeeContact, providerRef, payoutRef, instructions sql.NullString
	var intent, priorStatus, description, failureReason, disputeReason sql.NullString
	var releasedBy, releaseReason sql.NullString
	var meta []byte
	var releasedAt, lastCheck, completedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.Reference, &t.PayerID, &payeeID, &t.PayerContact, &payeeContact,
		&t.Amount, &t.FeeAmount, &t.PayeeAmount, &t.Currency,
		&t.Provider, &providerRef, &payoutRef, &instructions,
		&t.Status, &intent, &priorStatus,
		&description, &failureReason, &disputeReason, &t.NotifiedHeld,
		&releasedAt, &releasedBy, &releaseReason, &meta,
		&lastCheck, &t.StatusCheckCount,
		&t.CreatedAt, &t.UpdatedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}

	t.PayeeID = payeeID.String
	t.PayeeContact = payeeContact.String
	t.ProviderRef = providerRef.String
	t.PayoutRef = payoutRef.String
	t.Instructions = instructions.String
	t.Intent = intent.String
	t.PriorStatus = Status(priorStatus.String)
	t.Description = description.String
	t.FailureReason = failureReason.String
	t.DisputeReason = disputeReason.String
	t.ReleasedBy = releasedBy.String
	t.ReleaseReason = releaseReason.String
	if releasedAt.Valid {
		t.ReleasedAt = &releasedAt.Time
	}
	if len(meta) > 0 {
		m := &gateway.Meta{}
		if err := json.Unmarshal(meta, m); err != nil {
			return nil, fmt.Errorf("failed to decode provider meta: %w", err)
		}
		t.Meta = m
	}
	if lastCheck.Valid {
		t.LastStatusCheck = &lastCheck.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// metaJSON renders provider meta as a jsonb value, NULL when absent.
func metaJSON(m *gateway.Meta) any {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
