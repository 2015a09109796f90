package refund

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed refund request store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const refundColumns = `
	id, transaction_id, user_id, amount, refund_amount, fee_retained, hours_before,
	status, reason, reject_reason, reviewed_by, payout_ref, created_at, reviewed_at`

func (p *PostgresStore) Create(ctx context.Context, r *Request) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO refund_requests (`+refundColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, r.ID, r.TransactionID, r.UserID, r.Amount, r.RefundAmount, r.FeeRetained, r.HoursBefore,
		r.Status, nullString(r.Reason), nullString(r.RejectReason), nullString(r.ReviewedBy),
		nullString(r.PayoutRef), r.CreatedAt, nullTime(r.ReviewedAt))
	if err != nil {
		return fmt.Errorf("failed to insert refund request: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+refundColumns+` FROM refund_requests WHERE id = $1
	`, id)
	return scanRequest(row)
}

func (p *PostgresStore) GetByTransaction(ctx context.Context, transactionID string) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+refundColumns+` FROM refund_requests
		WHERE transaction_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, transactionID)
	return scanRequest(row)
}

func (p *PostgresStore) Update(ctx context.Context, r *Request) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE refund_requests SET
			status        = $2,
			reject_reason = $3,
			reviewed_by   = $4,
			payout_ref    = $5,
			reviewed_at   = $6
		WHERE id = $1
	`, r.ID, r.Status, nullString(r.RejectReason), nullString(r.ReviewedBy),
		nullString(r.PayoutRef), nullTime(r.ReviewedAt))
	if err != nil {
		return fmt.Errorf("failed to update refund request: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrRequestNotFound
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+refundColumns+` FROM refund_requests
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (*Request, error) {
	r := &Request{}
	var reason, rejectReason, reviewedBy, payoutRef sql.NullString
	var reviewedAt sql.NullTime

	err := s.Scan(&r.ID, &r.TransactionID, &r.UserID, &r.Amount, &r.RefundAmount,
		&r.FeeRetained, &r.HoursBefore, &r.Status,
		&reason, &rejectReason, &reviewedBy, &payoutRef, &r.CreatedAt, &reviewedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}

	r.Reason = reason.String
	r.RejectReason = rejectReason.String
	r.ReviewedBy = reviewedBy.String
	r.PayoutRef = payoutRef.String
	if reviewedAt.Valid {
		r.ReviewedAt = &reviewedAt.Time
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
