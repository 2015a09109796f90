// Package refund implements the two-phase booking refund flow.
//
// Flow:
//  1. Payer requests a refund → policy computes the refundable amount,
//     which lands in their pending balance while an admin reviews
//  2. Admin approves → the provider pays the refund out (saga: a failed
//     payout re-credits the pending balance)
//  3. Admin rejects → the pending credit is forfeited and the booking
//     stands
package refund

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mucyo/paylock/internal/escrow"
	"github.com/mucyo/paylock/internal/gateway"
	"github.com/mucyo/paylock/internal/idgen"
	"github.com/mucyo/paylock/internal/metrics"
	"github.com/mucyo/paylock/internal/policy"
	"github.com/mucyo/paylock/internal/traces"
	"github.com/mucyo/paylock/internal/wallet"
)

var (
	ErrRequestNotFound  = errors.New("refund request not found")
	ErrAlreadyRequested = errors.New("refund already requested for this transaction")
	ErrAlreadyReviewed  = errors.New("refund request already reviewed")
	ErrNotCancellable   = errors.New("booking can no longer be cancelled")
	ErrNotRefundable    = errors.New("transaction is not in a refundable state")
)

// Status represents the review state of a refund request.
type Status string

const (
	StatusRequested Status = "requested"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
)

// Request is one payer-initiated refund awaiting admin review.
type Request struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transactionId"`
	UserID        string     `json:"userId"` // the payer
	Amount        int64      `json:"amount"` // amount originally paid
	RefundAmount  int64      `json:"refundAmount"`
	FeeRetained   int64      `json:"feeRetained"`
	HoursBefore   float64    `json:"hoursBefore"` // lead time at request
	Status        Status     `json:"status"`
	Reason        string     `json:"reason,omitempty"`
	RejectReason  string     `json:"rejectReason,omitempty"`
	ReviewedBy    string     `json:"reviewedBy,omitempty"`
	PayoutRef     string     `json:"payoutRef,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	ReviewedAt    *time.Time `json:"reviewedAt,omitempty"`
}

// Store persists refund requests.
type Store interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)

	// GetByTransaction returns the most recent request for a transaction.
	GetByTransaction(ctx context.Context, transactionID string) (*Request, error)

	Update(ctx context.Context, r *Request) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error)
}

// Service implements refund business logic.
type Service struct {
	store   Store
	escrow  *escrow.Service
	wallets *wallet.Service
	gw      gateway.Gateway
	timeout time.Duration
	logger  *slog.Logger
	locks   sync.Map // per-transaction locks
}

// NewService creates a new refund service.
func NewService(store Store, escrowSvc *escrow.Service, wallets *wallet.Service, gw gateway.Gateway, gatewayTimeout time.Duration, logger *slog.Logger) *Service {
	if gatewayTimeout <= 0 {
		gatewayTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		escrow:  escrowSvc,
		wallets: wallets,
		gw:      gw,
		timeout: gatewayTimeout,
		logger:  logger,
	}
}

func (s *Service) txnLock(transactionID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(transactionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

var _ escrow.ReleaseGuard = (*Service)(nil)

// CheckPayable vetoes escrow payouts while a refund request is under
// review, or after one was approved with money owed to the payer. A
// rejected or zero-refund request leaves the transaction payable.
func (s *Service) CheckPayable(ctx context.Context, transactionID string) error {
	req, err := s.store.GetByTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			return nil
		}
		return err
	}
	switch {
	case req.Status == StatusRequested:
		return escrow.ErrRefundRequestOpen
	case req.Status == StatusApproved && req.RefundAmount > 0:
		return escrow.ErrRefundRequestOpen
	}
	return nil
}

// RequestInput contains the parameters for requesting a refund.
type RequestInput struct {
	TransactionID string    `json:"transactionId" binding:"required"`
	ReferenceTime time.Time `json:"referenceTime" binding:"required"` // check-in or tour start
	Reason        string    `json:"reason"`
}

// Request evaluates the cancellation policy and opens a refund request.
// The refundable amount moves to the payer's pending balance; no money
// leaves the platform until an admin approves.
func (s *Service) Request(ctx context.Context, userID string, input RequestInput) (*Request, *policy.Calculation, error) {
	ctx, span := traces.StartSpan(ctx, "refund.Request",
		traces.TransactionID(input.TransactionID), traces.UserID(userID))
	defer span.End()

	mu := s.txnLock(input.TransactionID)
	mu.Lock()
	defer mu.Unlock()

	if existing, err := s.store.GetByTransaction(ctx, input.TransactionID); err == nil {
		if existing.Status != StatusRejected {
			return nil, nil, ErrAlreadyRequested
		}
	}

	txn, err := s.escrow.Get(ctx, input.TransactionID)
	if err != nil {
		return nil, nil, err
	}
	if txn.Status != escrow.StatusHeld {
		return nil, nil, ErrNotRefundable
	}

	calc := policy.Evaluate(input.ReferenceTime, txn.Amount, time.Now())
	if !calc.CanCancel {
		return nil, &calc, ErrNotCancellable
	}

	req := &Request{
		ID:            idgen.WithPrefix("rfd_"),
		TransactionID: txn.ID,
		UserID:        userID,
		Amount:        txn.Amount,
		RefundAmount:  calc.RefundAmount,
		FeeRetained:   calc.FeeRetained,
		HoursBefore:   calc.HoursUntilReference,
		Status:        StatusRequested,
		Reason:        input.Reason,
		CreatedAt:     time.Now(),
	}
	if err := s.store.Create(ctx, req); err != nil {
		return nil, nil, fmt.Errorf("failed to create refund request: %w", err)
	}

	if calc.RefundAmount > 0 {
		if _, err := s.wallets.CreditPending(ctx, userID, calc.RefundAmount, req.ID, "refund requested"); err != nil {
			return nil, nil, fmt.Errorf("failed to credit pending refund: %w", err)
		}
	}

	metrics.RefundRequestsTotal.WithLabelValues("requested").Inc()
	s.logger.Info("refund requested",
		"requestId", req.ID, "transactionId", txn.ID,
		"refundAmount", calc.RefundAmount, "hoursBefore", calc.HoursUntilReference)
	return req, &calc, nil
}

// Approve pays the refund out to the payer. The pending credit is
// consumed first; if the provider then rejects the payout it is credited
// back and the request stays open for another attempt. A paid-out refund
// settles the escrow transaction as refunded, reversing the payee's
// pending share. A zero-refund approval leaves the funds held for the
// payee.
func (s *Service) Approve(ctx context.Context, id, reviewer string) (*Request, error) {
	ctx, span := traces.StartSpan(ctx, "refund.Approve", traces.RefundID(id))
	defer span.End()

	req, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	mu := s.txnLock(req.TransactionID)
	mu.Lock()
	defer mu.Unlock()

	req, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusRequested {
		return nil, ErrAlreadyReviewed
	}

	txn, err := s.escrow.Get(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}

	if req.RefundAmount > 0 {
		if _, err := s.wallets.ForfeitPending(ctx, req.UserID, req.RefundAmount, req.ID, "refund approved, payout initiated"); err != nil {
			return nil, fmt.Errorf("failed to consume pending refund: %w", err)
		}

		gctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		res, err := s.gw.InitiatePayout(gctx, gateway.PayoutRequest{
			Reference:   req.ID,
			Amount:      req.RefundAmount,
			Currency:    txn.Currency,
			Contact:     txn.PayerContact,
			Description: "booking refund",
		})
		if err != nil {
			// Compensate: the payout didn't happen, restore the pending credit.
			if _, credErr := s.wallets.CreditPending(ctx, req.UserID, req.RefundAmount, req.ID, "refund payout failed, restored"); credErr != nil {
				s.logger.Error("failed to restore pending refund after payout failure",
					"requestId", req.ID, "error", credErr)
			}
			metrics.RefundRequestsTotal.WithLabelValues("payout_failed").Inc()
			return nil, fmt.Errorf("refund payout failed: %w", err)
		}
		req.PayoutRef = res.PayoutRef

		// The payer has their money back; the escrow transaction must
		// not stay releasable to the payee.
		if _, err := s.escrow.MarkRefunded(ctx, req.TransactionID, res.PayoutRef, "refund approved"); err != nil {
			s.logger.Error("failed to settle escrow after refund payout",
				"requestId", req.ID, "transactionId", req.TransactionID, "error", err)
		}
	}

	now := time.Now()
	req.Status = StatusApproved
	req.ReviewedBy = reviewer
	req.ReviewedAt = &now
	if err := s.store.Update(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to persist approval: %w", err)
	}

	metrics.RefundRequestsTotal.WithLabelValues("approved").Inc()
	s.logger.Info("refund approved",
		"requestId", req.ID, "reviewer", reviewer, "refundAmount", req.RefundAmount)
	return req, nil
}

// Reject closes the request without paying anything out. The pending
// credit is forfeited and the booking stands.
func (s *Service) Reject(ctx context.Context, id, reviewer, reason string) (*Request, error) {
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	mu := s.txnLock(req.TransactionID)
	mu.Lock()
	defer mu.Unlock()

	req, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusRequested {
		return nil, ErrAlreadyReviewed
	}

	if req.RefundAmount > 0 {
		if _, err := s.wallets.ForfeitPending(ctx, req.UserID, req.RefundAmount, req.ID, "refund rejected"); err != nil {
			return nil, fmt.Errorf("failed to forfeit pending refund: %w", err)
		}
	}

	now := time.Now()
	req.Status = StatusRejected
	req.ReviewedBy = reviewer
	req.RejectReason = reason
	req.ReviewedAt = &now
	if err := s.store.Update(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to persist rejection: %w", err)
	}

	metrics.RefundRequestsTotal.WithLabelValues("rejected").Inc()
	s.logger.Info("refund rejected", "requestId", req.ID, "reviewer", reviewer, "reason", reason)
	return req, nil
}

// Get returns a refund request by ID.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	return s.store.Get(ctx, id)
}

// ListByStatus returns refund requests in the given review state.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, status, limit)
}
