// Package reconcile keeps local transaction state in sync with the
// payment provider.
//
// Two paths feed it: provider webhooks push status changes as they
// happen, and a polling sweep picks up anything the webhooks missed
// (lost deliveries, payouts that timed out in flight).
package reconcile

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mucyo/paylock/internal/circuitbreaker"
	"github.com/mucyo/paylock/internal/escrow"
	"github.com/mucyo/paylock/internal/gateway"
)

// Breaker settings for sweep-side provider queries. Webhooks are not
// gated: they carry the status with them and rarely need a query.
const (
	breakerThreshold    = 5
	breakerOpenDuration = 30 * time.Second
)

// Notification is a provider webhook payload. Providers differ in which
// fields they fill; TrackingID is their reference, MerchantReference is
// ours.
type Notification struct {
	TrackingID        string `json:"trackingId"`
	MerchantReference string `json:"merchantReference"`
	NotificationType  string `json:"notificationType"`
	Status            string `json:"status"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
}

// Service resolves provider reports against local transactions.
type Service struct {
	escrow  *escrow.Service
	store   escrow.Store
	gw      gateway.Gateway
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewService creates a new reconciliation service.
func NewService(escrowSvc *escrow.Service, store escrow.Store, gw gateway.Gateway, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		escrow:  escrowSvc,
		store:   store,
		gw:      gw,
		breaker: circuitbreaker.New(breakerThreshold, breakerOpenDuration),
		logger:  logger,
	}
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("provider circuit state change",
			"provider", key, "from", from.String(), "to", to.String())
	})
	return s
}

// HandleNotification applies a webhook notification to the transaction
// it references.
func (s *Service) HandleNotification(ctx context.Context, n Notification) error {
	txn, err := s.lookup(ctx, n)
	if err != nil {
		return err
	}

	if n.Amount > 0 && n.Amount != txn.Amount {
		s.logger.Warn("webhook amount differs from transaction",
			"transactionId", txn.ID, "localAmount", txn.Amount,
			"providerAmount", n.Amount, "providerCurrency", n.Currency)
	}

	st := mapProviderStatus(n.Status)
	if n.Status == "" {
		// Notification without a status is just a nudge to go ask.
		result, err := s.gw.QueryStatus(ctx, providerRefFor(txn))
		if err != nil {
			return err
		}
		st = result.Status
	}

	_, err = s.escrow.ApplyProviderStatus(ctx, txn.ID, st, "webhook")
	return err
}

// CheckTransaction polls the provider for one transaction and folds the
// answer into its lifecycle. Used by the sweep.
func (s *Service) CheckTransaction(ctx context.Context, txn *escrow.Transaction) error {
	ref := providerRefFor(txn)
	if ref == "" {
		// Nothing to ask the provider about yet; still advance the
		// bookkeeping so this row doesn't head every sweep.
		return s.store.MarkStatusChecked(ctx, txn.ID, time.Now())
	}

	if !s.breaker.Allow(s.gw.Name()) {
		// Provider is down; skip the query but still advance the check
		// bookkeeping so the sweep keeps rotating through its backlog.
		return s.store.MarkStatusChecked(ctx, txn.ID, time.Now())
	}

	result, err := s.gw.QueryStatus(ctx, ref)
	if err != nil {
		s.breaker.RecordFailure(s.gw.Name())
		s.logger.Warn("provider status query failed",
			"transactionId", txn.ID, "providerRef", ref, "error", err)
		return s.store.MarkStatusChecked(ctx, txn.ID, time.Now())
	}
	s.breaker.RecordSuccess(s.gw.Name())

	_, err = s.escrow.ApplyProviderStatus(ctx, txn.ID, result.Status, "sweep")
	return err
}

func (s *Service) lookup(ctx context.Context, n Notification) (*escrow.Transaction, error) {
	if n.TrackingID != "" {
		if txn, err := s.store.GetByProviderRef(ctx, n.TrackingID); err == nil {
			return txn, nil
		}
	}
	if n.MerchantReference != "" {
		if txn, err := s.store.Get(ctx, n.MerchantReference); err == nil {
			return txn, nil
		}
		if txn, err := s.store.GetByReference(ctx, n.MerchantReference); err == nil {
			return txn, nil
		}
	}
	return nil, escrow.ErrTransactionNotFound
}

// providerRefFor picks the reference to query: the payout reference while
// a payout is in flight, the collection reference otherwise.
func providerRefFor(txn *escrow.Transaction) string {
	if txn.Status == escrow.StatusProcessing && txn.PayoutRef != "" {
		return txn.PayoutRef
	}
	return txn.ProviderRef
}

func mapProviderStatus(s string) gateway.Status {
	switch strings.ToLower(s) {
	case "success", "successful", "completed", "paid", "settled":
		return gateway.StatusSuccess
	case "failed", "failure", "rejected", "cancelled", "canceled", "error", "expired":
		return gateway.StatusFailed
	default:
		return gateway.StatusPending
	}
}
