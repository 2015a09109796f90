package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mucyo/paylock/internal/gateway"
	"github.com/mucyo/paylock/internal/idgen"
	"github.com/mucyo/paylock/internal/metrics"
	"github.com/mucyo/paylock/internal/traces"
	"github.com/mucyo/paylock/internal/wallet"
)

// Notifier receives lifecycle events. FundsHeld fires when collected
// funds land in escrow; a replayed provider confirmation redelivers it
// if the first attempt was lost.
type Notifier interface {
	FundsHeld(ctx context.Context, t *Transaction)
}

// ReleaseGuard can veto a payout claim. The refund flow registers one so
// funds with an open refund request cannot be released or refunded
// underneath the review.
type ReleaseGuard interface {
	CheckPayable(ctx context.Context, transactionID string) error
}

// Options configures the escrow service.
type Options struct {
	FeeBps         int64
	Currency       string
	GatewayTimeout time.Duration
	Logger         *slog.Logger
}

// Service implements escrow business logic.
type Service struct {
	store    Store
	wallets  *wallet.Service
	gw       gateway.Gateway
	feeBps   int64
	currency string
	timeout  time.Duration
	notifier Notifier
	guard    ReleaseGuard
	logger   *slog.Logger
	locks    sync.Map // per-transaction ID locks
}

// NewService creates a new escrow service.
func NewService(store Store, wallets *wallet.Service, gw gateway.Gateway, opts Options) *Service {
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:    store,
		wallets:  wallets,
		gw:       gw,
		feeBps:   opts.FeeBps,
		currency: opts.Currency,
		timeout:  opts.GatewayTimeout,
		logger:   opts.Logger,
	}
}

// WithNotifier adds a lifecycle event notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithReleaseGuard adds a payout veto, consulted before any release or
// refund claims held funds.
func (s *Service) WithReleaseGuard(g ReleaseGuard) *Service {
	s.guard = g
	return s
}

// txnLock returns a mutex for the given transaction ID.
// It is never held across a provider call.
func (s *Service) txnLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CreateDepositRequest contains the parameters for initiating a deposit.
// PayeeID is optional: left empty, the deposit has no recipient and the
// escrowed share goes back to the payer's wallet on release.
type CreateDepositRequest struct {
	Reference    string `json:"reference" binding:"required"`
	PayerID      string `json:"payerId" binding:"required"`
	PayeeID      string `json:"payeeId"`
	PayerContact string `json:"payerContact" binding:"required"`
	PayeeContact string `json:"payeeContact"`
	Amount       int64  `json:"amount" binding:"required"`
	Currency     string `json:"currency"`
	Description  string `json:"description"`
}

// CreateDeposit starts a new escrow transaction and asks the provider to
// collect from the payer. If the provider rejects or times out before
// returning a reference, the transaction fails: with no provider reference
// there is nothing for reconciliation to recover later.
func (s *Service) CreateDeposit(ctx context.Context, req CreateDepositRequest) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateDeposit",
		traces.Reference(req.Reference), traces.Amount(req.Amount))
	defer span.End()

	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.PayeeID != "" && strings.EqualFold(req.PayerID, req.PayeeID) {
		return nil, ErrSameParty
	}

	if existing, err := s.store.GetByReference(ctx, req.Reference); err == nil && existing != nil {
		if !existing.Status.Terminal() {
			return nil, ErrDuplicateReference
		}
	}

	currency := req.Currency
	if currency == "" {
		currency = s.currency
	}

	fee, payee := SplitFee(req.Amount, s.feeBps)
	now := time.Now()
	txn := &Transaction{
		ID:           idgen.WithPrefix("txn_"),
		Reference:    req.Reference,
		PayerID:      req.PayerID,
		PayeeID:      req.PayeeID,
		PayerContact: req.PayerContact,
		PayeeContact: req.PayeeContact,
		Amount:       req.Amount,
		FeeAmount:    fee,
		PayeeAmount:  payee,
		Currency:     currency,
		Provider:     s.gw.Name(),
		Status:       StatusInitiated,
		Description:  req.Description,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.Create(ctx, txn); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	gctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.gw.InitiateCollection(gctx, gateway.CollectionRequest{
		Reference:   txn.ID,
		Amount:      txn.Amount,
		Currency:    txn.Currency,
		Contact:     txn.PayerContact,
		Description: txn.Description,
	})
	if err != nil {
		txn.Status = StatusFailed
		txn.FailureReason = err.Error()
		txn.UpdatedAt = time.Now()
		if updErr := s.store.Update(ctx, txn); updErr != nil {
			s.logger.Error("failed to persist failed deposit",
				"transactionId", txn.ID, "error", updErr)
		}
		metrics.DepositsTotal.WithLabelValues(txn.Provider, "failed").Inc()
		s.recordTransition(StatusInitiated, StatusFailed)
		return txn, fmt.Errorf("%w: %v", ErrCollectionFailed, err)
	}

	txn.Status = StatusPending
	txn.ProviderRef = res.ProviderRef
	txn.Instructions = res.Instructions
	if !res.Meta.IsZero() {
		m := res.Meta
		txn.Meta = &m
	}
	txn.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, txn); err != nil {
		return nil, fmt.Errorf("failed to persist pending deposit: %w", err)
	}

	metrics.DepositsTotal.WithLabelValues(txn.Provider, "initiated").Inc()
	s.recordTransition(StatusInitiated, StatusPending)
	s.logger.Info("deposit initiated",
		"transactionId", txn.ID, "reference", txn.Reference,
		"amount", txn.Amount, "currency", txn.Currency, "provider", txn.Provider)
	return txn, nil
}

// ApplyProviderStatus folds a provider-reported status (from a webhook or
// the polling sweep) into the transaction's lifecycle. Provider reports
// never overwrite a locally terminal transaction.
func (s *Service) ApplyProviderStatus(ctx context.Context, id string, st gateway.Status, source string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ApplyProviderStatus",
		traces.TransactionID(id), attribute.String("provider.status", string(st)),
		attribute.String("source", source))
	defer span.End()

	mu := s.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := s.store.MarkStatusChecked(ctx, id, time.Now()); err != nil {
			s.logger.Warn("failed to mark status check", "transactionId", id, "error", err)
		}
		metrics.SweepChecksTotal.Inc()
	}()

	switch {
	case txn.Status.Terminal():
		s.logger.Info("ignoring provider status for terminal transaction",
			"transactionId", id, "localStatus", txn.Status, "providerStatus", st, "source", source)
		return txn, nil

	case txn.Status == StatusInitiated:
		// The provider was never handed this collection, so a success
		// report has nothing to confirm. Failures still close the row.
		if st == gateway.StatusFailed {
			return s.failTransaction(ctx, txn, "provider reported collection failed")
		}
		if st == gateway.StatusSuccess {
			s.logger.Warn("ignoring provider success for uninitiated transaction",
				"transactionId", id, "source", source)
		}
		return txn, nil

	case txn.Status == StatusPending:
		switch st {
		case gateway.StatusSuccess:
			return s.holdFunds(ctx, txn)
		case gateway.StatusFailed:
			return s.failTransaction(ctx, txn, "provider reported collection failed")
		}
		return txn, nil

	case txn.Status == StatusProcessing:
		switch st {
		case gateway.StatusSuccess:
			if txn.Intent == IntentRefund {
				return s.finalizeRefund(ctx, txn)
			}
			return s.finalizeRelease(ctx, txn)
		case gateway.StatusFailed:
			return s.revertClaim(ctx, txn, "provider rejected payout ("+source+")")
		}
		return txn, nil

	case txn.Status == StatusHeld || txn.Status == StatusDisputed:
		if st == gateway.StatusFailed {
			// Provider-terminal failure after we recorded the hold. The
			// provider owns the money, so trust it and unwind our hold.
			s.logger.Warn("provider reports failure for held funds, reverting hold",
				"transactionId", id, "localStatus", txn.Status, "source", source)
			if _, err := s.wallets.ForfeitPending(ctx, txn.Beneficiary(), txn.PayeeAmount, txn.ID, "collection reversed by provider"); err != nil {
				return nil, fmt.Errorf("failed to reverse pending credit: %w", err)
			}
			return s.failTransaction(ctx, txn, "provider reversed collection after hold")
		}
		if st == gateway.StatusSuccess && !txn.NotifiedHeld {
			// The hold committed but the process died before the held
			// notification went out. The replayed confirmation delivers it.
			txn.NotifiedHeld = true
			txn.UpdatedAt = time.Now()
			ok, err := s.store.UpdateIfStatus(ctx, txn, txn.Status)
			if err != nil {
				return nil, err
			}
			if ok && s.notifier != nil {
				s.notifier.FundsHeld(ctx, txn)
			}
		}
		return txn, nil
	}

	return txn, nil
}

// holdFunds moves a pending transaction to held and credits the
// escrowed share to the beneficiary's pending balance. The status CAS
// guarantees a single executor; NotifiedHeld is persisted only after
// the notification goes out so a replayed confirmation can redeliver a
// lost one.
func (s *Service) holdFunds(ctx context.Context, txn *Transaction) (*Transaction, error) {
	from := txn.Status
	txn.Status = StatusHeld
	txn.UpdatedAt = time.Now()

	ok, err := s.commitTransition(ctx, txn, from)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.store.Get(ctx, txn.ID)
	}

	if _, err := s.wallets.CreditPending(ctx, txn.Beneficiary(), txn.PayeeAmount, txn.ID, "funds held in escrow"); err != nil {
		s.logger.Error("failed to credit pending balance",
			"transactionId", txn.ID, "userId", txn.Beneficiary(), "error", err)
	}

	s.recordTransition(from, StatusHeld)
	s.logger.Info("funds held", "transactionId", txn.ID, "amount", txn.Amount)

	if s.notifier != nil {
		s.notifier.FundsHeld(ctx, txn)
	}
	txn.NotifiedHeld = true
	if _, err := s.store.UpdateIfStatus(ctx, txn, StatusHeld); err != nil {
		s.logger.Warn("failed to persist held notification flag",
			"transactionId", txn.ID, "error", err)
	}
	return txn, nil
}

func (s *Service) failTransaction(ctx context.Context, txn *Transaction, reason string) (*Transaction, error) {
	from := txn.Status
	txn.Status = StatusFailed
	txn.FailureReason = reason
	now := time.Now()
	txn.UpdatedAt = now
	txn.CompletedAt = &now

	ok, err := s.commitTransition(ctx, txn, from)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.store.Get(ctx, txn.ID)
	}

	s.recordTransition(from, StatusFailed)
	s.logger.Info("transaction failed", "transactionId", txn.ID, "reason", reason)
	return txn, nil
}

// Release pays out the payee's share and completes the transaction,
// stamped with the actor who triggered it. A recipient-less deposit has
// no payout to push; its escrowed share moves straight to the payer's
// available balance. Repeating a release on an already-released
// transaction is a no-op; the returned bool reports that case.
func (s *Service) Release(ctx context.Context, id, actorID, reason string) (*Transaction, bool, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.TransactionID(id))
	defer span.End()

	txn, err := s.claimPayout(ctx, id, IntentRelease, actorID, reason)
	if err != nil {
		if errors.Is(err, errAlreadyFinal) {
			final, getErr := s.store.Get(ctx, id)
			if getErr != nil {
				return nil, false, getErr
			}
			return final, true, nil
		}
		return nil, false, err
	}

	if txn.PayeeID == "" || txn.PayeeAmount == 0 {
		txn, err = s.finalizeRelease(ctx, txn)
		return txn, false, err
	}

	txn, err = s.executePayout(ctx, txn, gateway.PayoutRequest{
		Reference:   txn.ID,
		Amount:      txn.PayeeAmount,
		Currency:    txn.Currency,
		Contact:     txn.PayeeContact,
		Description: "escrow release",
	})
	return txn, false, err
}

// Refund returns the full amount to the payer. A pending transaction is
// cancelled outright since no funds were collected; held or disputed
// funds go back through a provider payout. Fees are never retained on a
// refund.
func (s *Service) Refund(ctx context.Context, id, reason string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.TransactionID(id))
	defer span.End()

	mu := s.txnLock(id)
	mu.Lock()
	txn, err := s.store.Get(ctx, id)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if txn.Status == StatusPending {
		defer mu.Unlock()
		return s.cancelLocked(ctx, txn, reason)
	}
	mu.Unlock()

	txn, err = s.claimPayout(ctx, id, IntentRefund, "", "")
	if err != nil {
		if errors.Is(err, errAlreadyFinal) {
			return s.store.Get(ctx, id)
		}
		return nil, err
	}
	return s.executePayout(ctx, txn, gateway.PayoutRequest{
		Reference:   txn.ID,
		Amount:      txn.Amount,
		Currency:    txn.Currency,
		Contact:     txn.PayerContact,
		Description: "escrow refund",
	})
}

// Cancel aborts a pending transaction before any funds were collected.
func (s *Service) Cancel(ctx context.Context, id, actorID, reason string) (*Transaction, error) {
	mu := s.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Status != StatusPending {
		return nil, ErrInvalidStatus
	}
	s.logger.Info("cancel requested", "transactionId", id, "actorId", actorID)
	return s.cancelLocked(ctx, txn, reason)
}

func (s *Service) cancelLocked(ctx context.Context, txn *Transaction, reason string) (*Transaction, error) {
	from := txn.Status
	txn.Status = StatusCancelled
	txn.FailureReason = reason
	now := time.Now()
	txn.UpdatedAt = now
	txn.CompletedAt = &now

	ok, err := s.commitTransition(ctx, txn, from)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidStatus
	}

	s.recordTransition(from, StatusCancelled)
	s.logger.Info("transaction cancelled", "transactionId", txn.ID, "reason", reason)
	return txn, nil
}

// Dispute freezes held funds pending resolution.
func (s *Service) Dispute(ctx context.Context, id, reason string) (*Transaction, error) {
	mu := s.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Status != StatusHeld {
		return nil, ErrInvalidStatus
	}

	txn.Status = StatusDisputed
	txn.DisputeReason = reason
	txn.UpdatedAt = time.Now()

	ok, err := s.commitTransition(ctx, txn, StatusHeld)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidStatus
	}

	s.recordTransition(StatusHeld, StatusDisputed)
	s.logger.Info("transaction disputed", "transactionId", txn.ID, "reason", reason)
	return txn, nil
}

// ResolveDispute settles a disputed transaction by releasing to the payee
// or refunding the payer, stamped with the resolving admin.
func (s *Service) ResolveDispute(ctx context.Context, id, resolution, actorID string) (*Transaction, error) {
	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Status != StatusDisputed {
		return nil, ErrInvalidStatus
	}

	switch resolution {
	case IntentRelease:
		resolved, _, err := s.Release(ctx, id, actorID, "dispute resolved in payee's favor")
		return resolved, err
	case IntentRefund:
		return s.Refund(ctx, id, "dispute resolved in payer's favor")
	default:
		return nil, fmt.Errorf("unknown resolution %q (want release or refund)", resolution)
	}
}

// BulkResult is the per-transaction outcome of a bulk release.
type BulkResult struct {
	ID      string `json:"id"`
	Status  Status `json:"status,omitempty"`
	Already bool   `json:"already,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BulkRelease releases each transaction independently. One failure never
// rolls back the others.
func (s *Service) BulkRelease(ctx context.Context, ids []string, actorID string) []BulkResult {
	results := make([]BulkResult, 0, len(ids))
	for _, id := range ids {
		res := BulkResult{ID: id}
		txn, already, err := s.Release(ctx, id, actorID, "bulk release")
		if err != nil {
			res.Error = err.Error()
			if txn != nil {
				res.Status = txn.Status
			}
		} else {
			res.Status = txn.Status
			res.Already = already
		}
		results = append(results, res)
	}
	return results
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns transactions where the user is payer or payee.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

var errAlreadyFinal = errors.New("transaction already released")

// claimPayout moves a held or disputed transaction to processing,
// recording the payout intent and the status to restore on rejection.
// The CAS makes the claim exclusive: at most one payout per transaction.
func (s *Service) claimPayout(ctx context.Context, id, intent, actorID, reason string) (*Transaction, error) {
	mu := s.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if intent == IntentRelease && txn.Status == StatusReleased {
		return nil, errAlreadyFinal
	}
	if intent == IntentRefund && txn.Status == StatusRefunded {
		return nil, errAlreadyFinal
	}
	if txn.Status != StatusHeld && txn.Status != StatusDisputed {
		return nil, ErrInvalidStatus
	}

	if s.guard != nil {
		if err := s.guard.CheckPayable(ctx, id); err != nil {
			return nil, err
		}
	}

	prior := txn.Status
	txn.Status = StatusProcessing
	txn.Intent = intent
	txn.PriorStatus = prior
	if intent == IntentRelease {
		txn.ReleasedBy = actorID
		txn.ReleaseReason = reason
	}
	txn.UpdatedAt = time.Now()

	ok, err := s.commitTransition(ctx, txn, prior)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidStatus
	}

	s.recordTransition(prior, StatusProcessing)
	return txn, nil
}

// commitTransition persists a status change with a CAS on the expected
// prior status, refusing edges the lifecycle does not define.
func (s *Service) commitTransition(ctx context.Context, txn *Transaction, from Status) (bool, error) {
	if !CanTransition(from, txn.Status) {
		return false, fmt.Errorf("%w: %s to %s", ErrInvalidStatus, from, txn.Status)
	}
	return s.store.UpdateIfStatus(ctx, txn, from)
}

// MarkRefunded settles held or disputed funds whose refund was already
// paid out through the refund review flow. The beneficiary's pending
// share is forfeited and the transaction completes as refunded. Calling
// it on an already-refunded transaction is a no-op.
func (s *Service) MarkRefunded(ctx context.Context, id, payoutRef, reason string) (*Transaction, error) {
	mu := s.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Status == StatusRefunded {
		return txn, nil
	}
	if txn.Status != StatusHeld && txn.Status != StatusDisputed {
		return nil, ErrInvalidStatus
	}

	from := txn.Status
	txn.Status = StatusRefunded
	if payoutRef != "" {
		txn.PayoutRef = payoutRef
	}
	now := time.Now()
	txn.UpdatedAt = now
	txn.CompletedAt = &now

	ok, err := s.commitTransition(ctx, txn, from)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidStatus
	}

	if txn.PayeeAmount > 0 {
		if _, err := s.wallets.ForfeitPending(ctx, txn.Beneficiary(), txn.PayeeAmount, txn.ID, "escrow refunded"); err != nil {
			s.logger.Error("failed to reverse pending balance",
				"transactionId", txn.ID, "userId", txn.Beneficiary(), "error", err)
		}
	}

	s.recordTransition(from, StatusRefunded)
	s.logger.Info("escrow settled as refunded",
		"transactionId", txn.ID, "payerId", txn.PayerID, "reason", reason)
	return txn, nil
}

// executePayout runs the provider payout for a claimed transaction. The
// per-ID lock is not held here: provider calls can be slow and the claim
// already excludes concurrent payouts.
func (s *Service) executePayout(ctx context.Context, txn *Transaction, req gateway.PayoutRequest) (*Transaction, error) {
	gctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.gw.InitiatePayout(gctx, req)
	if err != nil {
		if gctx.Err() != nil {
			// Outcome unknown. Leave the claim in place for the sweep
			// to settle against the provider.
			metrics.PayoutsTotal.WithLabelValues("timeout").Inc()
			s.logger.Warn("payout timed out, leaving for reconciliation",
				"transactionId", txn.ID, "intent", txn.Intent)
			return txn, ErrPayoutPending
		}
		metrics.PayoutsTotal.WithLabelValues("rejected").Inc()
		if _, revErr := s.revertClaimByID(ctx, txn.ID, err.Error()); revErr != nil {
			s.logger.Error("failed to revert payout claim",
				"transactionId", txn.ID, "error", revErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrPayoutFailed, err)
	}

	mu := s.txnLock(txn.ID)
	mu.Lock()
	defer mu.Unlock()

	fresh, err := s.store.Get(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	fresh.PayoutRef = res.PayoutRef
	if !res.Meta.IsZero() {
		m := res.Meta
		fresh.Meta = &m
	}
	fresh.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, fresh); err != nil {
		return nil, fmt.Errorf("failed to persist payout reference: %w", err)
	}

	switch res.Status {
	case gateway.StatusSuccess:
		metrics.PayoutsTotal.WithLabelValues("success").Inc()
		if fresh.Intent == IntentRefund {
			return s.finalizeRefund(ctx, fresh)
		}
		return s.finalizeRelease(ctx, fresh)
	case gateway.StatusFailed:
		metrics.PayoutsTotal.WithLabelValues("failed").Inc()
		return s.revertClaim(ctx, fresh, "provider reported payout failed")
	default:
		// Accepted but not settled. The sweep will finalize it.
		metrics.PayoutsTotal.WithLabelValues("accepted").Inc()
		return fresh, nil
	}
}

// finalizeRelease completes a release: the beneficiary's pending share
// becomes available and the platform keeps its fee. Caller holds the txn
// lock or is the exclusive processing claimant.
func (s *Service) finalizeRelease(ctx context.Context, txn *Transaction) (*Transaction, error) {
	txn.Status = StatusReleased
	txn.Intent = ""
	txn.PriorStatus = ""
	now := time.Now()
	txn.ReleasedAt = &now
	txn.UpdatedAt = now
	txn.CompletedAt = &now

	ok, err := s.commitTransition(ctx, txn, StatusProcessing)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.store.Get(ctx, txn.ID)
	}

	if txn.PayeeAmount > 0 {
		if _, err := s.wallets.ReleasePending(ctx, txn.Beneficiary(), txn.PayeeAmount, txn.ID, "escrow released"); err != nil {
			s.logger.Error("failed to release pending balance",
				"transactionId", txn.ID, "userId", txn.Beneficiary(), "error", err)
		}
	}
	if txn.FeeAmount > 0 {
		if _, err := s.wallets.Credit(ctx, wallet.PlatformAccountID, txn.FeeAmount, txn.ID, "platform fee"); err != nil {
			s.logger.Error("failed to credit platform fee", "transactionId", txn.ID, "error", err)
		}
	}

	s.recordTransition(StatusProcessing, StatusReleased)
	s.logger.Info("escrow released",
		"transactionId", txn.ID, "releasedBy", txn.ReleasedBy,
		"payeeAmount", txn.PayeeAmount, "fee", txn.FeeAmount)
	return txn, nil
}

// finalizeRefund completes a refund: the beneficiary's pending share is
// reversed and the payer got the full amount back through the provider.
func (s *Service) finalizeRefund(ctx context.Context, txn *Transaction) (*Transaction, error) {
	txn.Status = StatusRefunded
	txn.Intent = ""
	txn.PriorStatus = ""
	now := time.Now()
	txn.UpdatedAt = now
	txn.CompletedAt = &now

	ok, err := s.commitTransition(ctx, txn, StatusProcessing)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.store.Get(ctx, txn.ID)
	}

	if txn.PayeeAmount > 0 {
		if _, err := s.wallets.ForfeitPending(ctx, txn.Beneficiary(), txn.PayeeAmount, txn.ID, "escrow refunded"); err != nil {
			s.logger.Error("failed to reverse pending balance",
				"transactionId", txn.ID, "userId", txn.Beneficiary(), "error", err)
		}
	}

	s.recordTransition(StatusProcessing, StatusRefunded)
	s.logger.Info("escrow refunded",
		"transactionId", txn.ID, "payerId", txn.PayerID, "amount", txn.Amount)
	return txn, nil
}

// revertClaim restores a processing transaction to its pre-claim status
// after a definite payout rejection.
func (s *Service) revertClaim(ctx context.Context, txn *Transaction, reason string) (*Transaction, error) {
	prior := txn.PriorStatus
	if prior == "" {
		prior = StatusHeld
	}
	txn.Status = prior
	txn.Intent = ""
	txn.PriorStatus = ""
	txn.ReleasedBy = ""
	txn.ReleaseReason = ""
	txn.FailureReason = reason
	txn.UpdatedAt = time.Now()

	ok, err := s.commitTransition(ctx, txn, StatusProcessing)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.store.Get(ctx, txn.ID)
	}

	s.recordTransition(StatusProcessing, prior)
	s.logger.Warn("payout rejected, claim reverted",
		"transactionId", txn.ID, "restoredStatus", prior, "reason", reason)
	return txn, nil
}

func (s *Service) revertClaimByID(ctx context.Context, id, reason string) (*Transaction, error) {
	mu := s.txnLock(id)
	mu.Lock()
	defer mu.Unlock()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Status != StatusProcessing {
		return txn, nil
	}
	return s.revertClaim(ctx, txn, reason)
}

func (s *Service) recordTransition(from, to Status) {
	metrics.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}
