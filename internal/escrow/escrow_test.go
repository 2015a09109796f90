package escrow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mucyo/paylock/internal/gateway"
	"github.com/mucyo/paylock/internal/wallet"
)

type countingNotifier struct {
	held atomic.Int64
}

func (n *countingNotifier) FundsHeld(ctx context.Context, t *Transaction) {
	n.held.Add(1)
}

type fixture struct {
	service  *Service
	store    Store
	wallets  *wallet.Service
	gw       *gateway.Mock
	notifier *countingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gw := gateway.NewMock()
	store := NewMemoryStore()
	wallets := wallet.NewService(wallet.NewMemoryStore("RWF"))
	notifier := &countingNotifier{}
	service := NewService(store, wallets, gw, Options{
		FeeBps:         1000,
		Currency:       "RWF",
		GatewayTimeout: 2 * time.Second,
	}).WithNotifier(notifier)
	return &fixture{service: service, store: store, wallets: wallets, gw: gw, notifier: notifier}
}

func (f *fixture) deposit(t *testing.T) *Transaction {
	t.Helper()
	txn, err := f.service.CreateDeposit(context.Background(), CreateDepositRequest{
		Reference:    "booking-1",
		PayerID:      "payer-1",
		PayeeID:      "payee-1",
		PayerContact: "+250788123456",
		PayeeContact: "+250788654321",
		Amount:       10000,
	})
	if err != nil {
		t.Fatalf("CreateDeposit failed: %v", err)
	}
	return txn
}

func (f *fixture) heldDeposit(t *testing.T) *Transaction {
	t.Helper()
	txn := f.deposit(t)
	held, err := f.service.ApplyProviderStatus(context.Background(), txn.ID, gateway.StatusSuccess, "test")
	if err != nil {
		t.Fatalf("ApplyProviderStatus failed: %v", err)
	}
	if held.Status != StatusHeld {
		t.Fatalf("expected held, got %s", held.Status)
	}
	return held
}

func TestSplitFee(t *testing.T) {
	cases := []struct {
		amount, bps, fee, payee int64
	}{
		{10000, 1000, 1000, 9000},
		{10000, 0, 0, 10000},
		{1, 1000, 0, 1},     // 0.1 rounds down
		{5, 1000, 1, 4},     // 0.5 rounds up
		{999, 1000, 100, 899},
		{333, 1500, 50, 283}, // 49.95 rounds up
	}
	for _, tc := range cases {
		fee, payee := SplitFee(tc.amount, tc.bps)
		if fee != tc.fee || payee != tc.payee {
			t.Errorf("SplitFee(%d, %d) = (%d, %d), want (%d, %d)",
				tc.amount, tc.bps, fee, payee, tc.fee, tc.payee)
		}
		if fee+payee != tc.amount {
			t.Errorf("SplitFee(%d, %d): parts sum to %d", tc.amount, tc.bps, fee+payee)
		}
	}
}

func TestCreateDeposit(t *testing.T) {
	f := newFixture(t)
	txn := f.deposit(t)

	if txn.Status != StatusPending {
		t.Errorf("expected pending after initiation, got %s", txn.Status)
	}
	if txn.ProviderRef == "" {
		t.Error("expected a provider reference")
	}
	if txn.Instructions == "" {
		t.Error("expected payer instructions")
	}
	if txn.FeeAmount != 1000 || txn.PayeeAmount != 9000 {
		t.Errorf("expected 1000/9000 fee split, got %d/%d", txn.FeeAmount, txn.PayeeAmount)
	}
	if txn.Currency != "RWF" {
		t.Errorf("expected default currency RWF, got %s", txn.Currency)
	}
}

func TestCreateDepositProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.gw.CollectFn = func(ctx context.Context, req gateway.CollectionRequest) (*gateway.CollectionResult, error) {
		return nil, gateway.ErrProviderUnavailable
	}

	txn, err := f.service.CreateDeposit(context.Background(), CreateDepositRequest{
		Reference:    "booking-1",
		PayerID:      "payer-1",
		PayeeID:      "payee-1",
		PayerContact: "+250788123456",
		Amount:       10000,
	})
	if !errors.Is(err, ErrCollectionFailed) {
		t.Fatalf("expected ErrCollectionFailed, got %v", err)
	}
	if txn == nil || txn.Status != StatusFailed {
		t.Fatalf("expected failed transaction, got %+v", txn)
	}
	if txn.FailureReason == "" {
		t.Error("expected a failure reason")
	}
}

func TestCreateDepositValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.CreateDeposit(ctx, CreateDepositRequest{
		Reference: "b", PayerID: "u1", PayeeID: "u1", PayerContact: "+250788123456", Amount: 100,
	})
	if !errors.Is(err, ErrSameParty) {
		t.Errorf("expected ErrSameParty, got %v", err)
	}

	_, err = f.service.CreateDeposit(ctx, CreateDepositRequest{
		Reference: "b", PayerID: "u1", PayeeID: "u2", PayerContact: "+250788123456", Amount: 0,
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestCreateDepositDuplicateReference(t *testing.T) {
	f := newFixture(t)
	f.deposit(t)

	_, err := f.service.CreateDeposit(context.Background(), CreateDepositRequest{
		Reference:    "booking-1",
		PayerID:      "payer-2",
		PayeeID:      "payee-2",
		PayerContact: "+250788111222",
		Amount:       5000,
	})
	if !errors.Is(err, ErrDuplicateReference) {
		t.Errorf("expected ErrDuplicateReference for active reference, got %v", err)
	}
}

func TestProviderConfirmationHoldsFunds(t *testing.T) {
	f := newFixture(t)
	txn := f.heldDeposit(t)

	w, _ := f.wallets.Balance(context.Background(), "payee-1")
	if w.PendingBalance != txn.PayeeAmount {
		t.Errorf("expected payee pending %d, got %d", txn.PayeeAmount, w.PendingBalance)
	}
	if w.Balance != 0 {
		t.Errorf("expected payee available 0 while held, got %d", w.Balance)
	}
	if n := f.notifier.held.Load(); n != 1 {
		t.Errorf("expected 1 held notification, got %d", n)
	}
}

func TestProviderConfirmationIdempotent(t *testing.T) {
	f := newFixture(t)
	txn := f.heldDeposit(t)
	ctx := context.Background()

	// Webhook replay: same success report again.
	again, err := f.service.ApplyProviderStatus(ctx, txn.ID, gateway.StatusSuccess, "webhook")
	if err != nil {
		t.Fatalf("replayed ApplyProviderStatus failed: %v", err)
	}
	if again.Status != StatusHeld {
		t.Errorf("expected still held, got %s", again.Status)
	}

	w, _ := f.wallets.Balance(ctx, "payee-1")
	if w.PendingBalance != txn.PayeeAmount {
		t.Errorf("expected pending credited once (%d), got %d", txn.PayeeAmount, w.PendingBalance)
	}
	if n := f.notifier.held.Load(); n != 1 {
		t.Errorf("expected exactly 1 held notification after replay, got %d", n)
	}
}

func TestProviderFailureFailsPending(t *testing.T) {
	f := newFixture(t)
	txn := f.deposit(t)

	failed, err := f.service.ApplyProviderStatus(context.Background(), txn.ID, gateway.StatusFailed, "webhook")
	if err != nil {
		t.Fatalf("ApplyProviderStatus failed: %v", err)
	}
	if failed.Status != StatusFailed {
		t.Errorf("expected failed, got %s", failed.Status)
	}
}

func TestProviderStatusNeverOverwritesTerminal(t *testing.T) {
	f := newFixture(t)
	txn := f.heldDeposit(t)
	ctx := context.Background()

	if _, _, err := f.service.Release(ctx, txn.ID, "ops-1", ""); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// A late failure report must not clobber the released state.
	after, err := f.service.ApplyProviderStatus(ctx, txn.ID, gateway.StatusFailed, "webhook")
	if err != nil {
		t.Fatalf("ApplyProviderStatus failed: %v", err)
	}
	if after.Status != StatusReleased {
		t.Errorf("expected released to stick, got %s", after.Status)
	}
}

func TestReleaseHappyPath(t *testing.T) {
	f := newFixture(t)
	txn := f.heldDeposit(t)
	ctx := context.Background()

	released, already, err := f.service.Release(ctx, txn.ID, "ops-1", "service delivered")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if already {
		t.Error("first release should not report already")
	}
	if released.Status != StatusReleased {
		t.Fatalf("expected released, got %s", released.Status)
	}
	if released.PayoutRef == "" {
		t.Error("expected a payout reference")
	}
	if released.CompletedAt == nil {
		t.Error("expected completedAt to be set")
	}
	if released.ReleasedAt == nil {
		t.Error("expected releasedAt to be set")
	}
	if released.ReleasedBy != "ops-1" {
		t.Errorf("expected releasedBy ops-1, got %q", released.ReleasedBy)
	}
	if released.ReleaseReason != "service delivered" {
		t.Errorf("expected release reason recorded, got %q", released.ReleaseReason)
	}

	if len(f.gw.Payouts) != 1 {
		t.Fatalf("expected 1 payout, got %d", len(f.gw.Payouts))
	}
	if f.gw.Payouts[0].Amount != txn.PayeeAmount {
		t.Errorf("payout amount %d, want payee share %d", f.gw.Payouts[0].Amount, txn.PayeeAmount)
	}
	if f.gw.Payouts[0].Contact != "+250788654321" {
		t.Errorf("payout went to %s, want payee contact", f.gw.Payouts[0].Contact)
	}

	payee, _ := f.wallets.Balance(ctx, "payee-1")
	if payee.Balance != txn.PayeeAmount || payee.PendingBalance != 0 {
		t.Errorf("expected payee %d available / 0 pending, got %d / %d",
			txn.PayeeAmount, payee.Balance, payee.PendingBalance)
	}

	platform, _ := f.wallets.Balance(ctx, wallet.PlatformAccountID)
	if platform.Balance != txn.FeeAmount {
		t.Errorf("expected platform fee %d, got %d", txn.FeeAmount, platform.Balance)
	}
}

func TestReleaseTwiceIsNoOp(t *testing.T) {
	f := newFixture(t)
	txn := f.heldDeposit(t)
	ctx := context.Background()

	if _, _, err := f.service.Release(ctx, txn.ID, "ops-1", ""); err != nil {
		t.Fatalf("first release failed: %v", err)
	}

	again, already, err := f.service.Release(ctx, txn.ID, "ops-1", "")
	if err != nil {
		t.Fatalf("repeat release failed: %v", err)
	}
	if !already {
		t.Error("repeat release should report already")
	}
	if again.Status != StatusReleased {
		t.Errorf("expected released, got %s", again.Status)
	}
	if f.gw.PayoutCount() != 1 {
		t.Errorf("expected exactly 1 payout, got %d", f.gw.PayoutCount())
	}
}

func TestConcurrentReleaseSinglePayout(t *testing.T) {
	f := newFixture(t)
	txn := f.heldDeposit(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.service.Release(ctx, txn.ID, "ops-1", "") //nolint:errcheck
		}()
	}
	wg.Wait()

	if f.gw.PayoutCount() != 1 {
		t.Errorf("expected exactly 1 payout under contention, got %d", f.gw.PayoutCount())
	}
	final, _ := f.service.Get(ctx, txn.ID)
	if final.Status != StatusReleased {
		t.Errorf("expected released, got %s", final.Status)
	}
}

func TestReleaseRejectedRevertsToHeld(t *testing.T) {
	f := newFixture(t)
	txn := f.heldDeposit(t)
	f.gw.PayoutFn = func(ctx context.Context, req gateway.PayoutRequest) (*gateway.PayoutResult, error) {
		return nil, gateway.ErrPayoutRejected
	}

	_, _, err := f.service.Release(context.Background(), txn.ID, "ops-1", "")
	if !errors.Is(err, ErrPayoutFailed) {
		t.Fatalf("expected ErrPayoutFailed, got %v", err)
	}

	fresh, _ := f.service.Get(context.Background(), txn.ID)
	if fresh.Status != StatusHeld {
		t.Errorf("expected revert to held after rejection, got %s", fresh.Status)
	}

	// Funds still held, so a later release must succeed.
	f.gw.PayoutFn = nil
	if _, _, err := f.service.Release(context.Background(), txn.ID, "ops-1", ""); err != nil {
		t.Errorf("release after revert failed: %v", err)
	}
}

func TestReleaseTimeoutLeavesProcessing(t *testing.T) {
	f := newFixture(t)
	f.service.timeout = 20 * time.Millisecond
	txn := f.heldDeposit(t)
	f.gw.PayoutFn = func(ctx context.Context, req gateway.PayoutRequest) (*gateway.PayoutResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, _, err := f.service.Release(context.Background(), txn.ID, "ops-1", "")
	if !errors.Is(err, ErrPayoutPending) {
		t.Fatalf("expected ErrPayoutPending on timeout, got %v", err)
	}

	fresh, _ := f.service.Get(context.Background(), txn.ID)
	if fresh.Status != StatusProcessing {
		t.Errorf("expected processing left for reconciliation, got %s", fresh.Status)
	}
	if fresh.Intent != IntentRelease {
		t.Errorf("expected recorded release intent, got %q", fresh.Intent)
	}
}

func TestRefundHeldReturnsFullAmount(t *testing.T) {
	f := newFixture(t)
	txn := f.heldDeposit(t)
	ctx := context.Background()

	refunded, err := f.service.Refund(ctx, txn.ID, "service not delivered")
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if refunded.Status != StatusRefunded {
		t.Fatalf("expected refunded, got %s", refunded.Status)
	}

	if len(f.gw.Payouts) != 1 {
		t.Fatalf("expected 1 payout, got %d", len(f.gw.Payouts))
	}
	if f.gw.Payouts[0].Amount != txn.Amount {
		t.Errorf("refund payout %d, want full amount %d (no fee retained)",
			f.gw.Payouts[0].Amount, txn.Amount)
	}
	if f.gw.Payouts[0].Contact != "+250788123456" {
		t.Errorf("refund went to %s, want payer contact", f.gw.Payouts[0].Contact)
	}

	payee, _ := f.wallets.Balance(ctx, "payee-1")
	if payee.Balance != 0 || payee.PendingBalance != 0 {
		t.Errorf("expected payee balances reversed to 0/0, got %d/%d",
			payee.Balance, payee.PendingBalance)
	}
}

func TestRefundPendingCancels(t *testing.T) {
	f := newFixture(t)
	txn := f.deposit(t)

	cancelled, err := f.service.Refund(context.Background(), txn.ID, "changed my mind")
	if err != nil {
		t.Fatalf("Refund of pending failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("expected cancelled (no funds collected), got %s", cancelled.Status)
	}
	if f.gw.PayoutCount() != 0 {
		t.Errorf("expected no payout for pending cancellation, got %d", f.gw.PayoutCount())
	}
}

func TestCancelOnlyFromPending(t *testing.T) {
	f := newFixture(t)
	txn := f.heldDeposit(t)

	_, err := f.service.Cancel(context.Background(), txn.ID, "payer-1", "too late")
	if !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus cancelling held funds, got %v", err)
	}
}

func TestDisputeAndResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn := f.heldDeposit(t)
	disputed, err := f.service.Dispute(ctx, txn.ID, "item not as described")
	if err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}
	if disputed.Status != StatusDisputed {
		t.Fatalf("expected disputed, got %s", disputed.Status)
	}

	// A disputed transaction cannot be disputed again.
	if _, err := f.service.Dispute(ctx, txn.ID, "again"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus on double dispute, got %v", err)
	}

	resolved, err := f.service.ResolveDispute(ctx, txn.ID, "refund", "admin-1")
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if resolved.Status != StatusRefunded {
		t.Errorf("expected refunded resolution, got %s", resolved.Status)
	}
	if f.gw.Payouts[0].Amount != txn.Amount {
		t.Errorf("dispute refund payout %d, want full %d", f.gw.Payouts[0].Amount, txn.Amount)
	}
}

func TestResolveDisputeRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn := f.heldDeposit(t)
	if _, err := f.service.Dispute(ctx, txn.ID, "late delivery"); err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}

	resolved, err := f.service.ResolveDispute(ctx, txn.ID, "release", "admin-1")
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if resolved.Status != StatusReleased {
		t.Errorf("expected released resolution, got %s", resolved.Status)
	}
}

func TestBulkReleaseIndependentOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	held := f.heldDeposit(t)

	pending, err := f.service.CreateDeposit(ctx, CreateDepositRequest{
		Reference:    "booking-2",
		PayerID:      "payer-2",
		PayeeID:      "payee-2",
		PayerContact: "+250788111222",
		Amount:       3000,
	})
	if err != nil {
		t.Fatalf("second deposit failed: %v", err)
	}

	results := f.service.BulkRelease(ctx, []string{held.ID, pending.ID, "txn_missing"}, "admin-1")
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Error != "" || results[0].Status != StatusReleased {
		t.Errorf("expected first release to succeed, got %+v", results[0])
	}
	if results[1].Error == "" {
		t.Error("expected pending transaction release to fail")
	}
	if results[2].Error == "" {
		t.Error("expected missing transaction release to fail")
	}

	// The failing entries must not have blocked the succeeding one.
	final, _ := f.service.Get(ctx, held.ID)
	if final.Status != StatusReleased {
		t.Errorf("expected held txn released, got %s", final.Status)
	}
}

func TestStatusCheckBookkeepingAdvances(t *testing.T) {
	f := newFixture(t)
	txn := f.deposit(t)
	ctx := context.Background()

	// Even a no-op report advances the bookkeeping.
	if _, err := f.service.ApplyProviderStatus(ctx, txn.ID, gateway.StatusPending, "sweep"); err != nil {
		t.Fatalf("ApplyProviderStatus failed: %v", err)
	}

	fresh, _ := f.service.Get(ctx, txn.ID)
	if fresh.LastStatusCheck == nil {
		t.Error("expected lastStatusCheck to be set")
	}
	if fresh.StatusCheckCount != 1 {
		t.Errorf("expected statusCheckCount 1, got %d", fresh.StatusCheckCount)
	}
	if fresh.Status != StatusPending {
		t.Errorf("expected status unchanged, got %s", fresh.Status)
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusInitiated, StatusPending},
		{StatusPending, StatusHeld},
		{StatusHeld, StatusProcessing},
		{StatusHeld, StatusDisputed},
		{StatusHeld, StatusRefunded},
		{StatusDisputed, StatusProcessing},
		{StatusDisputed, StatusRefunded},
		{StatusProcessing, StatusReleased},
		{StatusProcessing, StatusRefunded},
		{StatusProcessing, StatusHeld},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}

	denied := [][2]Status{
		{StatusReleased, StatusRefunded},
		{StatusRefunded, StatusHeld},
		{StatusCancelled, StatusPending},
		{StatusPending, StatusReleased},
		{StatusInitiated, StatusHeld},
	}
	for _, pair := range denied {
		if CanTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be denied", pair[0], pair[1])
		}
	}
}

func TestDepositWithoutPayeeTopsUpPayer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, err := f.service.CreateDeposit(ctx, CreateDepositRequest{
		Reference:    "topup-1",
		PayerID:      "payer-1",
		PayerContact: "+250788123456",
		Amount:       10000,
	})
	if err != nil {
		t.Fatalf("CreateDeposit without payee failed: %v", err)
	}
	if txn.PayeeID != "" {
		t.Fatalf("expected no payee, got %q", txn.PayeeID)
	}

	held, err := f.service.ApplyProviderStatus(ctx, txn.ID, gateway.StatusSuccess, "webhook")
	if err != nil {
		t.Fatalf("ApplyProviderStatus failed: %v", err)
	}
	if held.Status != StatusHeld {
		t.Fatalf("expected held, got %s", held.Status)
	}

	w, _ := f.wallets.Balance(ctx, "payer-1")
	if w.PendingBalance != txn.PayeeAmount {
		t.Errorf("expected payer pending %d, got %d", txn.PayeeAmount, w.PendingBalance)
	}

	released, _, err := f.service.Release(ctx, txn.ID, "ops-1", "")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released.Status != StatusReleased {
		t.Fatalf("expected released, got %s", released.Status)
	}
	// No recipient means no payout leg; the funds land in the payer's
	// own wallet.
	if f.gw.PayoutCount() != 0 {
		t.Errorf("expected no gateway payout, got %d", f.gw.PayoutCount())
	}

	w, _ = f.wallets.Balance(ctx, "payer-1")
	if w.Balance != txn.PayeeAmount || w.PendingBalance != 0 {
		t.Errorf("expected payer %d available / 0 pending, got %d / %d",
			txn.PayeeAmount, w.Balance, w.PendingBalance)
	}
	platform, _ := f.wallets.Balance(ctx, wallet.PlatformAccountID)
	if platform.Balance != txn.FeeAmount {
		t.Errorf("expected platform fee %d, got %d", txn.FeeAmount, platform.Balance)
	}
}

func TestProviderMetaPersisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.gw.CollectFn = func(ctx context.Context, req gateway.CollectionRequest) (*gateway.CollectionResult, error) {
		return &gateway.CollectionResult{
			ProviderRef:  "mock_col_meta",
			Status:       gateway.StatusPending,
			Instructions: "approve on your phone",
			Meta: gateway.Meta{
				XentriPay: &gateway.XentriPayMeta{RefID: "XP-991", ReplyCode: "01"},
			},
		}, nil
	}

	txn := f.deposit(t)
	if txn.Meta == nil || txn.Meta.XentriPay == nil || txn.Meta.XentriPay.RefID != "XP-991" {
		t.Fatalf("expected collection meta on transaction, got %+v", txn.Meta)
	}

	fresh, _ := f.service.Get(ctx, txn.ID)
	if fresh.Meta == nil || fresh.Meta.XentriPay == nil || fresh.Meta.XentriPay.RefID != "XP-991" {
		t.Errorf("expected stored meta to survive a reload, got %+v", fresh.Meta)
	}

	f.gw.PayoutFn = func(ctx context.Context, req gateway.PayoutRequest) (*gateway.PayoutResult, error) {
		return &gateway.PayoutResult{
			PayoutRef: "mock_pay_meta",
			Status:    gateway.StatusSuccess,
			Meta: gateway.Meta{
				XentriPay: &gateway.XentriPayMeta{TID: "T-4410"},
			},
		}, nil
	}
	if _, err := f.service.ApplyProviderStatus(ctx, txn.ID, gateway.StatusSuccess, "webhook"); err != nil {
		t.Fatalf("ApplyProviderStatus failed: %v", err)
	}
	released, _, err := f.service.Release(ctx, txn.ID, "ops-1", "")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released.Meta == nil || released.Meta.XentriPay == nil || released.Meta.XentriPay.TID != "T-4410" {
		t.Errorf("expected payout meta on released transaction, got %+v", released.Meta)
	}
}

func TestLifecycleGuardsStatusWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn := f.deposit(t)
	txn.Status = StatusReleased
	ok, err := f.service.commitTransition(ctx, txn, StatusPending)
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus for pending -> released, got %v", err)
	}
	if ok {
		t.Error("illegal transition must not report success")
	}

	fresh, _ := f.service.Get(ctx, txn.ID)
	if fresh.Status != StatusPending {
		t.Errorf("expected stored status untouched, got %s", fresh.Status)
	}
}

func TestHeldNotificationRedelivered(t *testing.T) {
	f := newFixture(t)
	txn := f.heldDeposit(t)
	ctx := context.Background()

	// Simulate a crash between committing the hold and notifying: the
	// stored row says held but the notified flag never made it out.
	stored, err := f.store.Get(ctx, txn.ID)
	if err != nil {
		t.Fatalf("store Get failed: %v", err)
	}
	stored.NotifiedHeld = false
	if err := f.store.Update(ctx, stored); err != nil {
		t.Fatalf("store Update failed: %v", err)
	}

	if _, err := f.service.ApplyProviderStatus(ctx, txn.ID, gateway.StatusSuccess, "webhook"); err != nil {
		t.Fatalf("ApplyProviderStatus failed: %v", err)
	}
	if n := f.notifier.held.Load(); n != 2 {
		t.Errorf("expected redelivered held notification (2 total), got %d", n)
	}

	fresh, _ := f.service.Get(ctx, txn.ID)
	if !fresh.NotifiedHeld {
		t.Error("expected notified flag persisted after redelivery")
	}
	w, _ := f.wallets.Balance(ctx, "payee-1")
	if w.PendingBalance != txn.PayeeAmount {
		t.Errorf("redelivery must not re-credit: pending %d, want %d", w.PendingBalance, txn.PayeeAmount)
	}
}

func TestProviderSuccessIgnoredBeforeCollection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := time.Now()
	txn := &Transaction{
		ID:           "txn_precollect",
		Reference:    "booking-raw",
		PayerID:      "payer-1",
		PayeeID:      "payee-1",
		PayerContact: "+250788123456",
		Amount:       10000,
		FeeAmount:    1000,
		PayeeAmount:  9000,
		Currency:     "RWF",
		Status:       StatusInitiated,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := f.store.Create(ctx, txn); err != nil {
		t.Fatalf("store Create failed: %v", err)
	}

	after, err := f.service.ApplyProviderStatus(ctx, txn.ID, gateway.StatusSuccess, "webhook")
	if err != nil {
		t.Fatalf("ApplyProviderStatus failed: %v", err)
	}
	if after.Status != StatusInitiated {
		t.Errorf("expected success report ignored before collection, got %s", after.Status)
	}
	w, _ := f.wallets.Balance(ctx, "payee-1")
	if w.PendingBalance != 0 {
		t.Errorf("expected no pending credit, got %d", w.PendingBalance)
	}

	failed, err := f.service.ApplyProviderStatus(ctx, txn.ID, gateway.StatusFailed, "webhook")
	if err != nil {
		t.Fatalf("ApplyProviderStatus failed: %v", err)
	}
	if failed.Status != StatusFailed {
		t.Errorf("expected failure report to close the row, got %s", failed.Status)
	}
}
