package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/mucyo/paylock/internal/idgen"
)

// Mock is an in-process gateway for demo/development mode and tests.
// By default every collection and payout succeeds immediately; behavior
// can be overridden per call via the function fields.
type Mock struct {
	CollectFn func(ctx context.Context, req CollectionRequest) (*CollectionResult, error)
	PayoutFn  func(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
	StatusFn  func(ctx context.Context, providerRef string) (*StatusResult, error)

	mu       sync.Mutex
	known    map[string]*StatusResult // providerRef -> last reported status
	Collects []CollectionRequest
	Payouts  []PayoutRequest
}

var _ Gateway = (*Mock)(nil)

// NewMock creates a mock gateway.
func NewMock() *Mock {
	return &Mock{known: make(map[string]*StatusResult)}
}

func (m *Mock) Name() string { return ProviderMock }

func (m *Mock) InitiateCollection(ctx context.Context, req CollectionRequest) (*CollectionResult, error) {
	if m.CollectFn != nil {
		m.record(func() { m.Collects = append(m.Collects, req) })
		return m.CollectFn(ctx, req)
	}

	ref := "mock_col_" + idgen.Hex(8)
	m.mu.Lock()
	m.Collects = append(m.Collects, req)
	m.known[ref] = &StatusResult{Status: StatusPending, Amount: req.Amount, Currency: req.Currency}
	m.mu.Unlock()

	return &CollectionResult{
		ProviderRef:  ref,
		Status:       StatusPending,
		Instructions: fmt.Sprintf("Approve the payment of %d %s on your phone", req.Amount, req.Currency),
	}, nil
}

func (m *Mock) InitiatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	if m.PayoutFn != nil {
		m.record(func() { m.Payouts = append(m.Payouts, req) })
		return m.PayoutFn(ctx, req)
	}

	ref := "mock_pay_" + idgen.Hex(8)
	m.mu.Lock()
	m.Payouts = append(m.Payouts, req)
	m.known[ref] = &StatusResult{Status: StatusSuccess, Amount: req.Amount, Currency: req.Currency}
	m.mu.Unlock()

	return &PayoutResult{PayoutRef: ref, Status: StatusSuccess}, nil
}

func (m *Mock) QueryStatus(ctx context.Context, providerRef string) (*StatusResult, error) {
	if m.StatusFn != nil {
		return m.StatusFn(ctx, providerRef)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.known[providerRef]; ok {
		cp := *st
		return &cp, nil
	}
	return nil, ErrReferenceNotFound
}

// SetStatus overrides the reported status of a reference. Used by the demo
// endpoints and tests to simulate provider confirmations.
func (m *Mock) SetStatus(providerRef string, st Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.known[providerRef]; ok {
		existing.Status = st
		return
	}
	m.known[providerRef] = &StatusResult{Status: st}
}

// PayoutCount returns how many payouts were attempted.
func (m *Mock) PayoutCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Payouts)
}

func (m *Mock) record(fn func()) {
	m.mu.Lock()
	fn()
	m.mu.Unlock()
}
