// Package gateway abstracts the external payment providers used to collect
// deposits from payers and push payouts to payees.
//
// Flow:
//  1. Escrow calls InitiateCollection → provider charges the payer
//  2. Provider confirms (webhook or poll) → funds held in escrow
//  3. Escrow calls InitiatePayout → provider pays the payee (or refunds the payer)
//  4. QueryStatus reconciles anything the provider left in flight
package gateway

import (
	"context"
	"errors"
)

var (
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrCollectionRejected  = errors.New("collection rejected by provider")
	ErrPayoutRejected      = errors.New("payout rejected by provider")
	ErrReferenceNotFound   = errors.New("reference not known to provider")
)

// Provider names.
const (
	ProviderMock      = "mock"
	ProviderXentriPay = "xentripay"
	ProviderPawaPay   = "pawapay"
	ProviderStripe    = "stripe"
)

// Status is the provider-side state of a collection or payout,
// normalized across providers.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPending Status = "pending"
)

// XentriPayMeta carries fields specific to XentriPay responses.
type XentriPayMeta struct {
	RefID        string `json:"refId,omitempty"`
	TID          string `json:"tid,omitempty"`
	ReplyCode    string `json:"replyCode,omitempty"`
	ReplyMessage string `json:"replyMessage,omitempty"`
}

// PawaPayMeta carries fields specific to PawaPay responses.
type PawaPayMeta struct {
	DepositID     string `json:"depositId,omitempty"`
	PayoutID      string `json:"payoutId,omitempty"`
	Correspondent string `json:"correspondent,omitempty"`
	FailureCode   string `json:"failureCode,omitempty"`
}

// CardMeta carries fields specific to card processor responses.
type CardMeta struct {
	IntentID     string `json:"intentId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Last4        string `json:"last4,omitempty"`
	DeclineCode  string `json:"declineCode,omitempty"`
}

// Meta holds provider-specific response details. At most one of the
// typed fields is set, matching the provider that produced it. Extra
// captures anything that doesn't fit the typed fields.
type Meta struct {
	XentriPay *XentriPayMeta    `json:"xentripay,omitempty"`
	PawaPay   *PawaPayMeta      `json:"pawapay,omitempty"`
	Card      *CardMeta         `json:"card,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// IsZero reports whether the provider returned no details worth keeping.
func (m Meta) IsZero() bool {
	return m.XentriPay == nil && m.PawaPay == nil && m.Card == nil && len(m.Extra) == 0
}

// CollectionRequest asks the provider to collect funds from a payer.
type CollectionRequest struct {
	Reference   string // our transaction ID, echoed back by the provider
	Amount      int64  // minor currency units
	Currency    string
	Contact     string // MSISDN or email, depending on provider
	Description string
}

// CollectionResult is the provider's response to a collection request.
type CollectionResult struct {
	ProviderRef  string // provider's ID for this collection
	Status       Status
	Instructions string // e.g. "Dial *182*7*1# to approve the payment"
	Meta         Meta
}

// PayoutRequest asks the provider to push funds to a recipient.
type PayoutRequest struct {
	Reference   string
	Amount      int64
	Currency    string
	Contact     string
	Description string
}

// PayoutResult is the provider's response to a payout request.
type PayoutResult struct {
	PayoutRef string
	Status    Status
	Meta      Meta
}

// StatusResult is the provider's current view of a collection or payout.
type StatusResult struct {
	Status   Status
	Amount   int64 // 0 if the provider doesn't echo the amount
	Currency string
	Meta     Meta
}

// Gateway is implemented by each payment provider integration.
type Gateway interface {
	Name() string
	InitiateCollection(ctx context.Context, req CollectionRequest) (*CollectionResult, error)
	InitiatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
	QueryStatus(ctx context.Context, providerRef string) (*StatusResult, error)
}
