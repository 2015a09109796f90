// Package escrow mediates payments between payers and payees.
//
// Flow:
//  1. Payer initiates a deposit → provider collects the funds
//  2. Provider confirms → funds held, payee's share pending in their wallet
//  3. Service delivered → release pays the payee (minus the platform fee)
//  4. Problem → refund returns the full amount to the payer
//  5. Reconciliation sweeps anything the provider left in flight
package escrow

import (
	"errors"
	"time"

	"github.com/mucyo/paylock/internal/gateway"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidStatus       = errors.New("invalid transaction status for this operation")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrSameParty           = errors.New("payer and payee cannot be the same user")
	ErrDuplicateReference  = errors.New("reference already has an active transaction")
	ErrCollectionFailed    = errors.New("provider collection failed")
	ErrPayoutFailed        = errors.New("provider payout failed")
	ErrPayoutPending       = errors.New("payout outcome pending reconciliation")
	ErrRefundRequestOpen   = errors.New("transaction has an open refund request")
)

// Status represents the state of an escrow transaction.
type Status string

const (
	StatusInitiated  Status = "initiated"  // Created, provider not yet contacted
	StatusPending    Status = "pending"    // Provider collecting from the payer
	StatusProcessing Status = "processing" // Payout in flight, outcome unknown
	StatusHeld       Status = "held"       // Funds collected, held in escrow
	StatusReleased   Status = "released"   // Paid out to the payee
	StatusRefunded   Status = "refunded"   // Returned in full to the payer
	StatusCancelled  Status = "cancelled"  // Cancelled before any funds moved
	StatusFailed     Status = "failed"     // Collection or payout definitively failed
	StatusDisputed   Status = "disputed"   // Held funds frozen pending resolution
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Held and disputed funds can settle to refunded without passing through
// processing: an approved refund request pays its payout in the review
// flow and then settles the transaction directly.
var transitions = map[Status][]Status{
	StatusInitiated:  {StatusPending, StatusFailed},
	StatusPending:    {StatusHeld, StatusCancelled, StatusFailed},
	StatusHeld:       {StatusProcessing, StatusDisputed, StatusRefunded, StatusFailed},
	StatusDisputed:   {StatusProcessing, StatusRefunded, StatusFailed},
	StatusProcessing: {StatusReleased, StatusRefunded, StatusHeld, StatusDisputed, StatusFailed},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Payout intents recorded while a transaction is processing.
const (
	IntentRelease = "release"
	IntentRefund  = "refund"
)

// Transaction is one mediated payment from payer to payee. PayeeID may
// be empty: a pure deposit has no recipient and its escrowed share tops
// up the payer's own wallet on release.
type Transaction struct {
	ID           string `json:"id"`
	Reference    string `json:"reference"` // external booking/order reference
	PayerID      string `json:"payerId"`
	PayeeID      string `json:"payeeId,omitempty"`
	PayerContact string `json:"payerContact"`
	PayeeContact string `json:"payeeContact,omitempty"`

	Amount      int64  `json:"amount"` // minor currency units
	FeeAmount   int64  `json:"feeAmount"`
	PayeeAmount int64  `json:"payeeAmount"` // Amount - FeeAmount
	Currency    string `json:"currency"`

	Provider     string `json:"provider"`
	ProviderRef  string `json:"providerRef,omitempty"` // provider's collection reference
	PayoutRef    string `json:"payoutRef,omitempty"`   // provider's payout reference
	Instructions string `json:"instructions,omitempty"`

	Status      Status `json:"status"`
	Intent      string `json:"intent,omitempty"`      // release or refund while processing
	PriorStatus Status `json:"priorStatus,omitempty"` // status to restore if the payout is rejected

	Description   string `json:"description,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
	DisputeReason string `json:"disputeReason,omitempty"`
	NotifiedHeld  bool   `json:"-"`

	ReleasedAt    *time.Time `json:"releasedAt,omitempty"`
	ReleasedBy    string     `json:"releasedBy,omitempty"`
	ReleaseReason string     `json:"releaseReason,omitempty"`

	Meta *gateway.Meta `json:"meta,omitempty"` // provider response details

	LastStatusCheck  *time.Time `json:"lastStatusCheck,omitempty"`
	StatusCheckCount int        `json:"statusCheckCount"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Beneficiary is the wallet holding the escrowed share: the payee when
// one exists, otherwise the payer.
func (t *Transaction) Beneficiary() string {
	if t.PayeeID != "" {
		return t.PayeeID
	}
	return t.PayerID
}

// SplitFee divides an amount into the platform fee and the payee's share.
// The fee is amount * bps / 10000, rounded half up; the two parts always
// sum to the original amount.
func SplitFee(amount, bps int64) (fee, payee int64) {
	fee = (amount*bps + 5000) / 10000
	return fee, amount - fee
}
