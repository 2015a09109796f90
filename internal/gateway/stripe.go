package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mucyo/paylock/internal/retry"
)

// StripeGateway collects card payments via PaymentIntents and pushes
// payouts via the Payouts API.
type StripeGateway struct {
	api *client.API
}

var _ Gateway = (*StripeGateway)(nil)

// NewStripeGateway creates a Stripe-backed gateway.
func NewStripeGateway(secretKey string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api}
}

func (g *StripeGateway) Name() string { return ProviderStripe }

func (g *StripeGateway) InitiateCollection(ctx context.Context, req CollectionRequest) (*CollectionResult, error) {
	params := &stripe.PaymentIntentParams{
		Params:      stripe.Params{Context: ctx},
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Description: stripe.String(req.Description),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.AddMetadata("reference", req.Reference)
	if req.Contact != "" {
		params.ReceiptEmail = stripe.String(req.Contact)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCollectionRejected, err)
	}

	return &CollectionResult{
		ProviderRef:  pi.ID,
		Status:       intentStatus(pi.Status),
		Instructions: "Complete the card payment to confirm your booking",
		Meta: Meta{Card: &CardMeta{
			IntentID:     pi.ID,
			ClientSecret: pi.ClientSecret,
		}},
	}, nil
}

func (g *StripeGateway) InitiatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	params := &stripe.PayoutParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
	}
	params.AddMetadata("reference", req.Reference)

	po, err := g.api.Payouts.New(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayoutRejected, err)
	}

	return &PayoutResult{PayoutRef: po.ID, Status: payoutStatus(po.Status)}, nil
}

// QueryStatus retrieves the current state of a PaymentIntent or Payout.
// Transient API errors are retried; the caller's ctx bounds the total time.
func (g *StripeGateway) QueryStatus(ctx context.Context, providerRef string) (*StatusResult, error) {
	var result *StatusResult

	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		if strings.HasPrefix(providerRef, "po_") {
			po, err := g.api.Payouts.Get(providerRef, &stripe.PayoutParams{Params: stripe.Params{Context: ctx}})
			if err != nil {
				return classifyStripeErr(err)
			}
			result = &StatusResult{
				Status:   payoutStatus(po.Status),
				Amount:   po.Amount,
				Currency: strings.ToUpper(string(po.Currency)),
			}
			return nil
		}

		pi, err := g.api.PaymentIntents.Get(providerRef, &stripe.PaymentIntentParams{Params: stripe.Params{Context: ctx}})
		if err != nil {
			return classifyStripeErr(err)
		}
		result = &StatusResult{
			Status:   intentStatus(pi.Status),
			Amount:   pi.Amount,
			Currency: strings.ToUpper(string(pi.Currency)),
			Meta:     Meta{Card: &CardMeta{IntentID: pi.ID}},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func classifyStripeErr(err error) error {
	if stripeErr, ok := err.(*stripe.Error); ok {
		switch stripeErr.HTTPStatusCode {
		case 404:
			return retry.Permanent(ErrReferenceNotFound)
		case 401, 403:
			return retry.Permanent(err)
		}
	}
	return err
}

func intentStatus(s stripe.PaymentIntentStatus) Status {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSuccess
	case stripe.PaymentIntentStatusCanceled:
		return StatusFailed
	default:
		return StatusPending
	}
}

func payoutStatus(s stripe.PayoutStatus) Status {
	switch s {
	case stripe.PayoutStatusPaid:
		return StatusSuccess
	case stripe.PayoutStatusFailed, stripe.PayoutStatusCanceled:
		return StatusFailed
	default:
		return StatusPending
	}
}
