// Package policy computes refund eligibility under the cancellation policy.
//
// The policy is a pure function of the booking's reference time (check-in or
// tour start), the amount originally paid, and the evaluation time. Callers
// pass the evaluation time explicitly so a refund request and a later audit
// of the same request always agree.
package policy

import (
	"math"
	"time"
)

// FreeCancelWindow is the minimum lead time for a full refund.
const FreeCancelWindow = 24 * time.Hour

// Calculation is the result of evaluating the cancellation policy.
// It is derived on demand and never persisted.
type Calculation struct {
	HoursUntilReference float64 `json:"hoursUntilReference"`
	CanCancel           bool    `json:"canCancel"`
	IsFreeCancel        bool    `json:"isFreeCancel"`
	RefundAmount        int64   `json:"refundAmount"`
	FeeRetained         int64   `json:"feeRetained"`
	Reason              string  `json:"reason,omitempty"`
}

// Evaluate applies the cancellation policy to a paid amount (minor currency
// units) against a reference time:
//
//   - reference already passed: cancellation is not allowed
//   - more than 24h away: free cancellation, full refund
//   - 24h or less away: cancellation allowed but nothing is refunded
func Evaluate(reference time.Time, amount int64, now time.Time) Calculation {
	hours := reference.Sub(now).Hours()
	calc := Calculation{
		HoursUntilReference: roundHours(hours),
	}

	if hours < 0 {
		calc.Reason = "reference time already passed"
		calc.FeeRetained = amount
		return calc
	}

	calc.CanCancel = true
	if hours > FreeCancelWindow.Hours() {
		calc.IsFreeCancel = true
		calc.RefundAmount = amount
		return calc
	}

	calc.FeeRetained = amount
	return calc
}

// roundHours keeps the reported lead time readable (2 decimal places)
// without affecting the eligibility decision, which uses the raw value.
func roundHours(h float64) float64 {
	return math.Round(h*100) / 100
}
