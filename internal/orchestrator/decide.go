// Package orchestrator routes each inbound message through the workers and
// turns the resulting state into exactly one terminal outcome.
package orchestrator

import (
	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/draft"
)

// DecisionInput is what the router knows before invoking a worker.
type DecisionInput struct {
	IsPricingIntent         bool
	HasPricingOptions       bool
	HasClarificationRequest bool
	HasEnoughData           bool
	HasOCRPatterns          bool
	HasBookingConfirmation  bool
	HasBookingResult        bool
	PreflightPassed         bool
}

// DecideNextStep picks the first worker of the shipment path. Messages
// that are neither pricing nor OCR fall through to the mentor.
func DecideNextStep(in DecisionInput) agent.Step {
	switch {
	case in.HasBookingResult:
		return agent.StepEnd
	case in.HasPricingOptions && in.HasBookingConfirmation && in.PreflightPassed:
		return agent.StepBooking
	case in.HasPricingOptions, in.HasClarificationRequest:
		return agent.StepEnd
	case in.HasOCRPatterns:
		return agent.StepOCR
	case !in.IsPricingIntent:
		return agent.StepMentor
	case in.HasEnoughData:
		return agent.StepPricing
	default:
		return agent.StepAddress
	}
}

// HasEnoughDataForPricing reports a positive weight, a five digit CAP and
// a two letter province for the recipient.
func HasEnoughDataForPricing(d draft.Draft) bool {
	return d.Parcel.WeightKg > 0 &&
		len(d.Recipient.PostalCode) == 5 &&
		len(d.Recipient.Province) == 2
}
