// Package intent classifies inbound messages with deterministic pattern
// tables so that cheap paths never wait on a model.
package intent

import (
	"strings"

	"github.com/spediresicuro/anne/internal/acting"
	"github.com/spediresicuro/anne/internal/policy"
)

// Intent is the routing class of a message.
type Intent string

const (
	None             Intent = "none"
	EndDelegation    Intent = "end_delegation"
	Delegation       Intent = "delegation"
	Confirm          Intent = "confirm"
	Cancel           Intent = "cancel"
	OCR              Intent = "ocr"
	Pricing          Intent = "pricing"
	ShipmentCreation Intent = "shipment_creation"
	PriceList        Intent = "price_list"
	Outreach         Intent = "outreach"
	CRM              Intent = "crm"
	Support          Intent = "support"
	Greeting         Intent = "greeting"
	Mentor           Intent = "mentor"
)

// Hints carry the conversation state that changes how a message reads.
type Hints struct {
	// AwaitingConfirmation is set when quotes or a pending action wait for
	// a yes or no.
	AwaitingConfirmation bool
	// CreationActive is set while the creation chain collects fields.
	CreationActive bool
}

type rule struct {
	intent Intent
	match  func(msg string, h Hints) bool
}

// Order matters: the first matching rule wins.
var rules = []rule{
	{EndDelegation, func(m string, _ Hints) bool { return acting.DetectEndDelegationIntent(m) }},
	{Delegation, func(m string, _ Hints) bool { return acting.DetectDelegationIntent(m) }},
	{Cancel, func(m string, h Hints) bool {
		return (h.AwaitingConfirmation && policy.DetectConfirmation(m) == policy.ConfirmationNo) ||
			(h.CreationActive && DetectCancelCreation(m))
	}},
	{Confirm, func(m string, h Hints) bool {
		return h.AwaitingConfirmation && policy.DetectConfirmation(m) == policy.ConfirmationYes
	}},
	{OCR, func(m string, _ Hints) bool { return ContainsOCRPatterns(m) }},
	{Pricing, func(m string, _ Hints) bool { return DetectPricing(m) }},
	{ShipmentCreation, func(m string, h Hints) bool { return DetectShipmentCreation(m) }},
	{ShipmentCreation, func(_ string, h Hints) bool { return h.CreationActive }},
	{PriceList, func(m string, _ Hints) bool { return DetectPriceList(m) }},
	{Outreach, func(m string, _ Hints) bool { return DetectOutreach(m) }},
	{CRM, func(m string, _ Hints) bool { return DetectCRM(m) }},
	{Support, func(m string, _ Hints) bool { return DetectSupport(m) }},
	{Pricing, func(m string, _ Hints) bool { return DetectPricingKeyword(m) }},
	{Greeting, func(m string, _ Hints) bool { return DetectGreeting(m) }},
}

// Classify returns the intent of msg. Messages that match no table go to
// the mentor.
func Classify(msg string, h Hints) Intent {
	if strings.TrimSpace(msg) == "" {
		return None
	}
	for _, r := range rules {
		if r.match(msg, h) {
			return r.intent
		}
	}
	return Mentor
}

// ClassifyTask is Classify without the delegation rules. It reads the
// request that follows a delegation phrase in the same message.
func ClassifyTask(msg string, h Hints) Intent {
	if strings.TrimSpace(msg) == "" {
		return None
	}
	for _, r := range rules {
		if r.intent == EndDelegation || r.intent == Delegation {
			continue
		}
		if r.match(msg, h) {
			return r.intent
		}
	}
	return Mentor
}
