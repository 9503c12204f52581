// Package creation runs the multi-turn shipment creation chain. Fields are
// collected in a fixed order of stages; a stage is left only when its
// required fields are present.
package creation

import (
	"github.com/spediresicuro/anne/internal/draft"
)

const (
	PhaseCollecting = "collecting"
	PhaseReady      = "ready"
)

// Stage is one step of the chain.
type Stage struct {
	Name     string
	Fields   []string
	Optional bool
}

// Chain is the fixed collection order.
var Chain = []Stage{
	{Name: "names", Fields: []string{draft.SenderName, draft.RecipientName}},
	{Name: "locations", Fields: []string{draft.SenderCity, draft.RecipientCity}},
	{Name: "cap", Fields: []string{draft.SenderPostalCode, draft.RecipientPostal}},
	{Name: "address", Fields: []string{draft.SenderAddress, draft.RecipientAddress}},
	{Name: "phones", Fields: []string{draft.SenderPhone, draft.RecipientPhone}, Optional: true},
	{Name: "province", Fields: []string{draft.SenderProvince, draft.RecipientProvince}},
	{Name: "parcel", Fields: []string{draft.ParcelWeight}},
}

// Current returns the first stage with missing required fields and those
// fields. ok is false when the draft is complete.
func Current(d draft.Draft) (stage Stage, missing []string, ok bool) {
	for _, st := range Chain {
		if st.Optional {
			continue
		}
		for _, f := range st.Fields {
			if !present(d, f) {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			return st, missing, true
		}
	}
	return Stage{}, nil, false
}

func present(d draft.Draft, field string) bool {
	switch field {
	case draft.SenderPostalCode:
		return draft.ValidCap(d.Sender.PostalCode)
	case draft.RecipientPostal:
		return draft.ValidCap(d.Recipient.PostalCode)
	case draft.SenderProvince:
		return draft.ValidProvinceCode(d.Sender.Province)
	case draft.RecipientProvince:
		return draft.ValidProvinceCode(d.Recipient.Province)
	}
	return draft.Has(d, field)
}

// Complete reports whether every required stage is satisfied.
func Complete(d draft.Draft) bool {
	_, _, ok := Current(d)
	return !ok
}
