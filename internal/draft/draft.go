// Package draft holds the shipment record assembled across conversation
// turns. A zero value field is absent.
package draft

import (
	"strings"
)

// Party is a sender or a recipient.
type Party struct {
	FullName     string `json:"fullName,omitempty"`
	Company      string `json:"company,omitempty"`
	AddressLine1 string `json:"addressLine1,omitempty"`
	City         string `json:"city,omitempty"`
	PostalCode   string `json:"postalCode,omitempty"`
	Province     string `json:"province,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Email        string `json:"email,omitempty"`
}

// Parcel is the physical package.
type Parcel struct {
	WeightKg float64 `json:"weightKg,omitempty"`
	LengthCm float64 `json:"lengthCm,omitempty"`
	WidthCm  float64 `json:"widthCm,omitempty"`
	HeightCm float64 `json:"heightCm,omitempty"`
}

// Draft is the partially filled shipment.
type Draft struct {
	Sender    Party  `json:"sender"`
	Recipient Party  `json:"recipient"`
	Parcel    Parcel `json:"parcel"`
	Notes     string `json:"notes,omitempty"`
}

// Merge returns base updated with every present field of update. Absent
// fields in update never clear a value in base.
func Merge(base, update Draft) Draft {
	out := base
	out.Sender = mergeParty(base.Sender, update.Sender)
	out.Recipient = mergeParty(base.Recipient, update.Recipient)
	out.Parcel = mergeParcel(base.Parcel, update.Parcel)
	out.Notes = pick(base.Notes, update.Notes)
	return out
}

func mergeParty(base, update Party) Party {
	return Party{
		FullName:     pick(base.FullName, update.FullName),
		Company:      pick(base.Company, update.Company),
		AddressLine1: pick(base.AddressLine1, update.AddressLine1),
		City:         pick(base.City, update.City),
		PostalCode:   pick(base.PostalCode, update.PostalCode),
		Province:     pick(base.Province, update.Province),
		Phone:        pick(base.Phone, update.Phone),
		Email:        pick(base.Email, update.Email),
	}
}

func mergeParcel(base, update Parcel) Parcel {
	return Parcel{
		WeightKg: pickNum(base.WeightKg, update.WeightKg),
		LengthCm: pickNum(base.LengthCm, update.LengthCm),
		WidthCm:  pickNum(base.WidthCm, update.WidthCm),
		HeightCm: pickNum(base.HeightCm, update.HeightCm),
	}
}

func pick(old, update string) string {
	if strings.TrimSpace(update) == "" {
		return old
	}
	return update
}

func pickNum(old, update float64) float64 {
	if update <= 0 {
		return old
	}
	return update
}

// Normalize trims whitespace, collapses inner spaces and upper-cases
// provinces.
func Normalize(d Draft) Draft {
	d.Sender = normalizeParty(d.Sender)
	d.Recipient = normalizeParty(d.Recipient)
	return d
}

func normalizeParty(p Party) Party {
	p.FullName = collapse(p.FullName)
	p.Company = collapse(p.Company)
	p.AddressLine1 = collapse(p.AddressLine1)
	p.City = collapse(p.City)
	p.PostalCode = strings.TrimSpace(p.PostalCode)
	p.Province = strings.ToUpper(strings.TrimSpace(p.Province))
	p.Phone = strings.Join(strings.Fields(p.Phone), "")
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	return p
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// IsEmpty reports whether no field is present.
func (d Draft) IsEmpty() bool {
	return d == Draft{}
}
