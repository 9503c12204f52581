package draft

import (
	"regexp"
	"strings"
)

// Field paths used in missing field lists and clarifications.
const (
	SenderName        = "sender.fullName"
	SenderAddress     = "sender.addressLine1"
	SenderCity        = "sender.city"
	SenderPostalCode  = "sender.postalCode"
	SenderProvince    = "sender.province"
	SenderPhone       = "sender.phone"
	RecipientName     = "recipient.fullName"
	RecipientAddress  = "recipient.addressLine1"
	RecipientCity     = "recipient.city"
	RecipientPostal   = "recipient.postalCode"
	RecipientProvince = "recipient.province"
	RecipientPhone    = "recipient.phone"
	ParcelWeight      = "parcel.weightKg"
	ParcelDimensions  = "parcel.dimensions"
)

var labels = map[string]string{
	SenderName:        "nome mittente",
	SenderAddress:     "indirizzo mittente",
	SenderCity:        "città mittente",
	SenderPostalCode:  "CAP mittente",
	SenderProvince:    "provincia mittente",
	SenderPhone:       "telefono mittente",
	RecipientName:     "nome destinatario",
	RecipientAddress:  "indirizzo destinatario",
	RecipientCity:     "città destinatario",
	RecipientPostal:   "CAP destinazione",
	RecipientProvince: "provincia destinazione",
	RecipientPhone:    "telefono destinatario",
	ParcelWeight:      "peso",
	ParcelDimensions:  "dimensioni del pacco",
}

// FieldLabel returns the Italian label shown to users for a field path.
func FieldLabel(field string) string {
	if l, ok := labels[field]; ok {
		return l
	}
	return field
}

var (
	capRe      = regexp.MustCompile(`^\d{5}$`)
	provinceRe = regexp.MustCompile(`^[A-Z]{2}$`)
)

// ValidCap reports whether s is a five digit Italian postal code.
func ValidCap(s string) bool { return capRe.MatchString(s) }

// ValidProvinceCode reports whether s looks like a two letter province code.
func ValidProvinceCode(s string) bool { return provinceRe.MatchString(s) }

// MissingForPricing lists what a quote still needs: weight, a five digit
// destination CAP and a two letter destination province.
func MissingForPricing(d Draft) []string {
	var missing []string
	if d.Parcel.WeightKg <= 0 {
		missing = append(missing, ParcelWeight)
	}
	if !ValidCap(d.Recipient.PostalCode) {
		missing = append(missing, RecipientPostal)
	}
	if !ValidProvinceCode(d.Recipient.Province) {
		missing = append(missing, RecipientProvince)
	}
	return missing
}

// ReadyForPricing is MissingForPricing with no entries.
func ReadyForPricing(d Draft) bool {
	return len(MissingForPricing(d)) == 0
}

// MissingForBooking lists what the courier needs to create a shipment.
func MissingForBooking(d Draft) []string {
	var missing []string
	check := func(field, value string) {
		if value == "" {
			missing = append(missing, field)
		}
	}
	check(SenderName, d.Sender.FullName)
	check(SenderAddress, d.Sender.AddressLine1)
	check(SenderCity, d.Sender.City)
	if !ValidCap(d.Sender.PostalCode) {
		missing = append(missing, SenderPostalCode)
	}
	if !ValidProvinceCode(d.Sender.Province) {
		missing = append(missing, SenderProvince)
	}
	check(RecipientName, d.Recipient.FullName)
	check(RecipientAddress, d.Recipient.AddressLine1)
	check(RecipientCity, d.Recipient.City)
	if !ValidCap(d.Recipient.PostalCode) {
		missing = append(missing, RecipientPostal)
	}
	if !ValidProvinceCode(d.Recipient.Province) {
		missing = append(missing, RecipientProvince)
	}
	if d.Parcel.WeightKg <= 0 {
		missing = append(missing, ParcelWeight)
	}
	return missing
}

// Count returns how many fields are present.
func Count(d Draft) int {
	n := 0
	for _, p := range []Party{d.Sender, d.Recipient} {
		for _, v := range []string{p.FullName, p.Company, p.AddressLine1, p.City, p.PostalCode, p.Province, p.Phone, p.Email} {
			if v != "" {
				n++
			}
		}
	}
	for _, v := range []float64{d.Parcel.WeightKg, d.Parcel.LengthCm, d.Parcel.WidthCm, d.Parcel.HeightCm} {
		if v > 0 {
			n++
		}
	}
	return n
}

// JoinItalian joins items as "a, b e c".
func JoinItalian(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	}
	return strings.Join(items[:len(items)-1], ", ") + " e " + items[len(items)-1]
}

// BoldLabels returns the user labels of fields in markdown bold.
func BoldLabels(fields []string) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, "**"+FieldLabel(f)+"**")
	}
	return out
}

func partyField(d *Draft, field string) *string {
	p := &d.Recipient
	name := strings.TrimPrefix(field, "recipient.")
	if strings.HasPrefix(field, "sender.") {
		p = &d.Sender
		name = strings.TrimPrefix(field, "sender.")
	}
	switch name {
	case "fullName":
		return &p.FullName
	case "company":
		return &p.Company
	case "addressLine1":
		return &p.AddressLine1
	case "city":
		return &p.City
	case "postalCode":
		return &p.PostalCode
	case "province":
		return &p.Province
	case "phone":
		return &p.Phone
	case "email":
		return &p.Email
	}
	return nil
}

// Has reports whether field is present in d.
func Has(d Draft, field string) bool {
	switch field {
	case ParcelWeight:
		return d.Parcel.WeightKg > 0
	case ParcelDimensions:
		return d.Parcel.LengthCm > 0 && d.Parcel.WidthCm > 0 && d.Parcel.HeightCm > 0
	}
	if v := partyField(&d, field); v != nil {
		return *v != ""
	}
	return false
}

// Set returns d with a party field set to value. Unknown fields and
// parcel fields leave d unchanged.
func Set(d Draft, field, value string) Draft {
	if v := partyField(&d, field); v != nil {
		*v = value
	}
	return d
}
