package logging

import "strings"

// MaskPhone keeps the first five and last two digits of a phone number.
// "393401234567" becomes "39340*****67".
func MaskPhone(phone string) string {
	digits := make([]rune, 0, len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) <= 7 {
		return strings.Repeat("*", len(digits))
	}
	masked := make([]rune, len(digits))
	for i, r := range digits {
		if i < 5 || i >= len(digits)-2 {
			masked[i] = r
		} else {
			masked[i] = '*'
		}
	}
	return string(masked)
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

// MaskName reduces a personal name to its initials.
func MaskName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range fields {
		r := []rune(f)
		b.WriteRune(r[0])
		b.WriteRune('.')
	}
	return b.String()
}
