package orchestrator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/workers/pricing"
)

// Button is a quick reply offered to the channel. Channels send ID back
// as the text of the next message.
type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

var confirmButtons = []Button{
	{ID: "conferma", Title: "Conferma"},
	{ID: "annulla", Title: "Annulla"},
}

// OptionButtons offers one button per quote shown, best first: the best
// one plus up to MaxAlternatives others.
func OptionButtons(options []agent.PricingOption) []Button {
	out := make([]Button, 0, len(options))
	for i, o := range options {
		if i == pricing.MaxAlternatives+1 {
			break
		}
		out = append(out, Button{
			ID:    fmt.Sprintf("opzione %d", i+1),
			Title: fmt.Sprintf("%s €%.2f", o.Carrier, o.Price),
		})
	}
	return out
}

// FormatPricingResponse renders the best quote and up to three
// alternatives.
func FormatPricingResponse(options []agent.PricingOption) string {
	if len(options) == 0 {
		return pricing.MsgNoQuotes
	}
	best := options[0]
	var b strings.Builder
	b.WriteString("💰 **Preventivo Spedizione**\n\n")
	b.WriteString("**Opzione Consigliata:**\n")
	fmt.Fprintf(&b, "• Corriere: %s\n", best.Carrier)
	fmt.Fprintf(&b, "• Servizio: %s\n", best.Service)
	fmt.Fprintf(&b, "• Prezzo: €%.2f\n", best.Price)
	fmt.Fprintf(&b, "• Consegna stimata: %d-%d giorni\n\n", best.DeliveryDaysMin, best.DeliveryDaysMax)

	others := options[1:]
	if len(others) > pricing.MaxAlternatives {
		others = others[:pricing.MaxAlternatives]
	}
	if len(others) > 0 {
		b.WriteString("**Altre opzioni disponibili:**\n")
		for i, o := range others {
			fmt.Fprintf(&b, "%d. %s (%s): €%.2f\n", i+2, o.Carrier, o.Service, o.Price)
		}
	}
	b.WriteString("\n💡 *Prezzi calcolati con margine applicato. I dati sono indicativi.*")
	return b.String()
}

// FormatBookingResult renders a booking outcome for the user.
func FormatBookingResult(r agent.BookingResult) string {
	switch r.Status {
	case agent.BookingBooked:
		var b strings.Builder
		b.WriteString("✅ **Spedizione prenotata!**\n\n")
		if r.Carrier != "" {
			fmt.Fprintf(&b, "• Corriere: %s\n", r.Carrier)
		}
		fmt.Fprintf(&b, "• Tracking: %s\n", r.TrackingNumber)
		if r.Price > 0 {
			fmt.Fprintf(&b, "• Costo: €%.2f\n", r.Price)
		}
		return strings.TrimRight(b.String(), "\n")
	case agent.BookingRetryable:
		if r.RetryAfter > 0 {
			return fmt.Sprintf("%s (riprova tra %d secondi)", r.Message, int(r.RetryAfter.Seconds()))
		}
	}
	return r.Message
}

var (
	optionNumberRe = regexp.MustCompile(`(?i)^\s*(?:(?:l'|la\s+)?opzione|scelgo(?:\s+la)?|prendo(?:\s+la)?|numero)?\s*(\d)\s*[.!]?\s*$`)
	optionInlineRe = regexp.MustCompile(`(?i)\bopzione\s+(\d)\b`)
	ordinalRe      = regexp.MustCompile(`(?i)\b(prima|seconda|terza|quarta)\b`)
)

var ordinals = map[string]int{"prima": 1, "seconda": 2, "terza": 3, "quarta": 4}

// SelectOption reads which quote the user picked: a bare number, an
// "opzione N", an ordinal, or the name of exactly one carrier.
func SelectOption(msg string, options []agent.PricingOption) (agent.PricingOption, bool) {
	if len(options) == 0 {
		return agent.PricingOption{}, false
	}
	pick := func(n int) (agent.PricingOption, bool) {
		if n < 1 || n > len(options) {
			return agent.PricingOption{}, false
		}
		return options[n-1], true
	}

	if m := optionNumberRe.FindStringSubmatch(msg); m != nil {
		n, _ := strconv.Atoi(m[1])
		return pick(n)
	}
	if m := optionInlineRe.FindStringSubmatch(msg); m != nil {
		n, _ := strconv.Atoi(m[1])
		return pick(n)
	}
	if m := ordinalRe.FindStringSubmatch(msg); m != nil {
		return pick(ordinals[strings.ToLower(m[1])])
	}

	lower := strings.ToLower(msg)
	var found []agent.PricingOption
	for _, o := range options {
		if o.Carrier != "" && regexp.MustCompile(`\b`+regexp.QuoteMeta(strings.ToLower(o.Carrier))+`\b`).MatchString(lower) {
			found = append(found, o)
		}
	}
	if len(found) == 1 {
		return found[0], true
	}
	return agent.PricingOption{}, false
}
