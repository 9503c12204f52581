package intent

import (
	"regexp"
	"strings"
)

var (
	capRe    = regexp.MustCompile(`\b\d{5}\b`)
	weightRe = regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s*(?:kg|chili|chilo|kilo|kili|chilogrammi)\b`)

	pricingKeywords = []string{"preventivo", "prezzo", "costo", "quanto costa", "spedizione", "spedire"}
	pricingExcludes = []string{"report", "fatturato", "margine", "ricavo", "guadagno", "statistiche"}

	creationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:voglio|devo|vorrei|dovrei)\s+spedire\b`),
		regexp.MustCompile(`(?i)\b(?:crea|creare|fare|fai|ordina|prenota|nuova)\s+(?:una\s+)?spedizione\b`),
		regexp.MustCompile(`(?i)\b(?:manda|mandare|spedire|inviare|invia)\s+un\s+pacco\b`),
		regexp.MustCompile(`(?i)\b(?:vorrei|voglio|devo)\s+mandare\b`),
	}
	creationExcludes = []string{"traccia", "tracking", "annulla spedizione", "preventivo", "quanto costa", "report"}

	cancelCreationRe = regexp.MustCompile(`(?i)\b(?:annulla|lascia perdere|basta|stop|ricomincia)\b`)

	greetingRe = regexp.MustCompile(`(?i)^\s*(?:ciao|salve|buongiorno|buonasera|buon pomeriggio|hey|hello|hola)\b`)

	priceListRe = regexp.MustCompile(`(?i)\b(?:listin[oi]|tariffario|tariffe)\b`)

	crmRe = regexp.MustCompile(`(?i)\b(?:lead|prospect|pipeline|crm|trattativ[ae]|funnel|tasso di conversione)\b|cosa (?:devo|dovrei) fare oggi|chi (?:devo|dovrei) contattare`)

	outreachRe = regexp.MustCompile(`(?i)\b(?:outreach|sequenz[ae]|campagn[ae]|follow-?up|enrollment|template)\b`)

	supportPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:traccia|tracking|tracciamento|dove si trova|stato spedizione|il mio pacco)\b|\bdov'?[eè]`),
		regexp.MustCompile(`(?i)\b(?:giacenza|in giacenza|fermo|bloccato|deposito|non consegnato|tentativo di consegna)\b`),
		regexp.MustCompile(`(?i)\b(?:cancella|annulla|annullare|cancellare|storna|stornare|disdici)\b`),
		regexp.MustCompile(`(?i)\b(?:rimborso|rimbors\w*|riaccredito|riaccreditare|indietro i soldi)\b`),
		regexp.MustCompile(`(?i)\b(?:problema|errore|non funziona|non riesco|aiuto|assistenza|supporto|reclamo)\b`),
		regexp.MustCompile(`(?i)\b(?:corriere|gls|brt|bartolini|poste|sda|ups|dhl|tnt|fedex)\b.*\b(?:problema|errore|ritardo|perso|smarrit\w*|danneggiat\w*)`),
		regexp.MustCompile(`(?i)\b(?:consegna fallita|destinatario assente|indirizzo errato|sbagliato)\b`),
		regexp.MustCompile(`(?i)\b(?:contrassegno|cod|pagamento alla consegna)\b.*\b(?:problema|non pagat\w*|rifiutat\w*)`),
	}

	ocrPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)destinatario\s*[:;]`),
		regexp.MustCompile(`(?i)indirizzo\s*[:;]`),
		regexp.MustCompile(`(?i)via\s+[a-z]+`),
		regexp.MustCompile(`(?i)piazza\s+[a-z]+`),
		regexp.MustCompile(`(?i)corso\s+[a-z]+`),
		regexp.MustCompile(`(?i)cap\s*[:;]?\s*\d{5}`),
		regexp.MustCompile(`(?i)\d{5}\s+[a-z]+\s*\(?[a-z]{2}\)?`),
		regexp.MustCompile(`(?i)tel\.?\s*[:;]?\s*[\d\s\-+]+`),
		regexp.MustCompile(`(?i)telefono\s*[:;]?\s*[\d\s\-+]+`),
		regexp.MustCompile(`(?i)prov\.?\s*[:;]?\s*[a-z]{2}`),
		regexp.MustCompile(`(?i)provincia\s*[:;]?\s*[a-z]{2}`),
		regexp.MustCompile(`(?i)nome\s*[:;]`),
		regexp.MustCompile(`(?i)cognome\s*[:;]`),
		regexp.MustCompile(`(?i)spedizione\s*a\s*[:;]?`),
		regexp.MustCompile(`(?i)consegna\s*[:;]`),
		regexp.MustCompile(`(?i)peso\s*[:;]?\s*\d+[,.]?\d*\s*(?:kg|g)`),
	}
)

// MinOCRTextLength is the shortest text considered a pasted label.
const MinOCRTextLength = 20

func containsAny(lower string, words []string) bool {
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func matchesAny(msg string, res []*regexp.Regexp) bool {
	for _, re := range res {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}

// HasCap reports whether msg carries a 5 digit CAP.
func HasCap(msg string) bool { return capRe.MatchString(msg) }

// HasWeight reports whether msg carries a weight with a unit.
func HasWeight(msg string) bool { return weightRe.MatchString(msg) }

// DetectPricingKeyword reports a pricing keyword without looking for data.
func DetectPricingKeyword(msg string) bool {
	lower := strings.ToLower(msg)
	return containsAny(lower, pricingKeywords) && !containsAny(lower, pricingExcludes)
}

// DetectPricing reports a quote request: a pricing keyword plus a CAP or a
// weight, and none of the reporting words.
func DetectPricing(msg string) bool {
	return DetectPricingKeyword(msg) && (HasCap(msg) || HasWeight(msg))
}

// DetectShipmentCreation reports an explicit request to create a shipment.
// A bare "spedire a X" is a quote, not a creation.
func DetectShipmentCreation(msg string) bool {
	lower := strings.ToLower(msg)
	if lower == "" || containsAny(lower, creationExcludes) {
		return false
	}
	return matchesAny(msg, creationPatterns)
}

// DetectCancelCreation reports a request to abandon the creation flow.
func DetectCancelCreation(msg string) bool {
	return cancelCreationRe.MatchString(msg)
}

// DetectGreeting reports a short greeting.
func DetectGreeting(msg string) bool {
	return len([]rune(strings.TrimSpace(msg))) <= 40 && greetingRe.MatchString(msg)
}

// DetectPriceList reports a request about price lists.
func DetectPriceList(msg string) bool { return priceListRe.MatchString(msg) }

// DetectCRM reports a sales pipeline question.
func DetectCRM(msg string) bool { return crmRe.MatchString(msg) }

// DetectOutreach reports an outreach sequence request.
func DetectOutreach(msg string) bool { return outreachRe.MatchString(msg) }

// DetectSupport reports an after-sale request: tracking, holds,
// cancellations, refunds, delivery problems.
func DetectSupport(msg string) bool { return matchesAny(msg, supportPatterns) }

// ContainsOCRPatterns reports text that looks like a pasted shipping
// label: at least two label patterns in a text of MinOCRTextLength runes.
func ContainsOCRPatterns(text string) bool {
	if len([]rune(strings.TrimSpace(text))) < MinOCRTextLength {
		return false
	}
	n := 0
	for _, re := range ocrPatterns {
		if re.MatchString(text) {
			n++
			if n >= 2 {
				return true
			}
		}
	}
	return false
}
