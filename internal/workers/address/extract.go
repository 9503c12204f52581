package address

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/spediresicuro/anne/internal/draft"
	"github.com/spediresicuro/anne/internal/postal"
)

// MaxWeightKg is the largest weight accepted from free text.
const MaxWeightKg = 1000

var (
	capLabelRe = regexp.MustCompile(`(?i)\bcap\b\s*(?:è\s*)?[:;]?\s*(\d{5})\b`)
	capCityRe  = regexp.MustCompile(`\b(\d{5})\s+[\pL']+`)
	capRe      = regexp.MustCompile(`\b(\d{5})\b`)

	provinceLabelRe     = regexp.MustCompile(`(?i)\bprov(?:incia)?\.?\s*(?:è\s*)?[:;]?\s*([a-z]{2})\b`)
	provinceParenRe     = regexp.MustCompile(`\(\s*([A-Za-z]{2})\s*\)`)
	provinceAfterCityRe = regexp.MustCompile(`(?i)\b\d{5}\s+(?:[\pL']+\s+){1,3}?([a-z]{2})\b`)
	provinceAfterCapRe  = regexp.MustCompile(`(?i)\b\d{5}\s*,?\s+([a-z]{2})\b`)
	provinceBeforeCapRe = regexp.MustCompile(`(?i)(?:^|[\s,])([a-z]{2})\s+\d{5}\b`)
	provinceUpperRe     = regexp.MustCompile(`\b([A-Z]{2})\b`)

	cityLabelRe     = regexp.MustCompile(`(?i)\b(?:città|comune)\s*[:;]?\s*([\pL' ]+)`)
	cityAfterCapRe  = regexp.MustCompile(`\b\d{5}\s+([\pL' ]+)`)
	cityParenRe     = regexp.MustCompile(`([\pL']+(?: [\pL']+)?)\s*\(\s*[A-Za-z]{2}\s*\)`)
	cityBeforeCapRe = regexp.MustCompile(`([\pL']+)\s+\d{5}\b`)
	cityAfterToRe   = regexp.MustCompile(`(?i)\b(?:a|per|verso)\s+([\pL']+(?: [\pL']+)?)`)

	nameLabelRe = regexp.MustCompile(`(?i)\b(?:destinatario|nominativo|nome e cognome)\s*[:;]?\s*([\pL' .]+)`)
	nameSplitRe = regexp.MustCompile(`(?i)\bnome\s*[:;]?\s*([\pL']+)\s+(?:cognome\s*[:;]?\s*)?([\pL']+)`)

	streetLabelRe = regexp.MustCompile(`(?i)\bindirizzo\s*[:;]\s*([^\n]+)`)
	streetRe      = regexp.MustCompile(`(?i)\b(via|viale|piazza|piazzale|corso|largo|vicolo|strada|contrada|località)\s+([^\n,]+)`)

	phoneLabelRe = regexp.MustCompile(`(?i)\b(?:tel|telefono|cell|cellulare)\.?\s*[:;]?\s*(\+?[\d \-]{5,18}\d)`)
	mobileRe     = regexp.MustCompile(`(?:\+39[\s\-]?)?\b3\d{2}[\s\-]?\d{6,7}\b`)

	weightLabelRe = regexp.MustCompile(`(?i)\bpeso\s*[:;]?\s*(\d+(?:[.,]\d+)?)\s*(kg|chili|chilo|kili|kilo|chilogrammi|grammi|gr|g)?\b`)
	weightRe      = regexp.MustCompile(`(?i)\b(\d+(?:[.,]\d+)?)\s*(?:kg|chili|chilo|kili|kilo|chilogrammi)\b`)
	gramsRe       = regexp.MustCompile(`(?i)\b(\d+(?:[.,]\d+)?)\s*(?:grammi|gr)\b`)

	dimensionsRe = regexp.MustCompile(`(?i)\b(\d+(?:[.,]\d+)?)\s*[x×*]\s*(\d+(?:[.,]\d+)?)\s*[x×*]\s*(\d+(?:[.,]\d+)?)`)
)

// Words that end a city, a name or a street when scanning free text.
var stopWords = map[string]bool{
	"peso": true, "tel": true, "telefono": true, "cell": true, "kg": true,
	"via": true, "viale": true, "piazza": true, "corso": true, "cap": true,
	"prov": true, "provincia": true, "indirizzo": true, "e": true, "per": true,
	"con": true, "destinatario": true, "mittente": true, "a": true, "da": true,
	"spedire": true, "spedizione": true, "preventivo": true, "costo": true,
	"prezzo": true, "pacco": true, "chili": true, "quanto": true, "costa": true,
}

// Two letter words that are provinces but read as yes/no in chat.
var ambiguousProvinces = map[string]bool{"SI": true, "NO": true}

// Extractor pulls shipment fields out of free text. It never guesses: a
// field is set only when a pattern matched and the value is plausible.
type Extractor struct {
	dir *postal.Directory
}

// NewExtractor returns an extractor validating against dir, or the
// embedded dataset when dir is nil.
func NewExtractor(dir *postal.Directory) *Extractor {
	if dir == nil {
		dir = postal.Default()
	}
	return &Extractor{dir: dir}
}

// Parse extracts the recipient and the parcel from text.
func (e *Extractor) Parse(text string) draft.Draft {
	return draft.Draft{Recipient: e.ParseParty(text), Parcel: ParseParcel(text)}
}

// ParseParty extracts one party's fields.
func (e *Extractor) ParseParty(text string) draft.Party {
	return draft.Party{
		FullName:     ExtractName(text),
		AddressLine1: ExtractStreet(text),
		City:         e.ExtractCity(text),
		PostalCode:   ExtractPostalCode(text),
		Province:     e.ExtractProvince(text),
		Phone:        ExtractPhone(text),
	}
}

// ParseParcel extracts weight and dimensions.
func ParseParcel(text string) draft.Parcel {
	p := draft.Parcel{WeightKg: ExtractWeight(text)}
	p.LengthCm, p.WidthCm, p.HeightCm = ExtractDimensions(text)
	return p
}

// ExtractPostalCode returns the first five digit CAP, preferring a
// labelled one.
func ExtractPostalCode(text string) string {
	for _, re := range []*regexp.Regexp{capLabelRe, capCityRe, capRe} {
		if m := re.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}

// ExtractProvince returns a known province code found in text.
func (e *Extractor) ExtractProvince(text string) string {
	for _, re := range []*regexp.Regexp{provinceLabelRe, provinceParenRe, provinceAfterCityRe, provinceAfterCapRe, provinceBeforeCapRe} {
		if m := re.FindStringSubmatch(text); m != nil {
			code := strings.ToUpper(m[1])
			if e.dir.IsValidProvince(code) {
				return code
			}
		}
	}
	for _, m := range provinceUpperRe.FindAllStringSubmatch(text, -1) {
		if !ambiguousProvinces[m[1]] && e.dir.IsValidProvince(m[1]) {
			return m[1]
		}
	}
	return ""
}

// ExtractCity returns the destination city in title case.
func (e *Extractor) ExtractCity(text string) string {
	for _, re := range []*regexp.Regexp{cityLabelRe, cityAfterCapRe, cityParenRe} {
		if m := re.FindStringSubmatch(text); m != nil {
			if city := e.cutCity(m[1]); city != "" {
				return city
			}
		}
	}
	for _, m := range cityBeforeCapRe.FindAllStringSubmatch(text, -1) {
		if city := e.cutCity(m[1]); city != "" {
			return city
		}
	}
	// A bare "a Milano" only counts for a known capital.
	for _, m := range cityAfterToRe.FindAllStringSubmatch(text, -1) {
		for _, candidate := range []string{m[1], strings.Fields(m[1])[0]} {
			if c, ok := e.dir.CityInfo(candidate); ok {
				return c.Name
			}
		}
	}
	return ""
}

func (e *Extractor) cutCity(s string) string {
	var words []string
	for _, w := range strings.Fields(s) {
		lower := strings.ToLower(w)
		if stopWords[lower] || len(words) == 3 {
			break
		}
		if len([]rune(w)) == 2 && (e.dir.IsValidProvince(w) || w == strings.ToUpper(w)) {
			break
		}
		words = append(words, w)
	}
	city := strings.Join(words, " ")
	if len([]rune(city)) < 3 {
		return ""
	}
	return TitleCase(city)
}

// ExtractName returns a labelled recipient name.
func ExtractName(text string) string {
	if m := nameLabelRe.FindStringSubmatch(text); m != nil {
		if name := cutWords(m[1], 5); len([]rune(name)) >= 3 {
			return name
		}
	}
	if m := nameSplitRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1] + " " + m[2])
	}
	return ""
}

// ExtractStreet returns the street line, house number included.
func ExtractStreet(text string) string {
	if m := streetLabelRe.FindStringSubmatch(text); m != nil {
		if street := cutStreet(m[1]); len(street) >= 5 {
			return street
		}
	}
	m := streetRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	rest := cutStreet(m[2])
	if rest == "" {
		return ""
	}
	street := TitleCase(m[1]) + " " + rest
	if len(street) < 5 {
		return ""
	}
	return street
}

func cutStreet(s string) string {
	var words []string
	for _, w := range strings.Fields(s) {
		if capRe.MatchString(w) && len(w) == 5 {
			break
		}
		if stopWords[strings.ToLower(strings.Trim(w, ".:;"))] && len(words) > 0 {
			break
		}
		words = append(words, w)
		if unicode.IsDigit([]rune(w)[0]) {
			break
		}
	}
	return strings.TrimRight(strings.Join(words, " "), " ,;")
}

func cutWords(s string, max int) string {
	var words []string
	for _, w := range strings.Fields(s) {
		if stopWords[strings.ToLower(w)] || len(words) == max {
			break
		}
		words = append(words, w)
	}
	return strings.Join(words, " ")
}

// ExtractPhone returns the phone number without separators.
func ExtractPhone(text string) string {
	if m := phoneLabelRe.FindStringSubmatch(text); m != nil {
		if p := compactPhone(m[1]); len(p) >= 6 && len(p) <= 15 {
			return p
		}
	}
	if m := mobileRe.FindString(text); m != "" {
		return compactPhone(m)
	}
	return ""
}

func compactPhone(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, s)
}

// ExtractWeight returns the parcel weight in kilograms, or 0.
func ExtractWeight(text string) float64 {
	if m := weightLabelRe.FindStringSubmatch(text); m != nil {
		w := parseNumber(m[1])
		switch strings.ToLower(m[2]) {
		case "grammi", "gr", "g":
			w /= 1000
		}
		if plausibleWeight(w) {
			return w
		}
	}
	if m := weightRe.FindStringSubmatch(text); m != nil {
		if w := parseNumber(m[1]); plausibleWeight(w) {
			return w
		}
	}
	if m := gramsRe.FindStringSubmatch(text); m != nil {
		if w := parseNumber(m[1]) / 1000; plausibleWeight(w) {
			return w
		}
	}
	return 0
}

func plausibleWeight(w float64) bool { return w > 0 && w <= MaxWeightKg }

// ExtractDimensions returns length, width and height in centimetres.
func ExtractDimensions(text string) (float64, float64, float64) {
	m := dimensionsRe.FindStringSubmatch(text)
	if m == nil {
		return 0, 0, 0
	}
	return parseNumber(m[1]), parseNumber(m[2]), parseNumber(m[3])
}

func parseNumber(s string) float64 {
	f, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	if err != nil {
		return 0
	}
	return f
}

// TitleCase capitalises each word, also after an apostrophe.
func TitleCase(s string) string {
	out := []rune(strings.ToLower(s))
	upper := true
	for i, r := range out {
		if upper && unicode.IsLetter(r) {
			out[i] = unicode.ToUpper(r)
			upper = false
		}
		if r == ' ' || r == '\'' || r == '-' {
			upper = true
		}
	}
	return string(out)
}
