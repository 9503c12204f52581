package creation

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/spediresicuro/anne/internal/draft"
	"github.com/spediresicuro/anne/internal/postal"
	"github.com/spediresicuro/anne/internal/workers/address"
)

var (
	roleLabelRe = regexp.MustCompile(`(?i)\b(mittente|destinatario)\b\s*[:;]?`)
	routeRe     = regexp.MustCompile(`(?i)\bda\s+([\pL']+(?:\s+[\pL']+)?)\s+a\s+([\pL']+(?:\s+[\pL']+)?)`)
	looseNameRe = regexp.MustCompile(`\b(?:a|per)\s+(\p{Lu}[\pL']+\s+\p{Lu}[\pL']+)`)
	segNameRe   = regexp.MustCompile(`^\s*([\pL']+(?:\s+[\pL']+){0,3})\s*(?:[,\n]|$)`)
	bareNameRe  = regexp.MustCompile(`^[\pL']+(?:\s+[\pL']+){1,3}$`)
	bareCityRe  = regexp.MustCompile(`^[\pL']+(?:\s+[\pL']+){0,2}$`)
	bareNumRe   = regexp.MustCompile(`^\s*(\d+(?:[.,]\d+)?)\s*$`)
	digitRe     = regexp.MustCompile(`\d`)
)

var streetWords = map[string]bool{
	"via": true, "viale": true, "piazza": true, "piazzale": true, "corso": true,
	"largo": true, "vicolo": true, "strada": true, "contrada": true, "località": true,
}

// Parser extracts both parties of a creation message.
type Parser struct {
	dir     *postal.Directory
	extract *address.Extractor
}

// NewParser returns a parser; a nil dir uses the embedded dataset.
func NewParser(dir *postal.Directory) *Parser {
	if dir == nil {
		dir = postal.Default()
	}
	return &Parser{dir: dir, extract: address.NewExtractor(dir)}
}

// Parse reads text. pending is the field the previous turn asked for; a
// bare reply is assigned to it.
func (p *Parser) Parse(text, pending string) draft.Draft {
	var d draft.Draft
	d.Parcel = address.ParseParcel(text)

	if segs := segments(text); len(segs) > 0 {
		if s, ok := segs["mittente"]; ok {
			d.Sender = p.segmentParty(s)
		}
		if s, ok := segs["destinatario"]; ok {
			d.Recipient = p.segmentParty(s)
		}
	} else if from, to, ok := p.route(text); ok {
		d.Recipient = p.extract.ParseParty(text)
		d.Sender.City = from
		d.Recipient.City = to
	} else {
		// Unlabelled text belongs to the party the last question was about.
		party := p.extract.ParseParty(text)
		if party.FullName == "" {
			party.FullName = p.looseName(text)
		}
		if strings.HasPrefix(pending, "sender.") {
			d.Sender = party
		} else {
			d.Recipient = party
		}
	}

	if pending != "" && !present(d, pending) {
		d = p.answer(d, pending, text)
	}
	return d
}

// segments splits text on "mittente:" and "destinatario:" labels. Text
// before the first label is ignored.
func segments(text string) map[string]string {
	idx := roleLabelRe.FindAllStringSubmatchIndex(text, -1)
	if len(idx) == 0 {
		return nil
	}
	out := make(map[string]string, len(idx))
	for i, m := range idx {
		end := len(text)
		if i+1 < len(idx) {
			end = idx[i+1][0]
		}
		role := strings.ToLower(text[m[2]:m[3]])
		out[role] = strings.TrimSpace(text[m[1]:end])
	}
	return out
}

func (p *Parser) segmentParty(seg string) draft.Party {
	party := p.extract.ParseParty(seg)
	if party.FullName == "" {
		if m := segNameRe.FindStringSubmatch(seg); m != nil {
			first := strings.ToLower(strings.Fields(m[1])[0])
			if !streetWords[first] {
				if _, isCity := p.dir.CityInfo(m[1]); !isCity {
					party.FullName = address.TitleCase(m[1])
				}
			}
		}
	}
	return party
}

func (p *Parser) looseName(text string) string {
	for _, m := range looseNameRe.FindAllStringSubmatch(text, -1) {
		first := strings.ToLower(strings.Fields(m[1])[0])
		if streetWords[first] {
			continue
		}
		if _, isCity := p.dir.CityInfo(m[1]); isCity {
			continue
		}
		return m[1]
	}
	return ""
}

// route reads "da Roma a Milano". Both ends must be known cities.
func (p *Parser) route(text string) (string, string, bool) {
	m := routeRe.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	from, ok1 := p.city(m[1])
	to, ok2 := p.city(m[2])
	return from, to, ok1 && ok2
}

func (p *Parser) city(s string) (string, bool) {
	if c, ok := p.dir.CityInfo(s); ok {
		return c.Name, true
	}
	if fields := strings.Fields(s); len(fields) > 1 {
		if c, ok := p.dir.CityInfo(fields[0]); ok {
			return c.Name, true
		}
	}
	return "", false
}

// answer treats text as the bare value of field.
func (p *Parser) answer(d draft.Draft, field, text string) draft.Draft {
	t := strings.TrimSpace(strings.Trim(strings.TrimSpace(text), ".!"))
	if t == "" {
		return d
	}
	switch field {
	case draft.SenderName, draft.RecipientName:
		if bareNameRe.MatchString(t) {
			return draft.Set(d, field, address.TitleCase(t))
		}
	case draft.SenderCity, draft.RecipientCity:
		if bareCityRe.MatchString(t) {
			if c, ok := p.dir.CityInfo(t); ok {
				return draft.Set(d, field, c.Name)
			}
			return draft.Set(d, field, address.TitleCase(t))
		}
	case draft.SenderPostalCode, draft.RecipientPostal:
		if cap := address.ExtractPostalCode(t); cap != "" {
			return draft.Set(d, field, cap)
		}
	case draft.SenderProvince, draft.RecipientProvince:
		code := strings.ToUpper(t)
		if !p.dir.IsValidProvince(code) {
			code = p.extract.ExtractProvince(t)
		}
		if code != "" {
			return draft.Set(d, field, code)
		}
	case draft.SenderAddress, draft.RecipientAddress:
		if street := address.ExtractStreet(t); street != "" {
			return draft.Set(d, field, street)
		}
		if digitRe.MatchString(t) && len(t) >= 5 {
			return draft.Set(d, field, t)
		}
	case draft.SenderPhone, draft.RecipientPhone:
		if phone := address.ExtractPhone(t); phone != "" {
			return draft.Set(d, field, phone)
		}
	case draft.ParcelWeight:
		if m := bareNumRe.FindStringSubmatch(t); m != nil {
			w, err := strconv.ParseFloat(strings.Replace(m[1], ",", ".", 1), 64)
			if err == nil && w > 0 && w <= address.MaxWeightKg {
				d.Parcel.WeightKg = w
			}
		}
	}
	return d
}
