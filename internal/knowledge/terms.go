package knowledge

import (
	"hash/fnv"
	"strconv"
	"strings"
	"unicode"
)

// Italian function words that carry no topic.
var stopWords = map[string]bool{
	"che": true, "chi": true, "cosa": true, "come": true, "per": true, "con": true,
	"del": true, "della": true, "dei": true, "delle": true, "dello": true, "degli": true,
	"nel": true, "nella": true, "nei": true, "sul": true, "sulla": true, "una": true,
	"uno": true, "gli": true, "le": true, "non": true, "sono": true, "mio": true,
	"mia": true, "miei": true, "mie": true, "questo": true, "questa": true, "quando": true,
	"dove": true, "perché": true, "perche": true, "funziona": true, "posso": true,
	"puoi": true, "fare": true, "anne": true, "spiega": true, "spiegami": true,
	"dimmi": true, "vorrei": true, "sapere": true, "the": true, "and": true,
}

// stemLen truncates terms so that singular and plural forms meet.
const stemLen = 6

// Terms splits s into lowercase topic terms.
func Terms(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 3 || stopWords[f] {
			continue
		}
		out = append(out, stem(f))
	}
	return out
}

func stem(w string) string {
	r := []rune(w)
	if len(r) > stemLen {
		return string(r[:stemLen])
	}
	return w
}

// ShortIDFrom derives a compact base36 id from parts.
func ShortIDFrom(parts ...string) string {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(p))))
		_, _ = h.Write([]byte{'|'})
	}
	// 40 bits keep ids at eight characters or fewer.
	return strconv.FormatUint(h.Sum64()&(1<<40-1), 36)
}
