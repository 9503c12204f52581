// Package postal validates Italian postal codes, cities and provinces
// against an embedded reference dataset. Lookups are pure and local.
package postal

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed postal.yaml
var dataset []byte

var (
	capRe      = regexp.MustCompile(`^\d{5}$`)
	provinceRe = regexp.MustCompile(`^[A-Za-z]{2}$`)
)

// City is a provincial capital with its main CAP.
type City struct {
	Name     string `yaml:"name"`
	Cap      string `yaml:"cap"`
	Province string `yaml:"province"`
	Region   string `yaml:"-"`
}

// Suggestion carries corrected values for a failed validation.
type Suggestion struct {
	Cap      string `json:"cap,omitempty"`
	City     string `json:"city,omitempty"`
	Province string `json:"province,omitempty"`
}

// Result is the outcome of a validation.
type Result struct {
	Valid      bool        `json:"valid"`
	Message    string      `json:"message,omitempty"`
	Suggestion *Suggestion `json:"suggestion,omitempty"`
}

// Directory is the loaded reference data.
type Directory struct {
	regions     map[string]string
	prefixes    map[string][]string
	capitals    map[string]City
	byProvince  map[string]City
	maxPrefixes int
}

type rawDataset struct {
	Provinces   map[string]string   `yaml:"provinces"`
	CapPrefixes map[string][]string `yaml:"cap_prefixes"`
	Capitals    []City              `yaml:"capitals"`
}

// Load parses a dataset in the embedded YAML layout.
func Load(data []byte) (*Directory, error) {
	var raw rawDataset
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse postal dataset: %w", err)
	}

	d := &Directory{
		regions:    make(map[string]string, len(raw.Provinces)),
		prefixes:   make(map[string][]string, len(raw.CapPrefixes)),
		capitals:   make(map[string]City, len(raw.Capitals)),
		byProvince: make(map[string]City, len(raw.Capitals)),
	}
	for code, region := range raw.Provinces {
		d.regions[strings.ToUpper(code)] = region
	}
	for prefix, provinces := range raw.CapPrefixes {
		if len(prefix) > d.maxPrefixes {
			d.maxPrefixes = len(prefix)
		}
		d.prefixes[prefix] = provinces
	}
	for _, c := range raw.Capitals {
		c.Province = strings.ToUpper(c.Province)
		c.Region = d.regions[c.Province]
		d.capitals[normalizeCity(c.Name)] = c
		if _, seen := d.byProvince[c.Province]; !seen {
			d.byProvince[c.Province] = c
		}
	}
	return d, nil
}

var (
	defaultOnce sync.Once
	defaultDir  *Directory
)

// Default returns the directory built from the embedded dataset.
func Default() *Directory {
	defaultOnce.Do(func() {
		dir, err := Load(dataset)
		if err != nil {
			panic(err)
		}
		defaultDir = dir
	})
	return defaultDir
}

func normalizeCity(city string) string {
	return strings.Join(strings.Fields(strings.ToLower(city)), " ")
}

// ValidCap reports whether cap has five digits.
func ValidCap(cap string) bool { return capRe.MatchString(cap) }

// ProvincesForCap returns the provinces sharing the longest matching prefix.
func (d *Directory) ProvincesForCap(cap string) []string {
	if !ValidCap(cap) {
		return nil
	}
	for n := d.maxPrefixes; n > 0; n-- {
		if provinces, ok := d.prefixes[cap[:n]]; ok {
			return provinces
		}
	}
	return nil
}

// ProvinceForCap returns the default province for a CAP.
func (d *Directory) ProvinceForCap(cap string) (string, bool) {
	provinces := d.ProvincesForCap(cap)
	if len(provinces) == 0 {
		return "", false
	}
	return provinces[0], true
}

// CityInfo looks up a provincial capital by name.
func (d *Directory) CityInfo(city string) (City, bool) {
	c, ok := d.capitals[normalizeCity(city)]
	return c, ok
}

// CapitalOf returns the capital of a province.
func (d *Directory) CapitalOf(province string) (City, bool) {
	c, ok := d.byProvince[strings.ToUpper(province)]
	return c, ok
}

// RegionForProvince returns the region of a province code.
func (d *Directory) RegionForProvince(province string) (string, bool) {
	r, ok := d.regions[strings.ToUpper(province)]
	return r, ok
}

// IsValidProvince reports whether code is a known province.
func (d *Directory) IsValidProvince(code string) bool {
	_, ok := d.regions[strings.ToUpper(code)]
	return ok
}

// IsIsland reports whether the province is in Sicily or Sardinia.
func (d *Directory) IsIsland(province string) bool {
	switch d.regions[strings.ToUpper(province)] {
	case "Sicilia", "Sardegna":
		return true
	}
	return false
}

// Provinces returns every province code sorted.
func (d *Directory) Provinces() []string {
	out := make([]string, 0, len(d.regions))
	for code := range d.regions {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// ValidateCapProvince checks that cap belongs to province. Prefixes that
// are not in the dataset are accepted.
func (d *Directory) ValidateCapProvince(cap, province string) Result {
	if !ValidCap(cap) {
		return Result{Message: "CAP deve essere di 5 cifre"}
	}
	if !provinceRe.MatchString(province) {
		return Result{Message: "Provincia deve essere 2 lettere (es. MI, RM)"}
	}
	province = strings.ToUpper(province)

	expected := d.ProvincesForCap(cap)
	if len(expected) == 0 {
		return Result{Valid: true}
	}
	for _, p := range expected {
		if p == province {
			return Result{Valid: true}
		}
	}

	s := &Suggestion{Province: expected[0]}
	if c, ok := d.CapitalOf(expected[0]); ok {
		s.City = c.Name
	}
	return Result{
		Message:    fmt.Sprintf("CAP %s non corrisponde alla provincia %s", cap, province),
		Suggestion: s,
	}
}

// ValidateCapCity checks a CAP against a capital's prefix. Cities outside
// the capitals list are accepted.
func (d *Directory) ValidateCapCity(cap, city string) bool {
	if !ValidCap(cap) {
		return false
	}
	c, ok := d.CityInfo(city)
	if !ok {
		return true
	}
	return strings.HasPrefix(cap, c.Cap[:3])
}

// ValidateAddress cross-checks CAP, city and province. Empty values are
// skipped. For a known capital the province and CAP prefix are checked
// first; then the CAP is checked against the province.
func (d *Directory) ValidateAddress(cap, city, province string) Result {
	if cap != "" && !ValidCap(cap) {
		return Result{Message: "CAP deve essere di 5 cifre"}
	}
	if province != "" && !provinceRe.MatchString(province) {
		return Result{Message: "Provincia deve essere 2 lettere (es. MI, RM)"}
	}

	if c, ok := d.CityInfo(city); ok {
		var issues []string
		s := &Suggestion{}
		if province != "" && strings.ToUpper(province) != c.Province {
			issues = append(issues, fmt.Sprintf("Provincia per %s dovrebbe essere %s", c.Name, c.Province))
			s.Province = c.Province
		}
		if cap != "" && !strings.HasPrefix(cap, c.Cap[:3]) {
			issues = append(issues, fmt.Sprintf("CAP per %s dovrebbe iniziare con %s", c.Name, c.Cap[:3]))
			s.Cap = c.Cap
		}
		if len(issues) > 0 {
			return Result{Message: strings.Join(issues, ". "), Suggestion: s}
		}
	}

	if cap != "" && province != "" {
		if r := d.ValidateCapProvince(cap, province); !r.Valid {
			return r
		}
	}
	return Result{Valid: true}
}

// Package level helpers over the embedded dataset.

func ProvinceForCap(cap string) (string, bool) { return Default().ProvinceForCap(cap) }

func CityInfo(city string) (City, bool) { return Default().CityInfo(city) }

func ValidateCapProvince(cap, province string) Result {
	return Default().ValidateCapProvince(cap, province)
}

func ValidateAddress(cap, city, province string) Result {
	return Default().ValidateAddress(cap, city, province)
}

func IsValidProvince(code string) bool { return Default().IsValidProvince(code) }
