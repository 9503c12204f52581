// Package pricing computes shipping quotes and ranks them.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/config"
	"github.com/spediresicuro/anne/internal/postal"
)

// MaxAlternatives is how many options are shown besides the best one.
const MaxAlternatives = 3

// VolumetricDivisor converts cm³ to billable kg.
const VolumetricDivisor = 5000

var ErrNoRates = errors.New("no rates configured")

// Request is what a quote is computed from.
type Request struct {
	WorkspaceID string
	PostalCode  string
	Province    string
	WeightKg    float64
	LengthCm    float64
	WidthCm     float64
	HeightCm    float64
}

// BillableKg is the larger of real and volumetric weight.
func (r Request) BillableKg() float64 {
	vol := r.LengthCm * r.WidthCm * r.HeightCm / VolumetricDivisor
	return math.Max(r.WeightKg, vol)
}

// Quoter returns the priced options for a request, in any order.
type Quoter interface {
	Quote(ctx context.Context, req Request) ([]agent.PricingOption, error)
}

// RateCardQuoter prices from a static rate card.
type RateCardQuoter struct {
	rates []config.RateConfig
	dir   *postal.Directory
}

// NewRateCardQuoter returns a quoter over rates. A nil dir uses the
// embedded postal dataset for island surcharges.
func NewRateCardQuoter(rates []config.RateConfig, dir *postal.Directory) *RateCardQuoter {
	if dir == nil {
		dir = postal.Default()
	}
	return &RateCardQuoter{rates: rates, dir: dir}
}

func (q *RateCardQuoter) Quote(ctx context.Context, req Request) ([]agent.PricingOption, error) {
	if len(q.rates) == 0 {
		return nil, ErrNoRates
	}
	kg := req.BillableKg()
	island := q.dir.IsIsland(req.Province)

	var out []agent.PricingOption
	for _, r := range q.rates {
		if r.MaxWeightKg > 0 && kg > r.MaxWeightKg {
			continue
		}
		price := r.BasePrice
		if extra := kg - r.IncludedKg; extra > 0 {
			price += math.Ceil(extra) * r.PerKg
		}
		minDays, maxDays := r.DeliveryDays, r.DeliveryDaysMax
		if maxDays < minDays {
			maxDays = minDays + 1
		}
		if island {
			price += r.IslandSurcharge
			minDays++
			maxDays++
		}
		out = append(out, agent.PricingOption{
			ID:              optionID(r.Carrier, r.Service),
			Carrier:         r.Carrier,
			Service:         r.Service,
			Price:           round2(price),
			Currency:        "EUR",
			DeliveryDaysMin: minDays,
			DeliveryDaysMax: maxDays,
		})
	}
	return out, nil
}

func optionID(carrier, service string) string {
	id := strings.ToLower(carrier + "-" + service)
	return strings.Join(strings.Fields(id), "_")
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// Rank orders options by price, then delivery days, then carrier, marks
// the first as recommended and keeps at most MaxAlternatives others.
func Rank(options []agent.PricingOption) []agent.PricingOption {
	out := make([]agent.PricingOption, len(options))
	copy(out, options)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Price != b.Price {
			return a.Price < b.Price
		}
		if a.DeliveryDaysMin != b.DeliveryDaysMin {
			return a.DeliveryDaysMin < b.DeliveryDaysMin
		}
		return a.Carrier < b.Carrier
	})
	if len(out) > MaxAlternatives+1 {
		out = out[:MaxAlternatives+1]
	}
	for i := range out {
		out[i].Recommended = i == 0
	}
	return out
}

// Find returns the option with id, or the recommended one when id is empty.
func Find(options []agent.PricingOption, id string) (agent.PricingOption, error) {
	for _, o := range options {
		if (id == "" && o.Recommended) || (id != "" && o.ID == id) {
			return o, nil
		}
	}
	return agent.PricingOption{}, fmt.Errorf("pricing option %q not found", id)
}
