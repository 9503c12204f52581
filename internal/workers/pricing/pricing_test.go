package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/config"
	"github.com/spediresicuro/anne/internal/draft"
)

var testRates = []config.RateConfig{
	{Carrier: "GLS", Service: "Standard", BasePrice: 6.90, PerKg: 0.45, IncludedKg: 3, IslandSurcharge: 4.50, MaxWeightKg: 30, DeliveryDays: 2, DeliveryDaysMax: 3},
	{Carrier: "BRT", Service: "Express", BasePrice: 8.40, PerKg: 0.40, IncludedKg: 5, IslandSurcharge: 5.00, MaxWeightKg: 50, DeliveryDays: 1},
}

type countingQuoter struct {
	options []agent.PricingOption
	err     error
	calls   int
}

func (c *countingQuoter) Quote(ctx context.Context, req Request) ([]agent.PricingOption, error) {
	c.calls++
	return c.options, c.err
}

func readyState() agent.State {
	s := agent.New(agent.Context{SessionID: "p1", WorkspaceID: "ws-1"})
	s.Draft = draft.Draft{
		Recipient: draft.Party{PostalCode: "20100", Province: "MI", City: "Milano"},
		Parcel:    draft.Parcel{WeightKg: 5},
	}
	return s
}

func TestRateCardQuoter(t *testing.T) {
	q := NewRateCardQuoter(testRates, nil)
	opts, err := q.Quote(context.Background(), Request{PostalCode: "20100", Province: "MI", WeightKg: 5})
	require.NoError(t, err)
	require.Len(t, opts, 2)

	assert.Equal(t, "gls-standard", opts[0].ID)
	assert.Equal(t, 7.80, opts[0].Price)
	assert.Equal(t, 2, opts[0].DeliveryDaysMin)
	assert.Equal(t, 3, opts[0].DeliveryDaysMax)
	assert.Equal(t, 8.40, opts[1].Price)
	assert.Equal(t, 2, opts[1].DeliveryDaysMax)
}

func TestRateCardQuoterIslandSurcharge(t *testing.T) {
	q := NewRateCardQuoter(testRates, nil)
	opts, err := q.Quote(context.Background(), Request{PostalCode: "90100", Province: "PA", WeightKg: 2})
	require.NoError(t, err)
	require.Len(t, opts, 2)
	assert.Equal(t, 11.40, opts[0].Price)
	assert.Equal(t, 3, opts[0].DeliveryDaysMin)
}

func TestRateCardQuoterMaxWeightAndVolumetric(t *testing.T) {
	q := NewRateCardQuoter(testRates, nil)
	opts, err := q.Quote(context.Background(), Request{Province: "MI", WeightKg: 2, LengthCm: 100, WidthCm: 60, HeightCm: 30})
	require.NoError(t, err)
	require.Len(t, opts, 1, "36kg volumetric exceeds the GLS limit")
	assert.Equal(t, "BRT", opts[0].Carrier)

	_, err = NewRateCardQuoter(nil, nil).Quote(context.Background(), Request{WeightKg: 1})
	assert.ErrorIs(t, err, ErrNoRates)
}

func TestRank(t *testing.T) {
	in := []agent.PricingOption{
		{ID: "a", Carrier: "SDA", Price: 9, DeliveryDaysMin: 2},
		{ID: "b", Carrier: "GLS", Price: 7, DeliveryDaysMin: 3},
		{ID: "c", Carrier: "BRT", Price: 7, DeliveryDaysMin: 1},
		{ID: "d", Carrier: "DHL", Price: 7, DeliveryDaysMin: 1},
		{ID: "e", Carrier: "UPS", Price: 12, DeliveryDaysMin: 1},
	}
	out := Rank(in)
	require.Len(t, out, 4)
	ids := []string{out[0].ID, out[1].ID, out[2].ID, out[3].ID}
	assert.Equal(t, []string{"c", "d", "b", "a"}, ids)
	assert.True(t, out[0].Recommended)
	assert.False(t, out[1].Recommended)
	assert.Equal(t, "a", in[0].ID, "input untouched")
}

func TestFind(t *testing.T) {
	opts := Rank([]agent.PricingOption{{ID: "x", Price: 5}, {ID: "y", Price: 3}})
	best, err := Find(opts, "")
	require.NoError(t, err)
	assert.Equal(t, "y", best.ID)

	_, err = Find(opts, "missing")
	assert.Error(t, err)
}

func TestCachedQuoter(t *testing.T) {
	inner := &countingQuoter{options: []agent.PricingOption{{ID: "x", Price: 5}}}
	c := NewCachedQuoter(inner, time.Minute)
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	req := Request{WorkspaceID: "ws", PostalCode: "20100", Province: "MI", WeightKg: 2}
	_, err := c.Quote(context.Background(), req)
	require.NoError(t, err)
	_, err = c.Quote(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls)

	_, err = c.Quote(context.Background(), Request{WorkspaceID: "other", PostalCode: "20100", Province: "MI", WeightKg: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls, "workspaces do not share entries")

	now = now.Add(2 * time.Minute)
	_, err = c.Quote(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)

	st := c.Stats()
	assert.Equal(t, 1, st.Hits)
	assert.Equal(t, 3, st.Misses)

	assert.Equal(t, 1, c.InvalidateWorkspace("ws"))
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, c.Purge())
}

func TestCachedQuoterDoesNotCacheErrors(t *testing.T) {
	inner := &countingQuoter{err: errors.New("boom")}
	c := NewCachedQuoter(inner, time.Minute)
	_, err := c.Quote(context.Background(), Request{WeightKg: 1})
	require.Error(t, err)
	_, err = c.Quote(context.Background(), Request{WeightKg: 1})
	require.Error(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestWorkerQuotes(t *testing.T) {
	w := New(NewRateCardQuoter(testRates, nil))
	res, err := w.Run(context.Background(), readyState())
	require.NoError(t, err)

	require.Len(t, res.State.PricingOptions, 2)
	assert.True(t, res.State.PricingOptions[0].Recommended)
	assert.Equal(t, "GLS", res.State.PricingOptions[0].Carrier)
	assert.Equal(t, agent.StepEnd, res.Next)
	assert.Empty(t, res.Clarification)
}

func TestWorkerMissingData(t *testing.T) {
	inner := &countingQuoter{}
	s := readyState()
	s.Draft.Parcel.WeightKg = 0
	res, err := New(inner).Run(context.Background(), s)
	require.NoError(t, err)

	assert.Zero(t, inner.calls)
	assert.Equal(t, MsgNoQuotes, res.Clarification)
	assert.Equal(t, []string{draft.ParcelWeight}, res.MissingFields)
}

func TestWorkerEmptyAndFailingQuoter(t *testing.T) {
	res, err := New(&countingQuoter{}).Run(context.Background(), readyState())
	require.NoError(t, err)
	assert.Equal(t, MsgNoQuotes, res.Clarification)
	assert.Empty(t, res.State.PricingOptions)

	res, err = New(&countingQuoter{err: errors.New("down")}).Run(context.Background(), readyState())
	require.NoError(t, err)
	assert.Equal(t, msgQuoteError, res.Clarification)
}

func TestWorkerDropsStaleSelection(t *testing.T) {
	s := readyState()
	s.SelectedOption = "gone"
	res, err := New(NewRateCardQuoter(testRates, nil)).Run(context.Background(), s)
	require.NoError(t, err)
	assert.Empty(t, res.State.SelectedOption)
}
