package pricing

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/draft"
)

const (
	// MsgNoQuotes is shown when nothing could be priced.
	MsgNoQuotes   = "Non sono riuscita a calcolare preventivi. Puoi fornirmi peso, CAP e provincia di destinazione?"
	msgQuoteError = "Non riesco a calcolare il preventivo in questo momento. Riprova tra qualche istante."
)

// Worker quotes the current draft.
type Worker struct {
	quoter Quoter
}

func New(q Quoter) *Worker { return &Worker{quoter: q} }

func (w *Worker) Name() agent.Step { return agent.StepPricing }

// Run prices the draft. Without weight, CAP and province it asks for them
// instead of quoting.
func (w *Worker) Run(ctx context.Context, s agent.State) (agent.Result, error) {
	next := s.Clone()
	next.PricingOptions = nil

	if missing := draft.MissingForPricing(s.Draft); len(missing) > 0 {
		next.MissingFields = missing
		next.Clarification = MsgNoQuotes
		return agent.Result{State: next, MissingFields: missing, Clarification: MsgNoQuotes, Next: agent.StepEnd}, nil
	}

	r := s.Draft.Recipient
	p := s.Draft.Parcel
	options, err := w.quoter.Quote(ctx, Request{
		WorkspaceID: s.Context.WorkspaceID,
		PostalCode:  r.PostalCode,
		Province:    r.Province,
		WeightKg:    p.WeightKg,
		LengthCm:    p.LengthCm,
		WidthCm:     p.WidthCm,
		HeightCm:    p.HeightCm,
	})
	if err != nil {
		log.Error().Err(err).Str("session", s.Context.SessionID).Msg("quote failed")
		next.Clarification = msgQuoteError
		return agent.Result{State: next, Clarification: msgQuoteError, Next: agent.StepEnd}, nil
	}

	options = Rank(options)
	log.Info().
		Str("session", s.Context.SessionID).
		Int("options", len(options)).
		Msg("pricing computed")
	if len(options) == 0 {
		next.Clarification = MsgNoQuotes
		return agent.Result{State: next, Clarification: MsgNoQuotes, Next: agent.StepEnd}, nil
	}

	next.PricingOptions = options
	next.MissingFields = nil
	if next.SelectedOption != "" {
		if _, err := Find(options, next.SelectedOption); err != nil {
			next.SelectedOption = ""
		}
	}
	return agent.Result{State: next, Next: agent.StepEnd}, nil
}
