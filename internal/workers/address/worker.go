// Package address fills the draft from free text and checks that CAP,
// city and province agree before a quote is computed.
package address

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/draft"
	"github.com/spediresicuro/anne/internal/postal"
)

// Worker is the address worker.
type Worker struct {
	dir     *postal.Directory
	extract *Extractor
}

// New returns an address worker over dir; nil uses the embedded dataset.
func New(dir *postal.Directory) *Worker {
	if dir == nil {
		dir = postal.Default()
	}
	return &Worker{dir: dir, extract: NewExtractor(dir)}
}

func (w *Worker) Name() agent.Step { return agent.StepAddress }

// Run merges what the last message carries into the draft. It hands over
// to pricing once weight, CAP and province are present and coherent.
func (w *Worker) Run(ctx context.Context, s agent.State) (agent.Result, error) {
	next := s.Clone()
	update := w.extract.Parse(s.LastUserMessage())
	next.Draft = draft.Normalize(draft.Merge(s.Draft, update))
	next.Draft.Recipient = w.InferProvince(next.Draft.Recipient)

	log.Debug().
		Str("session", s.Context.SessionID).
		Int("extracted", draft.Count(update)).
		Int("fields", draft.Count(next.Draft)).
		Msg("address worker")

	r := next.Draft.Recipient
	if v := w.dir.ValidateAddress(r.PostalCode, r.City, r.Province); !v.Valid {
		next.ValidationErrors = append(next.ValidationErrors, v.Message)
		clarification := CorrectionMessage(v)
		next.Clarification = clarification
		return agent.Result{State: next, Clarification: clarification, Next: agent.StepEnd}, nil
	}

	missing := draft.MissingForPricing(next.Draft)
	next.MissingFields = missing
	if len(missing) == 0 {
		return agent.Result{State: next, Next: agent.StepPricing}, nil
	}
	clarification := Clarification(missing)
	next.Clarification = clarification
	return agent.Result{State: next, MissingFields: missing, Clarification: clarification, Next: agent.StepEnd}, nil
}

// InferProvince fills a missing province when the CAP prefix belongs to a
// single province, or when the city is a provincial capital.
func (w *Worker) InferProvince(p draft.Party) draft.Party {
	if p.Province != "" {
		return p
	}
	if provinces := w.dir.ProvincesForCap(p.PostalCode); len(provinces) == 1 {
		p.Province = provinces[0]
		return p
	}
	if c, ok := w.dir.CityInfo(p.City); ok {
		p.Province = c.Province
	}
	return p
}

// Clarification asks for the fields a quote still needs.
func Clarification(missing []string) string {
	labels := draft.BoldLabels(missing)
	switch len(labels) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("Per calcolare il preventivo mi serve ancora: %s.", labels[0])
	}
	return fmt.Sprintf("Per calcolare un preventivo preciso, ho bisogno di: %s. Puoi fornirmi questi dati?", draft.JoinItalian(labels))
}

// CorrectionMessage turns a failed postal check into a question.
func CorrectionMessage(v postal.Result) string {
	msg := "⚠️ " + v.Message + "."
	if s := v.Suggestion; s != nil {
		var parts []string
		if s.Cap != "" {
			parts = append(parts, "CAP "+s.Cap)
		}
		if s.City != "" {
			parts = append(parts, s.City)
		}
		if s.Province != "" {
			parts = append(parts, "("+s.Province+")")
		}
		if len(parts) > 0 {
			msg += " Intendevi " + strings.Join(parts, " ") + "?"
		}
	}
	return msg
}
