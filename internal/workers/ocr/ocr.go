// Package ocr turns a shipping label (a photo or pasted text) into draft
// fields.
package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/draft"
	"github.com/spediresicuro/anne/internal/postal"
	"github.com/spediresicuro/anne/internal/workers/address"
)

// DefaultMinConfidence is used when the worker is built with zero.
const DefaultMinConfidence = 0.7

const (
	msgVisionUnavailable = "Non riesco a leggere immagini in questo momento. Puoi scrivermi i dati del destinatario (nome, indirizzo, CAP, città, provincia) e il peso del pacco?"
	msgVisionFailed      = "Non sono riuscito a leggere l'immagine. Puoi incollare il testo dell'etichetta o scrivermi i dati del destinatario?"
	msgLowConfidence     = "L'immagine non è abbastanza leggibile per fidarmi dei dati. Puoi inviarne una più nitida o scrivermi destinatario, CAP, città, provincia e peso?"
	msgNothingFound      = "Non ho trovato dati di spedizione nel testo. Puoi indicarmi destinatario, CAP, città, provincia e peso?"
)

// Recognition is what a recognizer read from an image.
type Recognition struct {
	Text       string
	Confidence float64
}

// Recognizer reads text from an image.
type Recognizer interface {
	Recognize(ctx context.Context, img agent.Image) (Recognition, error)
}

// Extractor structures free text into a draft with a confidence. It is
// consulted only when the deterministic parse finds little.
type Extractor interface {
	Extract(ctx context.Context, text string) (draft.Draft, float64, error)
}

// Worker is the OCR worker.
type Worker struct {
	recognizer    Recognizer
	extractor     Extractor
	parser        *address.Extractor
	address       *address.Worker
	minConfidence float64
}

// Option configures a Worker.
type Option func(*Worker)

// WithRecognizer enables image input.
func WithRecognizer(r Recognizer) Option { return func(w *Worker) { w.recognizer = r } }

// WithExtractor enables model assisted extraction.
func WithExtractor(e Extractor) Option { return func(w *Worker) { w.extractor = e } }

// WithMinConfidence sets the recognition threshold.
func WithMinConfidence(c float64) Option { return func(w *Worker) { w.minConfidence = c } }

// New returns an OCR worker.
func New(dir *postal.Directory, opts ...Option) *Worker {
	w := &Worker{
		parser:        address.NewExtractor(dir),
		address:       address.New(dir),
		minConfidence: DefaultMinConfidence,
	}
	for _, o := range opts {
		o(w)
	}
	if w.minConfidence <= 0 {
		w.minConfidence = DefaultMinConfidence
	}
	return w
}

func (w *Worker) Name() agent.Step { return agent.StepOCR }

func clarify(s agent.State, msg string) agent.Result {
	s.Clarification = msg
	return agent.Result{State: s, Clarification: msg, Next: agent.StepEnd}
}

// Run reads the attached image, or the pasted text, and merges the fields
// into the draft. A complete draft goes on to the address checks.
func (w *Worker) Run(ctx context.Context, s agent.State) (agent.Result, error) {
	next := s.Clone()
	text := s.LastUserMessage()

	if s.Image != nil {
		if w.recognizer == nil {
			return clarify(next, msgVisionUnavailable), nil
		}
		rec, err := w.recognizer.Recognize(ctx, *s.Image)
		if err != nil {
			log.Warn().Err(err).Str("session", s.Context.SessionID).Msg("image recognition failed")
			return clarify(next, msgVisionFailed), nil
		}
		next.LowerConfidence(rec.Confidence)
		if rec.Confidence < w.minConfidence {
			next.FlagReview(fmt.Sprintf("ocr confidence %.2f below %.2f", rec.Confidence, w.minConfidence))
			log.Info().
				Str("session", s.Context.SessionID).
				Float64("confidence", rec.Confidence).
				Msg("image below confidence threshold")
			return clarify(next, msgLowConfidence), nil
		}
		text = rec.Text
	}

	update := w.parser.Parse(text)
	if w.extractor != nil && draft.Count(update) < 2 && strings.TrimSpace(text) != "" {
		extracted, conf, err := w.extractor.Extract(ctx, text)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("session", s.Context.SessionID).Msg("model extraction failed")
		case conf < w.minConfidence:
			next.LowerConfidence(conf)
			next.FlagReview(fmt.Sprintf("extraction confidence %.2f below %.2f", conf, w.minConfidence))
		default:
			next.LowerConfidence(conf)
			update = draft.Merge(extracted, update)
		}
	}

	n := draft.Count(update)
	log.Debug().Str("session", s.Context.SessionID).Int("extracted", n).Msg("ocr worker")
	if n == 0 {
		return clarify(next, msgNothingFound), nil
	}

	next.Draft = draft.Normalize(draft.Merge(s.Draft, update))
	next.Draft.Recipient = w.address.InferProvince(next.Draft.Recipient)

	missing := draft.MissingForPricing(next.Draft)
	next.MissingFields = missing
	if len(missing) == 0 {
		return agent.Result{State: next, Next: agent.StepAddress}, nil
	}
	res := clarify(next, Clarification(missing))
	res.MissingFields = missing
	return res, nil
}

var labels = map[string]string{
	draft.RecipientPostal:   "CAP",
	draft.RecipientProvince: "provincia (es. MI, RM)",
	draft.RecipientCity:     "città",
	draft.RecipientAddress:  "indirizzo (via/piazza)",
	draft.RecipientName:     "nome destinatario",
	draft.ParcelWeight:      "peso del pacco in kg",
}

// Clarification phrases the fields still missing after an extraction.
func Clarification(missing []string) string {
	var names []string
	for _, f := range missing {
		if l, ok := labels[f]; ok {
			names = append(names, l)
		} else {
			names = append(names, draft.FieldLabel(f))
		}
	}
	switch len(names) {
	case 0:
		return "Ho estratto i dati dallo screenshot. Puoi verificare e correggere se necessario."
	case 1:
		return fmt.Sprintf("Ho estratto alcuni dati, ma mi manca: **%s**.", names[0])
	case 2:
		return fmt.Sprintf("Dai dati estratti mancano: **%s** e **%s**.", names[0], names[1])
	}
	last := names[len(names)-1]
	return fmt.Sprintf("Ho estratto dati parziali. Mancano: **%s** e **%s**.", strings.Join(names[:len(names)-1], ", "), last)
}
