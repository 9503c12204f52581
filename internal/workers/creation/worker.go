package creation

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/draft"
	"github.com/spediresicuro/anne/internal/postal"
	"github.com/spediresicuro/anne/internal/workers/address"
	"github.com/spediresicuro/anne/internal/workers/pricing"
)

// SenderProfiles returns a user's default sender.
type SenderProfiles interface {
	DefaultSender(ctx context.Context, userID string) (draft.Party, bool, error)
}

// Extraction is a model's reading of a creation message.
type Extraction struct {
	Draft      draft.Draft
	Question   string
	Confidence float64
}

// Extractor reads a message with the current draft as context.
type Extractor interface {
	Extract(ctx context.Context, text string, current draft.Draft) (*Extraction, error)
}

// Worker drives the creation chain.
type Worker struct {
	parser    *Parser
	inferrer  *address.Worker
	profiles  SenderProfiles
	extractor Extractor
}

type Option func(*Worker)

func WithSenderProfiles(p SenderProfiles) Option { return func(w *Worker) { w.profiles = p } }

func WithExtractor(e Extractor) Option { return func(w *Worker) { w.extractor = e } }

func New(dir *postal.Directory, opts ...Option) *Worker {
	w := &Worker{parser: NewParser(dir), inferrer: address.New(dir)}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Worker) Name() agent.Step { return agent.StepCreation }

// Run merges the message into the draft and either asks for the fields of
// the current stage or hands over to pricing once the draft is complete.
func (w *Worker) Run(ctx context.Context, s agent.State) (agent.Result, error) {
	next := s.Clone()
	next.Phase = PhaseCollecting
	text := s.LastUserMessage()
	logger := log.With().Str("session", s.Context.SessionID).Logger()

	if w.profiles != nil && next.Draft.Sender.FullName == "" && next.Draft.Sender.AddressLine1 == "" {
		profile, ok, err := w.profiles.DefaultSender(ctx, s.Context.UserID)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("sender profile lookup failed")
		case ok:
			next.Draft.Sender = draft.Merge(draft.Draft{Sender: profile}, next.Draft).Sender
		}
	}

	update := w.parser.Parse(text, s.PendingField)
	var question string
	if w.extractor != nil && strings.TrimSpace(text) != "" {
		ext, err := w.extractor.Extract(ctx, text, next.Draft)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("creation extraction failed, using patterns")
		case ext != nil:
			update = draft.Merge(update, ext.Draft)
			question = strings.TrimSpace(ext.Question)
		}
	}

	next.Draft = draft.Normalize(draft.Merge(next.Draft, update))
	next.Draft.Sender = w.inferrer.InferProvince(next.Draft.Sender)
	next.Draft.Recipient = w.inferrer.InferProvince(next.Draft.Recipient)

	stage, missing, pending := Current(next.Draft)
	logger.Debug().
		Int("extracted", draft.Count(update)).
		Str("stage", stage.Name).
		Int("missing", len(missing)).
		Msg("creation chain")

	if !pending {
		next.Phase = PhaseReady
		next.PendingField = ""
		next.MissingFields = nil
		next.Clarification = ""
		return agent.Result{State: next, Next: agent.StepPricing}, nil
	}

	clarification := question
	if clarification == "" {
		clarification = Clarification(missing)
	}
	next.PendingField = missing[0]
	next.MissingFields = missing
	next.Clarification = clarification
	return agent.Result{State: next, MissingFields: missing, Clarification: clarification, Next: agent.StepEnd}, nil
}

var questionLabels = map[string]string{
	draft.ParcelWeight:      "peso del pacco (kg)",
	draft.RecipientPostal:   "CAP destinatario",
	draft.RecipientProvince: "provincia destinatario",
	draft.RecipientAddress:  "indirizzo destinatario (via e civico)",
	draft.SenderAddress:     "indirizzo mittente (via e civico)",
}

// Clarification asks for the missing fields of a stage.
func Clarification(missing []string) string {
	labels := make([]string, 0, len(missing))
	for _, f := range missing {
		if l, ok := questionLabels[f]; ok {
			labels = append(labels, "**"+l+"**")
			continue
		}
		labels = append(labels, "**"+draft.FieldLabel(f)+"**")
	}
	switch len(labels) {
	case 0:
		return "Per creare la spedizione mi serve qualche dato in più. Puoi darmi mittente, destinatario e peso?"
	case 1:
		return fmt.Sprintf("Per creare la spedizione mi serve ancora: %s.", labels[0])
	}
	return fmt.Sprintf("Per creare la spedizione mi servono ancora: %s.", draft.JoinItalian(labels))
}

// FormatSummary renders the recap shown when the draft is ready.
func FormatSummary(d draft.Draft, options []agent.PricingOption) string {
	var b strings.Builder
	b.WriteString("📦 **Riepilogo spedizione**\n\n")

	if d.Sender.FullName == "" && d.Sender.AddressLine1 == "" {
		b.WriteString("⚠️ **Mittente:** non configurato. Impostalo nel profilo prima di prenotare.\n")
	} else {
		b.WriteString("**Mittente:** " + formatParty(d.Sender) + "\n")
	}
	b.WriteString("**Destinatario:** " + formatParty(d.Recipient) + "\n")
	b.WriteString("**Pacco:** " + strconv.FormatFloat(d.Parcel.WeightKg, 'f', -1, 64) + " kg")
	if d.Parcel.LengthCm > 0 && d.Parcel.WidthCm > 0 && d.Parcel.HeightCm > 0 {
		fmt.Fprintf(&b, ", %gx%gx%g cm", d.Parcel.LengthCm, d.Parcel.WidthCm, d.Parcel.HeightCm)
	}
	b.WriteString("\n\n")

	if len(options) == 0 {
		b.WriteString(pricing.MsgNoQuotes)
		return b.String()
	}
	b.WriteString("**Opzioni disponibili:**\n")
	for i, o := range options {
		if i == pricing.MaxAlternatives+1 {
			break
		}
		fmt.Fprintf(&b, "%d. %s (%s): €%.2f, %d-%d giorni\n", i+1, o.Carrier, o.Service, o.Price, o.DeliveryDaysMin, o.DeliveryDaysMax)
	}
	b.WriteString("\nScrivi **procedi** per prenotare la prima opzione o **annulla** per annullare.")
	return b.String()
}

func formatParty(p draft.Party) string {
	var parts []string
	for _, v := range []string{p.FullName, p.AddressLine1} {
		if v != "" {
			parts = append(parts, v)
		}
	}
	loc := strings.TrimSpace(p.PostalCode + " " + p.City)
	if p.Province != "" {
		loc += " (" + p.Province + ")"
	}
	if loc != "" {
		parts = append(parts, loc)
	}
	if p.Phone != "" {
		parts = append(parts, "tel. "+p.Phone)
	}
	return strings.Join(parts, ", ")
}
