package creation

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/draft"
)

type staticProfiles struct {
	party draft.Party
	ok    bool
	err   error
}

func (p staticProfiles) DefaultSender(ctx context.Context, userID string) (draft.Party, bool, error) {
	return p.party, p.ok, p.err
}

var testSender = draft.Party{
	FullName: "Test Mittente", AddressLine1: "Via Test 1", City: "Roma",
	PostalCode: "00100", Province: "RM", Phone: "3331234567",
}

type fakeExtractor struct {
	ext  *Extraction
	err  error
	seen draft.Draft
}

func (f *fakeExtractor) Extract(ctx context.Context, text string, current draft.Draft) (*Extraction, error) {
	f.seen = current
	return f.ext, f.err
}

// turn runs one message on top of the previous state, the way the router
// carries state between turns.
func turn(t *testing.T, w *Worker, prev agent.State, msg string) agent.Result {
	t.Helper()
	s := prev.Clone()
	s.Messages = append(s.Messages, agent.Message{Role: agent.RoleHuman, Content: msg})
	res, err := w.Run(context.Background(), s)
	require.NoError(t, err)
	return res
}

func fresh() agent.State {
	return agent.New(agent.Context{SessionID: "c1", UserID: "u1"})
}

func TestCreationChainMultiTurn(t *testing.T) {
	w := New(nil, WithSenderProfiles(staticProfiles{party: testSender, ok: true}))

	r := turn(t, w, fresh(), "Voglio spedire 5kg a Milano")
	assert.Equal(t, PhaseCollecting, r.State.Phase)
	assert.Equal(t, agent.StepEnd, r.Next)
	assert.Equal(t, "Milano", r.State.Draft.Recipient.City)
	assert.Equal(t, "MI", r.State.Draft.Recipient.Province)
	assert.Equal(t, 5.0, r.State.Draft.Parcel.WeightKg)
	assert.Equal(t, "Test Mittente", r.State.Draft.Sender.FullName)
	assert.Equal(t, draft.RecipientName, r.State.PendingField)
	assert.Equal(t, "Per creare la spedizione mi serve ancora: **nome destinatario**.", r.Clarification)

	r = turn(t, w, r.State, "Mario Rossi")
	assert.Equal(t, "Mario Rossi", r.State.Draft.Recipient.FullName)
	assert.Equal(t, draft.RecipientPostal, r.State.PendingField)

	r = turn(t, w, r.State, "20121")
	assert.Equal(t, "20121", r.State.Draft.Recipient.PostalCode)
	assert.Equal(t, draft.RecipientAddress, r.State.PendingField)
	assert.Contains(t, r.Clarification, "indirizzo destinatario")

	r = turn(t, w, r.State, "Via Dante 7")
	assert.Equal(t, PhaseReady, r.State.Phase)
	assert.Equal(t, agent.StepPricing, r.Next)
	assert.Empty(t, r.State.PendingField)
	assert.Empty(t, r.Clarification)
	assert.Equal(t, "Via Dante 7", r.State.Draft.Recipient.AddressLine1)
	assert.Equal(t, 5.0, r.State.Draft.Parcel.WeightKg, "earlier turns are preserved")
}

func TestCreationLabelledSegments(t *testing.T) {
	w := New(nil)
	msg := "mittente: Luca Bianchi, Via Po 1, 10121 Torino TO destinatario: Mario Rossi, Via Roma 1, 20121 Milano MI, 3 kg"
	r := turn(t, w, fresh(), msg)

	want := draft.Draft{
		Sender:    draft.Party{FullName: "Luca Bianchi", AddressLine1: "Via Po 1", City: "Torino", PostalCode: "10121", Province: "TO"},
		Recipient: draft.Party{FullName: "Mario Rossi", AddressLine1: "Via Roma 1", City: "Milano", PostalCode: "20121", Province: "MI"},
		Parcel:    draft.Parcel{WeightKg: 3},
	}
	if diff := cmp.Diff(want, r.State.Draft); diff != "" {
		t.Fatalf("draft mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, PhaseReady, r.State.Phase)
	assert.Equal(t, agent.StepPricing, r.Next)
}

func TestCreationWithoutProfileAsksSender(t *testing.T) {
	w := New(nil, WithSenderProfiles(staticProfiles{err: errors.New("db down")}))
	r := turn(t, w, fresh(), "5 kg a Milano")
	assert.Equal(t, []string{draft.SenderName, draft.RecipientName}, r.MissingFields)
	assert.Equal(t, "Per creare la spedizione mi servono ancora: **nome mittente** e **nome destinatario**.", r.Clarification)

	r = turn(t, w, r.State, "Luca Bianchi")
	assert.Equal(t, "Luca Bianchi", r.State.Draft.Sender.FullName)
	assert.Empty(t, r.State.Draft.Recipient.FullName)
	assert.Equal(t, draft.RecipientName, r.State.PendingField)
}

func TestCreationRoute(t *testing.T) {
	r := turn(t, New(nil), fresh(), "spedisci da Roma a Milano 2 kg")
	assert.Equal(t, "Roma", r.State.Draft.Sender.City)
	assert.Equal(t, "RM", r.State.Draft.Sender.Province)
	assert.Equal(t, "Milano", r.State.Draft.Recipient.City)
	assert.Equal(t, 2.0, r.State.Draft.Parcel.WeightKg)
}

func TestCreationEmptyMessage(t *testing.T) {
	r := turn(t, New(nil), fresh(), "")
	assert.Equal(t, PhaseCollecting, r.State.Phase)
	assert.NotEmpty(t, r.Clarification)
}

func TestCreationExtractorQuestionAndMerge(t *testing.T) {
	ext := &fakeExtractor{ext: &Extraction{
		Draft:    draft.Draft{Recipient: draft.Party{FullName: "Mario Rossi", City: "Milano"}},
		Question: "Ho capito, 5kg a Mario Rossi a Milano! Mi mancano via e CAP, me li dici?",
	}}
	w := New(nil, WithSenderProfiles(staticProfiles{party: testSender, ok: true}), WithExtractor(ext))
	r := turn(t, w, fresh(), "5kg a Mario Rossi a Milano")

	assert.Equal(t, "Test Mittente", ext.seen.Sender.FullName, "extractor sees the current draft")
	assert.Equal(t, "Mario Rossi", r.State.Draft.Recipient.FullName)
	assert.Equal(t, ext.ext.Question, r.Clarification)
	assert.Equal(t, PhaseCollecting, r.State.Phase)
}

func TestCreationExtractorCorrectsCity(t *testing.T) {
	ext := &fakeExtractor{ext: &Extraction{Draft: draft.Draft{Recipient: draft.Party{City: "Milano"}}}}
	s := fresh()
	s.Draft = draft.Draft{Recipient: draft.Party{FullName: "Mario Rossi", City: "Roma"}, Parcel: draft.Parcel{WeightKg: 5}}
	r := turn(t, New(nil, WithExtractor(ext)), s, "No aspetta, Milano non Roma")
	assert.Equal(t, "Milano", r.State.Draft.Recipient.City)
	assert.Equal(t, "Mario Rossi", r.State.Draft.Recipient.FullName)
}

func TestCreationExtractorFailureFallsBack(t *testing.T) {
	ext := &fakeExtractor{err: errors.New("timeout")}
	r := turn(t, New(nil, WithExtractor(ext)), fresh(), "5kg a Milano")
	assert.Equal(t, 5.0, r.State.Draft.Parcel.WeightKg)
	assert.Contains(t, r.Clarification, "nome mittente")
}

func TestCurrentStageOrder(t *testing.T) {
	var d draft.Draft
	st, missing, ok := Current(d)
	require.True(t, ok)
	assert.Equal(t, "names", st.Name)
	assert.Len(t, missing, 2)

	d.Sender = testSender
	d.Recipient = draft.Party{FullName: "Mario Rossi", City: "Milano", PostalCode: "20121", AddressLine1: "Via Roma 1", Province: "MI"}
	st, missing, ok = Current(d)
	require.True(t, ok)
	assert.Equal(t, "parcel", st.Name, "phones never block")
	assert.Equal(t, []string{draft.ParcelWeight}, missing)

	d.Parcel.WeightKg = 1
	assert.True(t, Complete(d))
}

func TestClarification(t *testing.T) {
	assert.Contains(t, Clarification([]string{draft.ParcelWeight}), "mi serve ancora: **peso del pacco (kg)**")
	assert.Contains(t, Clarification(nil), "qualche dato in più")
	assert.Contains(t, Clarification([]string{"campo.sconosciuto"}), "campo.sconosciuto")
}

func TestFormatSummary(t *testing.T) {
	d := draft.Draft{
		Sender:    testSender,
		Recipient: draft.Party{FullName: "Mario Rossi", AddressLine1: "Via Roma 1", City: "Milano", PostalCode: "20100", Province: "MI"},
		Parcel:    draft.Parcel{WeightKg: 5},
	}
	out := FormatSummary(d, []agent.PricingOption{{Carrier: "GLS", Service: "standard", Price: 9.5, DeliveryDaysMin: 2, DeliveryDaysMax: 4}})
	for _, want := range []string{"Mittente", "Test Mittente", "Via Test 1", "00100 Roma (RM)", "3331234567", "Destinatario", "Mario Rossi", "5 kg", "GLS", "9.50", "procedi", "annulla"} {
		assert.Contains(t, out, want)
	}

	noSender := d
	noSender.Sender = draft.Party{}
	out = FormatSummary(noSender, nil)
	assert.Contains(t, out, "non configurato")
	assert.Contains(t, out, "Non sono riuscita a calcolare preventivi")

	var many []agent.PricingOption
	for i := 0; i < 6; i++ {
		many = append(many, agent.PricingOption{Carrier: fmt.Sprintf("Courier%d", i), Price: float64(12 + i)})
	}
	out = FormatSummary(d, many)
	assert.Contains(t, out, "Courier3")
	assert.NotContains(t, out, "Courier4")
}
