package ocr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/draft"
)

const label = `Destinatario: Mario Rossi
Via Roma 123
20100 Milano MI
Tel: 333 1234567
Peso: 2,5 kg`

type fakeRecognizer struct {
	rec   Recognition
	err   error
	calls int
}

func (f *fakeRecognizer) Recognize(ctx context.Context, img agent.Image) (Recognition, error) {
	f.calls++
	return f.rec, f.err
}

type fakeExtractor struct {
	d     draft.Draft
	conf  float64
	err   error
	calls int
}

func (f *fakeExtractor) Extract(ctx context.Context, text string) (draft.Draft, float64, error) {
	f.calls++
	return f.d, f.conf, f.err
}

func textState(msg string) agent.State {
	s := agent.New(agent.Context{SessionID: "ocr-test"})
	s.Messages = []agent.Message{{Role: agent.RoleHuman, Content: msg}}
	return s
}

func imageState() agent.State {
	s := textState("")
	s.Image = &agent.Image{Data: []byte{0x89, 'P', 'N', 'G'}, MIME: "image/png"}
	return s
}

func TestRunPastedLabelComplete(t *testing.T) {
	res, err := New(nil).Run(context.Background(), textState(label))
	require.NoError(t, err)

	assert.Equal(t, agent.StepAddress, res.Next)
	assert.Empty(t, res.Clarification)
	r := res.State.Draft.Recipient
	assert.Equal(t, "Mario Rossi", r.FullName)
	assert.Equal(t, "20100", r.PostalCode)
	assert.Equal(t, "MI", r.Province)
	assert.Equal(t, 2.5, res.State.Draft.Parcel.WeightKg)
}

func TestRunPartialLabelAsksForMissing(t *testing.T) {
	res, err := New(nil).Run(context.Background(), textState("Destinatario: Mario Rossi\nVia Roma 123\n20100 Milano MI"))
	require.NoError(t, err)

	assert.Equal(t, agent.StepEnd, res.Next)
	assert.Equal(t, []string{draft.ParcelWeight}, res.MissingFields)
	assert.Equal(t, "Ho estratto alcuni dati, ma mi manca: **peso del pacco in kg**.", res.Clarification)
	assert.Equal(t, "20100", res.State.Draft.Recipient.PostalCode)
}

func TestRunNothingFound(t *testing.T) {
	res, err := New(nil).Run(context.Background(), textState("ciao come stai"))
	require.NoError(t, err)
	assert.Equal(t, agent.StepEnd, res.Next)
	assert.Equal(t, msgNothingFound, res.Clarification)
	assert.True(t, res.State.Draft.IsEmpty())
}

func TestRunImageWithoutRecognizer(t *testing.T) {
	res, err := New(nil).Run(context.Background(), imageState())
	require.NoError(t, err)
	assert.Equal(t, msgVisionUnavailable, res.Clarification)
	assert.Equal(t, agent.StepEnd, res.Next)
}

func TestRunImageRecognized(t *testing.T) {
	rec := &fakeRecognizer{rec: Recognition{Text: label, Confidence: 0.92}}
	res, err := New(nil, WithRecognizer(rec)).Run(context.Background(), imageState())
	require.NoError(t, err)

	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, agent.StepAddress, res.Next)
	assert.InDelta(t, 0.92, res.State.Confidence, 1e-9)
	assert.False(t, res.State.NeedsHumanReview)
}

func TestRunImageLowConfidenceFlagsReview(t *testing.T) {
	rec := &fakeRecognizer{rec: Recognition{Text: label, Confidence: 0.4}}
	res, err := New(nil, WithRecognizer(rec)).Run(context.Background(), imageState())
	require.NoError(t, err)

	assert.True(t, res.State.NeedsHumanReview)
	assert.InDelta(t, 0.4, res.State.Confidence, 1e-9)
	assert.Equal(t, msgLowConfidence, res.Clarification)
	assert.True(t, res.State.Draft.IsEmpty(), "low confidence output must not reach the draft")
}

func TestRunImageRecognizerError(t *testing.T) {
	rec := &fakeRecognizer{err: errors.New("vision down")}
	res, err := New(nil, WithRecognizer(rec)).Run(context.Background(), imageState())
	require.NoError(t, err)
	assert.Equal(t, msgVisionFailed, res.Clarification)
}

func TestRunExtractorFallbackKeepsDeterministicValues(t *testing.T) {
	ext := &fakeExtractor{
		d: draft.Draft{
			Recipient: draft.Party{FullName: "Luigi Verdi", City: "Torino", PostalCode: "10121", Province: "TO"},
			Parcel:    draft.Parcel{WeightKg: 9},
		},
		conf: 0.9,
	}
	res, err := New(nil, WithExtractor(ext)).Run(context.Background(), textState("mandalo a Luigi, 3 kg"))
	require.NoError(t, err)

	assert.Equal(t, 1, ext.calls)
	assert.Equal(t, 3.0, res.State.Draft.Parcel.WeightKg)
	assert.Equal(t, "10121", res.State.Draft.Recipient.PostalCode)
	assert.Equal(t, agent.StepAddress, res.Next)
}

func TestRunExtractorSkippedWhenParseSuffices(t *testing.T) {
	ext := &fakeExtractor{}
	_, err := New(nil, WithExtractor(ext)).Run(context.Background(), textState(label))
	require.NoError(t, err)
	assert.Zero(t, ext.calls)
}

func TestRunExtractorLowConfidenceIgnored(t *testing.T) {
	ext := &fakeExtractor{d: draft.Draft{Parcel: draft.Parcel{WeightKg: 4}}, conf: 0.3}
	res, err := New(nil, WithExtractor(ext)).Run(context.Background(), textState("spedizione per domani"))
	require.NoError(t, err)
	assert.True(t, res.State.NeedsHumanReview)
	assert.Zero(t, res.State.Draft.Parcel.WeightKg)
}

func TestRunDoesNotMutateInput(t *testing.T) {
	in := textState(label)
	_, err := New(nil).Run(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, in.Draft.IsEmpty())
}

func TestClarification(t *testing.T) {
	tests := []struct {
		missing []string
		want    string
	}{
		{nil, "Ho estratto i dati dallo screenshot. Puoi verificare e correggere se necessario."},
		{[]string{draft.RecipientPostal}, "Ho estratto alcuni dati, ma mi manca: **CAP**."},
		{[]string{draft.RecipientPostal, draft.RecipientProvince}, "Dai dati estratti mancano: **CAP** e **provincia (es. MI, RM)**."},
		{
			[]string{draft.ParcelWeight, draft.RecipientPostal, draft.RecipientProvince},
			"Ho estratto dati parziali. Mancano: **peso del pacco in kg, CAP** e **provincia (es. MI, RM)**.",
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Clarification(tt.missing))
	}
}
