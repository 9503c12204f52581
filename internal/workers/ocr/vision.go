package ocr

import (
	"context"
	"fmt"
	"time"

	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/draft"
	"github.com/spediresicuro/anne/internal/llm"
)

const recognizePrompt = `Sei un sistema OCR per etichette di spedizione italiane.
Trascrivi fedelmente il testo dell'immagine e stima quanto è leggibile.
Rispondi solo con JSON: {"text": "<testo>", "confidence": <numero tra 0 e 1>}`

const extractPrompt = `Estrai i dati di spedizione dal testo seguente.
Non inventare valori: lascia vuoti i campi assenti.
Rispondi solo con JSON:
{"recipient": {"fullName": "", "addressLine1": "", "city": "", "postalCode": "", "province": "", "phone": ""},
 "parcel": {"weightKg": 0}, "confidence": <numero tra 0 e 1>}

Testo:
%s`

// ModelRecognizer reads labels with a vision capable model.
type ModelRecognizer struct {
	client  *llm.ResilientClient
	timeout time.Duration
}

// NewModelRecognizer returns a recognizer over client.
func NewModelRecognizer(client *llm.ResilientClient, timeout time.Duration) *ModelRecognizer {
	return &ModelRecognizer{client: client, timeout: timeout}
}

func (m *ModelRecognizer) Recognize(ctx context.Context, img agent.Image) (Recognition, error) {
	var out struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	}
	_, err := m.client.GenerateJSON(ctx, llm.Request{
		Prompt:  recognizePrompt,
		Image:   img.Data,
		MIME:    img.MIME,
		Timeout: m.timeout,
	}, &out)
	if err != nil {
		return Recognition{}, fmt.Errorf("recognize image: %w", err)
	}
	return Recognition{Text: out.Text, Confidence: clamp(out.Confidence)}, nil
}

// ModelExtractor structures text with a model.
type ModelExtractor struct {
	client  *llm.ResilientClient
	timeout time.Duration
}

// NewModelExtractor returns an extractor over client.
func NewModelExtractor(client *llm.ResilientClient, timeout time.Duration) *ModelExtractor {
	return &ModelExtractor{client: client, timeout: timeout}
}

func (m *ModelExtractor) Extract(ctx context.Context, text string) (draft.Draft, float64, error) {
	var out struct {
		Recipient  draft.Party  `json:"recipient"`
		Parcel     draft.Parcel `json:"parcel"`
		Confidence float64      `json:"confidence"`
	}
	_, err := m.client.GenerateJSON(ctx, llm.Request{
		Prompt:  fmt.Sprintf(extractPrompt, text),
		Timeout: m.timeout,
	}, &out)
	if err != nil {
		return draft.Draft{}, 0, fmt.Errorf("extract fields: %w", err)
	}
	d := draft.Draft{Recipient: out.Recipient, Parcel: out.Parcel}
	if !draft.ValidCap(d.Recipient.PostalCode) {
		d.Recipient.PostalCode = ""
	}
	return d, clamp(out.Confidence), nil
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
