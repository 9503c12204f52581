package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectPricing(t *testing.T) {
	positive := []string{
		"Vorrei un preventivo per spedire a 00100 Roma",
		"Qual è il prezzo per spedire 2 kg?",
		"Quanto costa spedire 1.5 kg a 20100 Milano?",
		"Spedizione a 50100 Firenze",
		"Preventivo per 1,5 kg",
		"Prezzo per 2.5kg",
		"Costo per 3 chili",
		"PREVENTIVO per 00100",
		"PreVeNtIvO per 2 kg",
		"Spedire a 00100",
		"💰 Preventivo per 2 kg",
		"[VOX] Preventivo per 00100",
		"Spedire 3 kg, preventivo",
		"Preventivo: 2 kg a 00100",
		"Preventivo per 0 kg",
	}
	for _, m := range positive {
		assert.True(t, DetectPricing(m), m)
	}
	negative := []string{
		"Preventivo per 00 100",
		"Ciao Anne, come va?",
		"Spedizione internazionale",
		"Prenota una spedizione",
		"Report fatturato spedizioni",
		"Analisi margine spedizioni",
		"Ricavo da spedizioni",
		"Guadagno mensile",
		"Statistiche spedizioni 2 kg",
		"Vorrei un preventivo",
		"Preventivo per 0100",
		"Preventivo per 001000",
		"Preventivo per 2",
	}
	for _, m := range negative {
		assert.False(t, DetectPricing(m), m)
	}
}

func TestDetectShipmentCreation(t *testing.T) {
	positive := []string{
		"Voglio spedire un pacco a Milano",
		"Crea una spedizione per me",
		"Devo spedire un pacco urgente",
		"Manda un pacco a Roma",
		"Prenota spedizione per domani",
		"Voglio fare una spedizione",
		"Spedire un pacco a Napoli",
		"Ordina spedizione per domani",
		"Vorrei mandare un regalo a mia madre",
		"VOGLIO SPEDIRE",
		"Crea Spedizione",
	}
	for _, m := range positive {
		assert.True(t, DetectShipmentCreation(m), m)
	}
	negative := []string{
		"Spedire a Napoli 5kg",
		"Traccia la mia spedizione",
		"Tracking della spedizione",
		"Annulla spedizione 12345",
		"Preventivo per spedire 5kg",
		"Quanto costa spedire a Milano?",
		"Report spedizioni mensile",
		"Ciao come stai",
		"",
		"Dove si trova la mia spedizione?",
	}
	for _, m := range negative {
		assert.False(t, DetectShipmentCreation(m), m)
	}
}

func TestDetectCancelCreation(t *testing.T) {
	for _, m := range []string{"annulla", "Annulla la spedizione", "lascia perdere", "basta", "stop", "ricomincia"} {
		assert.True(t, DetectCancelCreation(m), m)
	}
	for _, m := range []string{"Mario Rossi, Via Roma 1", "5kg a Milano", "procedi"} {
		assert.False(t, DetectCancelCreation(m), m)
	}
}

func TestContainsOCRPatterns(t *testing.T) {
	label := "Destinatario: Mario Rossi\nVia Garibaldi 12\n20121 Milano (MI)\nTel: 333 1234567"
	assert.True(t, ContainsOCRPatterns(label))
	assert.False(t, ContainsOCRPatterns("Via Roma"))
	assert.False(t, ContainsOCRPatterns("Vorrei sapere come funziona il servizio"))
}

func TestDetectSupport(t *testing.T) {
	for _, m := range []string{
		"Dov'è il mio pacco?",
		"La spedizione è in giacenza",
		"Voglio un rimborso",
		"Il corriere GLS ha un ritardo enorme",
		"Contrassegno rifiutato, problema col pagamento",
	} {
		assert.True(t, DetectSupport(m), m)
	}
	assert.False(t, DetectSupport("Buongiorno"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		msg   string
		hints Hints
		want  Intent
	}{
		{"empty", "  ", Hints{}, None},
		{"end delegation", "Termina la delegazione", Hints{}, EndDelegation},
		{"delegation", "Opera per conto di Rossi Srl", Hints{}, Delegation},
		{"confirm quotes", "Sì, procedi", Hints{AwaitingConfirmation: true}, Confirm},
		{"cancel wins", "sì, anzi no", Hints{AwaitingConfirmation: true}, Cancel},
		{"confirm word without pending action", "ok", Hints{}, Mentor},
		{"cancel creation", "lascia perdere", Hints{CreationActive: true}, Cancel},
		{"ocr label", "Destinatario: Mario Rossi, Via Verdi 3, 00184 Roma RM", Hints{}, OCR},
		{"pricing", "Quanto costa spedire 2 kg a 20100?", Hints{}, Pricing},
		{"creation", "Voglio spedire un pacco a Milano", Hints{}, ShipmentCreation},
		{"creation answer", "Mario Rossi", Hints{CreationActive: true}, ShipmentCreation},
		{"price list", "Mostrami il listino GLS", Hints{}, PriceList},
		{"outreach", "Metti in pausa la sequenza per Rossi", Hints{}, Outreach},
		{"crm", "Come va la pipeline?", Hints{}, CRM},
		{"support", "Traccia la spedizione ABC12345678", Hints{}, Support},
		{"pricing without data", "Vorrei un preventivo", Hints{}, Pricing},
		{"greeting", "Ciao Anne, come va?", Hints{}, Greeting},
		{"mentor", "Come funziona il contrassegno?", Hints{}, Mentor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.msg, tt.hints))
		})
	}
}

func TestClassifyTaskSkipsDelegation(t *testing.T) {
	msg := "Per conto di Acme, traccia la spedizione ABC12345678"
	assert.Equal(t, Delegation, Classify(msg, Hints{}))
	assert.Equal(t, Support, ClassifyTask(msg, Hints{}))
	assert.Equal(t, Mentor, ClassifyTask("per conto di Mario Rossi", Hints{}))
	assert.Equal(t, None, ClassifyTask("  ", Hints{}))
}
