package support

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spediresicuro/anne/internal/tools"
)

// Action is what a rule proposes.
type Action string

const (
	ActionHold     Action = "hold_action"
	ActionCancel   Action = "cancel_shipment"
	ActionRefund   Action = "refund"
	ActionRefresh  Action = "refresh_tracking"
	ActionEscalate Action = "escalate"
	ActionInfo     Action = "info_only"
)

// ConfirmLevel says when the user must confirm a rule's action.
type ConfirmLevel int

const (
	// ConfirmAuto runs free, safe actions straight away.
	ConfirmAuto ConfirmLevel = iota
	// ConfirmAlways parks the action until the user confirms.
	ConfirmAlways
	// ConfirmDecide asks only when the action costs money or the wallet
	// cannot cover it.
	ConfirmDecide
)

// Facts is what the rules look at.
type Facts struct {
	Status             string
	Carrier            string
	Tracking           string
	Delivered          bool
	DaysSinceLastEvent int // -1 when unknown
	HoldReason         string
	HoldDaysRemaining  int
	HoldActions        []string
	ActionCost         float64
	WalletBalance      *float64
	RefundableAmount   float64
	WantsCancel        bool
	WantsRefund        bool
}

// Rule maps a shipment situation to an action and a reply.
type Rule struct {
	ID         string
	Carrier    string // empty matches every carrier
	Priority   int
	Action     Action
	HoldAction string
	Confirm    ConfirmLevel
	Template   string
	When       func(f Facts) bool
}

func stale(f Facts, min, max int) bool {
	return f.DaysSinceLastEvent >= min && (max < 0 || f.DaysSinceLastEvent <= max) && !f.Delivered
}

var rules = []Rule{
	{
		ID: "hold_absent_redelivery", Priority: 10, Action: ActionHold, HoldAction: tools.HoldRedeliver, Confirm: ConfirmDecide,
		Template: "La spedizione {tracking} è in giacenza perché il destinatario era assente. Richiedo una nuova consegna{cost_info}.",
		When:     func(f Facts) bool { return f.HoldReason == HoldAbsent },
	},
	{
		ID: "hold_wrong_address", Priority: 10, Action: ActionInfo,
		Template: "La spedizione {tracking} è in giacenza per indirizzo errato o incompleto. Per la riconsegna ho bisogno del nuovo indirizzo completo{cost_info}.",
		When:     func(f Facts) bool { return f.HoldReason == HoldWrongAddress },
	},
	{
		ID: "hold_refused", Priority: 10, Action: ActionHold, HoldAction: tools.HoldReturn, Confirm: ConfirmAlways,
		Template: "La spedizione {tracking} è stata rifiutata dal destinatario. Posso richiedere il reso al mittente{cost_info}.",
		When:     func(f Facts) bool { return f.HoldReason == HoldRefused },
	},
	{
		ID: "hold_cod_unpaid", Priority: 10, Action: ActionHold, HoldAction: tools.HoldRedeliver, Confirm: ConfirmAlways,
		Template: "La spedizione {tracking} è in giacenza perché il contrassegno non è stato pagato. Posso tentare una riconsegna oppure organizzare il reso al mittente{cost_info}.",
		When:     func(f Facts) bool { return f.HoldReason == HoldCODUnpaid },
	},
	{
		ID: "hold_inaccessible", Priority: 10, Action: ActionHold, HoldAction: tools.HoldPickup, Confirm: ConfirmAlways,
		Template: "La spedizione {tracking} è in giacenza perché la zona non è accessibile dal corriere. Il destinatario può ritirarla in sede{cost_info}.",
		When:     func(f Facts) bool { return f.HoldReason == HoldInaccessible },
	},
	{
		ID: "hold_missing_docs", Priority: 10, Action: ActionEscalate, Confirm: ConfirmAuto,
		Template: "La spedizione {tracking} è in giacenza per documenti mancanti. Questo caso richiede un intervento specifico: lo sto passando al team.",
		When:     func(f Facts) bool { return f.HoldReason == HoldMissingDocs },
	},
	{
		ID: "hold_expiring", Priority: 20, Action: ActionInfo,
		Template: "⚠️ URGENTE: la giacenza di {tracking} scade tra {days_remaining} giorni. Se non agiamo il pacco verrà restituito o distrutto. Azioni disponibili: {available_actions}. Cosa preferisci fare?",
		When:     func(f Facts) bool { return f.HoldReason != "" && f.HoldDaysRemaining <= 3 },
	},
	{
		ID: "hold_generic", Priority: 1, Action: ActionInfo,
		Template: "La spedizione {tracking} è in giacenza. Azioni disponibili: {available_actions}. Cosa preferisci?",
		When:     func(f Facts) bool { return f.HoldReason == HoldOther || (f.Status == StatusOnHold && f.HoldReason == "") },
	},
	{
		ID: "cancel_pre_transit", Priority: 10, Action: ActionCancel, Confirm: ConfirmAlways,
		Template: "La spedizione {tracking} non è ancora stata ritirata dal corriere. Posso cancellarla e il credito tornerà sul tuo wallet.",
		When: func(f Facts) bool {
			return f.WantsCancel && (f.Status == StatusPending || f.Status == StatusLabelCreated)
		},
	},
	{
		ID: "cancel_in_transit", Priority: 10, Action: ActionInfo,
		Template: "La spedizione {tracking} è già in transito e non può essere cancellata. Posso richiedere un reso al mittente quando viene consegnata, oppure se va in giacenza la gestiamo da lì.",
		When: func(f Facts) bool {
			return f.WantsCancel && (f.Status == StatusInTransit || f.Status == StatusPickedUp)
		},
	},
	{
		ID: "cancel_delivered", Priority: 20, Action: ActionInfo,
		Template: "La spedizione {tracking} risulta già consegnata, quindi non è possibile cancellarla. Se ci sono problemi con la consegna dimmi di più e vediamo come posso aiutarti.",
		When:     func(f Facts) bool { return f.WantsCancel && f.Delivered },
	},
	{
		ID: "refund_cancelled", Priority: 10, Action: ActionRefund, Confirm: ConfirmAlways,
		Template: "La spedizione {tracking} è stata cancellata. Posso accreditare il rimborso di €{amount} sul tuo wallet.",
		When: func(f Facts) bool {
			return f.WantsRefund && f.Status == StatusCancelled && f.RefundableAmount > 0
		},
	},
	{
		ID: "refund_lost", Priority: 15, Action: ActionEscalate, Confirm: ConfirmAuto,
		Template: "La spedizione {tracking} non ha aggiornamenti da {days} giorni e potrebbe essere smarrita. Sto aprendo una segnalazione per verificare con il corriere e procedere al rimborso.",
		When:     func(f Facts) bool { return stale(f, 15, -1) },
	},
	{
		ID: "refund_severe_delay", Priority: 10, Action: ActionRefresh, Confirm: ConfirmAuto,
		Template: "La spedizione {tracking} non ha aggiornamenti da {days} giorni. Sto forzando un aggiornamento del tracking per verificare la situazione.",
		When:     func(f Facts) bool { return stale(f, 8, 14) },
	},
	{
		ID: "tracking_stale", Priority: 5, Action: ActionRefresh, Confirm: ConfirmAuto,
		Template: "Il tracking di {tracking} non si aggiorna da {days} giorni. Sto verificando lo stato aggiornato con il corriere.",
		When:     func(f Facts) bool { return stale(f, 2, 7) },
	},
	{
		ID: "tracking_delivered", Priority: 10, Action: ActionInfo,
		Template: "La spedizione {tracking} risulta consegnata. Se il pacco non è stato effettivamente ricevuto fammi sapere e apro una verifica.",
		When:     func(f Facts) bool { return f.Delivered },
	},
}

func init() {
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
}

// MatchRule returns the highest priority rule for f and its reply.
func MatchRule(f Facts) (Rule, string, bool) {
	for _, r := range rules {
		if r.Carrier != "" && !strings.EqualFold(r.Carrier, f.Carrier) {
			continue
		}
		if r.When(f) {
			return r, interpolate(r.Template, f), true
		}
	}
	return Rule{}, "", false
}

// ShouldConfirm reports whether the user must confirm before the action
// runs.
func ShouldConfirm(level ConfirmLevel, f Facts) bool {
	switch level {
	case ConfirmAuto:
		return false
	case ConfirmAlways:
		return true
	}
	if f.ActionCost > 0 {
		return true
	}
	return f.WalletBalance != nil && *f.WalletBalance < f.ActionCost
}

func interpolate(tmpl string, f Facts) string {
	tracking := f.Tracking
	if tracking == "" {
		tracking = "N/A"
	}
	days := "?"
	if f.DaysSinceLastEvent >= 0 {
		days = strconv.Itoa(f.DaysSinceLastEvent)
	}
	costInfo := ""
	if f.ActionCost > 0 {
		costInfo = fmt.Sprintf(" (costo: €%.2f)", f.ActionCost)
	}
	actions := "nessuna"
	if len(f.HoldActions) > 0 {
		labels := make([]string, len(f.HoldActions))
		for i, a := range f.HoldActions {
			labels[i] = HoldActionLabel(a)
		}
		actions = strings.Join(labels, ", ")
	}
	return strings.NewReplacer(
		"{tracking}", tracking,
		"{days}", days,
		"{days_remaining}", strconv.Itoa(f.HoldDaysRemaining),
		"{amount}", fmt.Sprintf("%.2f", f.RefundableAmount),
		"{cost_info}", costInfo,
		"{available_actions}", actions,
	).Replace(tmpl)
}

// HoldActionLabel is the Italian label of a hold action.
func HoldActionLabel(action string) string {
	switch action {
	case tools.HoldRedeliver:
		return "riconsegna"
	case tools.HoldReturn:
		return "reso al mittente"
	case tools.HoldPickup:
		return "ritiro in sede"
	}
	return action
}
