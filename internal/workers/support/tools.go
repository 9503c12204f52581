package support

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spediresicuro/anne/internal/escalation"
	"github.com/spediresicuro/anne/internal/tools"
)

const recentLimit = 5

// RegisterTools binds the support tools to backend. Escalations go to
// notifier.
func RegisterTools(exec *tools.Executor, backend Backend, notifier escalation.Notifier) error {
	h := &handlers{backend: backend, notifier: notifier, now: time.Now}
	for name, fn := range map[string]tools.Handler{
		"get_shipment_status":     h.status,
		"list_recent_shipments":   h.recent,
		"force_refresh_tracking":  h.refresh,
		"diagnose_shipment_issue": h.diagnose,
		"check_wallet_status":     h.wallet,
		"manage_hold":             h.hold,
		"cancel_shipment":         h.cancel,
		"process_refund":          h.refund,
		"escalate_to_human":       h.escalate,
	} {
		if err := exec.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

type handlers struct {
	backend  Backend
	notifier escalation.Notifier
	now      func() time.Time
}

func (h *handlers) status(ctx context.Context, sc tools.Scope, a tools.Args) (tools.Output, error) {
	args := a.(*tools.GetShipmentStatusArgs)
	ref := args.ShipmentID
	if ref == "" {
		ref = args.TrackingNumber
	}
	if ref == "" {
		return tools.Output{}, ErrShipmentNotFound
	}
	s, err := h.backend.Find(ctx, sc.WorkspaceID, sc.UserID, ref)
	if err != nil {
		return tools.Output{}, err
	}
	return tools.Output{Message: StatusSummary(*s), Data: map[string]any{"shipment": *s}}, nil
}

func (h *handlers) recent(ctx context.Context, sc tools.Scope, a tools.Args) (tools.Output, error) {
	limit := a.(*tools.ListRecentShipmentsArgs).Limit
	if limit == 0 {
		limit = recentLimit
	}
	list, err := h.backend.Recent(ctx, sc.WorkspaceID, sc.UserID, limit)
	if err != nil {
		return tools.Output{}, err
	}
	if len(list) == 0 {
		return tools.Output{Message: "Nessuna spedizione attiva.", Data: map[string]any{"count": 0}}, nil
	}
	return tools.Output{Message: ShipmentList(list), Data: map[string]any{"count": len(list)}}, nil
}

func (h *handlers) refresh(ctx context.Context, sc tools.Scope, a tools.Args) (tools.Output, error) {
	s, err := h.backend.RefreshTracking(ctx, sc.WorkspaceID, sc.UserID, a.(*tools.ForceRefreshTrackingArgs).ShipmentID)
	if err != nil {
		return tools.Output{}, err
	}
	msg := fmt.Sprintf("Tracking aggiornato: %s.", StatusLabel(s.Status))
	if s.LastEvent != "" {
		msg = fmt.Sprintf("Tracking aggiornato: %s (%s).", StatusLabel(s.Status), s.LastEvent)
	}
	return tools.Output{Message: msg, Data: map[string]any{"status": s.Status}}, nil
}

func (h *handlers) diagnose(ctx context.Context, sc tools.Scope, a tools.Args) (tools.Output, error) {
	d := Diagnose(a.(*tools.DiagnoseShipmentIssueArgs).Description)
	if d == "" {
		return tools.Output{Message: "Non riesco a capire il problema senza i dati della spedizione."}, nil
	}
	return tools.Output{Message: d, Data: map[string]any{"diagnosis": d}}, nil
}

func (h *handlers) wallet(ctx context.Context, sc tools.Scope, a tools.Args) (tools.Output, error) {
	bal, err := h.backend.WalletBalance(ctx, sc.WorkspaceID, sc.UserID)
	if err != nil {
		return tools.Output{}, err
	}
	return tools.Output{Message: fmt.Sprintf("Saldo wallet: €%.2f.", bal), Data: map[string]any{"saldo": bal}}, nil
}

func (h *handlers) hold(ctx context.Context, sc tools.Scope, a tools.Args) (tools.Output, error) {
	args := a.(*tools.ManageHoldArgs)
	if err := h.backend.ManageHold(ctx, sc.WorkspaceID, sc.UserID, args.ShipmentID, args.Action, args.Address); err != nil {
		return tools.Output{}, err
	}
	return tools.Output{Message: fmt.Sprintf("Richiesta di %s inoltrata al corriere.", HoldActionLabel(args.Action))}, nil
}

func (h *handlers) cancel(ctx context.Context, sc tools.Scope, a tools.Args) (tools.Output, error) {
	args := a.(*tools.CancelShipmentArgs)
	credit, err := h.backend.Cancel(ctx, sc.WorkspaceID, sc.UserID, args.ShipmentID, args.Reason)
	if err != nil {
		return tools.Output{}, err
	}
	return tools.Output{
		Message: fmt.Sprintf("Spedizione annullata, €%.2f riaccreditati sul wallet.", credit),
		Data:    map[string]any{"credit": credit},
	}, nil
}

func (h *handlers) refund(ctx context.Context, sc tools.Scope, a tools.Args) (tools.Output, error) {
	args := a.(*tools.ProcessRefundArgs)
	if err := h.backend.Refund(ctx, sc.WorkspaceID, sc.UserID, args.ShipmentID, args.Amount, args.Reason); err != nil {
		return tools.Output{}, err
	}
	return tools.Output{Message: fmt.Sprintf("Rimborso di €%.2f accreditato sul wallet.", args.Amount)}, nil
}

func (h *handlers) escalate(ctx context.Context, sc tools.Scope, a tools.Args) (tools.Output, error) {
	args := a.(*tools.EscalateToHumanArgs)
	if h.notifier == nil {
		return tools.Output{}, ErrNoOperator
	}
	err := h.notifier.Notify(ctx, escalation.Escalation{
		WorkspaceID: sc.WorkspaceID,
		Reason:      args.Reason,
		ShipmentID:  args.ShipmentID,
		At:          h.now(),
	})
	if err != nil {
		return tools.Output{}, err
	}
	return tools.Output{Message: "Ho passato la richiesta al team: ti ricontatteranno a breve."}, nil
}

// StatusLabel is the Italian label of a shipment status.
func StatusLabel(status string) string {
	switch status {
	case StatusPending:
		return "in attesa"
	case StatusLabelCreated:
		return "etichetta creata"
	case StatusPickedUp:
		return "ritirata dal corriere"
	case StatusInTransit:
		return "in transito"
	case StatusOnHold:
		return "in giacenza"
	case StatusDelivered:
		return "consegnata"
	case StatusCancelled:
		return "annullata"
	}
	if status == "" {
		return "sconosciuto"
	}
	return status
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// StatusSummary describes one shipment.
func StatusSummary(s Shipment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ecco lo stato della spedizione **%s**:\n\n", orNA(s.TrackingNumber))
	fmt.Fprintf(&b, "- **Stato:** %s\n", StatusLabel(s.Status))
	fmt.Fprintf(&b, "- **Corriere:** %s\n", orNA(s.Carrier))
	fmt.Fprintf(&b, "- **Destinatario:** %s\n", orNA(s.RecipientName))
	if s.LastEvent != "" {
		fmt.Fprintf(&b, "- **Ultimo aggiornamento:** %s\n", s.LastEvent)
	}
	if s.Delivered() {
		b.WriteString("- **Consegnata** ✓\n")
	}
	if s.Hold != nil {
		reason := strings.ReplaceAll(s.Hold.Reason, "_", " ")
		if reason == "" {
			reason = "motivo non specificato"
		}
		fmt.Fprintf(&b, "\n⚠️ **In giacenza:** %s\n", reason)
		fmt.Fprintf(&b, "- Giorni rimanenti: %d\n", s.Hold.DaysRemaining)
		if len(s.Hold.Actions) > 0 {
			labels := make([]string, len(s.Hold.Actions))
			for i, a := range s.Hold.Actions {
				labels[i] = HoldActionLabel(a)
			}
			fmt.Fprintf(&b, "- Azioni disponibili: %s\n", strings.Join(labels, ", "))
		}
	}
	b.WriteString("\nCome vuoi procedere? Posso aiutarti con qualsiasi azione sulla spedizione.")
	return b.String()
}

// ShipmentList numbers shipments for the user to pick one.
func ShipmentList(list []Shipment) string {
	lines := make([]string, len(list))
	for i, s := range list {
		tracking := s.TrackingNumber
		if tracking == "" {
			tracking = "In lavorazione"
		}
		lines[i] = fmt.Sprintf("%d. %s → %s (%s)", i+1, tracking, orNA(s.RecipientName), StatusLabel(s.Status))
	}
	return strings.Join(lines, "\n")
}

var diagnoses = []struct {
	words []string
	text  string
}{
	{[]string{"danneggiat", "rotto", "rotta", "distrutt"},
		"Per un pacco danneggiato serve una verifica del corriere: conserva imballo e contenuto, scatta qualche foto e indicami il tracking. Apro io la segnalazione."},
	{[]string{"smarrit", "perso", "persa"},
		"Se la spedizione sembra smarrita indicami il numero di tracking: controllo l'ultimo evento e, se serve, apro una verifica con il corriere."},
	{[]string{"giacenza", "fermo", "deposito"},
		"Se la spedizione è in giacenza indicami il numero di tracking: verifico il motivo e le azioni disponibili (riconsegna, reso o ritiro in sede)."},
	{[]string{"ritardo", "non arriva", "in ritardo", "bloccat"},
		"Un ritardo di uno o due giorni è normale nei periodi di picco. Indicami il tracking e forzo un aggiornamento dello stato con il corriere."},
	{[]string{"contrassegno"},
		"Per i problemi di contrassegno mi serve il tracking della spedizione: verifico se il pagamento risulta incassato dal corriere."},
}

// Diagnose gives first-line advice from a free text description. It
// returns "" when nothing matches.
func Diagnose(description string) string {
	lower := strings.ToLower(description)
	for _, d := range diagnoses {
		for _, w := range d.words {
			if strings.Contains(lower, w) {
				return d.text
			}
		}
	}
	return ""
}
