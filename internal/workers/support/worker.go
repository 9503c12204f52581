package support

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/policy"
	"github.com/spediresicuro/anne/internal/tools"
)

// PendingTTL bounds how long a proposed action waits for an answer.
const PendingTTL = 10 * time.Minute

const (
	msgCancelled  = "Ok, azione annullata. C'è altro in cui posso aiutarti?"
	msgTechnical  = "Mi dispiace, si è verificato un problema tecnico temporaneo. Riprova tra qualche istante oppure scrivi \"aiuto\" per riprovare."
	msgNoShipment = "Non ho trovato spedizioni attive associate al tuo account. Puoi indicarmi il numero di tracking della spedizione per cui hai bisogno di assistenza?"
	msgEscalateKO = " (Non sono riuscita ad aprire la segnalazione automaticamente, ma il team è stato avvisato.)"
)

var (
	trackingRe = regexp.MustCompile(`\b([A-Z0-9]{8,30})\b`)
	pickRe     = regexp.MustCompile(`^\s*(?:la\s+|il\s+|numero\s+)?(\d{1,2})\s*[.!]?\s*$`)
	cancelRe   = regexp.MustCompile(`(?i)\b(?:cancella|cancellare|annulla|annullare|storna|stornare|disdici)\b`)
	refundRe   = regexp.MustCompile(`(?i)\b(?:rimbors\w*|riaccredit\w*|indietro i soldi)`)
)

// Worker serves support requests and resolves pending actions.
type Worker struct {
	backend Backend
	exec    *tools.Executor
	now     func() time.Time
}

func New(backend Backend, exec *tools.Executor) *Worker {
	return &Worker{backend: backend, exec: exec, now: time.Now}
}

func (w *Worker) Name() agent.Step { return agent.StepSupport }

// ExtractTracking returns the first tracking-like code of msg. A code
// needs at least one digit so that shouted words do not match.
func ExtractTracking(msg string) string {
	for _, m := range trackingRe.FindAllStringSubmatch(msg, -1) {
		if strings.ContainsAny(m[1], "0123456789") {
			return m[1]
		}
	}
	return ""
}

func (w *Worker) Run(ctx context.Context, s agent.State) (agent.Result, error) {
	next := s.Clone()
	msg := s.LastUserMessage()
	done := func() (agent.Result, error) { return agent.Result{State: next, Next: agent.StepEnd}, nil }

	if p := s.PendingAction; p != nil {
		if w.now().Sub(p.CreatedAt) > PendingTTL {
			next.PendingAction = nil
		} else {
			switch policy.DetectConfirmation(msg) {
			case policy.ConfirmationYes:
				w.confirm(ctx, s, &next)
				return done()
			case policy.ConfirmationNo:
				next.PendingAction = nil
				next.Answer = msgCancelled
				log.Info().Str("session", s.Context.SessionID).Str("tool", p.Tool).Msg("pending action cancelled")
				return done()
			}
		}
	}

	if err := w.handle(ctx, s, &next, msg); err != nil {
		log.Error().Err(err).Str("session", s.Context.SessionID).Msg("support request failed")
		next.Answer = msgTechnical
	}
	return done()
}

func (w *Worker) confirm(ctx context.Context, s agent.State, next *agent.State) {
	p := s.PendingAction
	next.PendingAction = nil
	call, err := tools.CallFromPending(p)
	if err != nil {
		log.Error().Err(err).Str("tool", p.Tool).Msg("pending action not replayable")
		next.Answer = fmt.Sprintf("Mi dispiace, c'è stato un problema: %s. Vuoi che riprovi o preferisci che lo passi al team?", "azione non valida")
		return
	}
	ec := tools.FromState(s)
	ec.Confirmed = true
	res := w.exec.Execute(ctx, call, ec)
	log.Info().Str("session", s.Context.SessionID).Str("tool", p.Tool).Bool("success", res.Success).Msg("pending action confirmed")
	switch {
	case res.Success:
		next.Answer = "Fatto! " + res.Message
	case res.Rejected:
		next.Answer = res.Message
	default:
		detail := res.Error
		if detail == "" {
			detail = res.Message
		}
		next.Answer = fmt.Sprintf("Mi dispiace, c'è stato un problema: %s. Vuoi che riprovi o preferisci che lo passi al team?", detail)
	}
}

func (w *Worker) handle(ctx context.Context, s agent.State, next *agent.State, msg string) error {
	ws, user := s.Context.WorkspaceID, s.Context.UserID

	// Without a workspace no shipment is looked up.
	var recent []Shipment
	var target *Shipment
	if ws != "" {
		var err error
		recent, err = w.backend.Recent(ctx, ws, user, recentLimit)
		if err != nil {
			return err
		}
		if code := ExtractTracking(msg); code != "" {
			sh, err := w.backend.Find(ctx, ws, user, code)
			if err == nil {
				target = sh
			} else if !errors.Is(err, ErrShipmentNotFound) {
				return err
			}
		}
		if target == nil {
			if m := pickRe.FindStringSubmatch(msg); m != nil {
				if n, _ := strconv.Atoi(m[1]); n >= 1 && n <= len(recent) {
					target = &recent[n-1]
				}
			}
		}
	}

	switch {
	case target != nil:
	case len(recent) == 1:
		target = &recent[0]
	case len(recent) > 1:
		next.Clarification = fmt.Sprintf("Ho trovato %d spedizioni attive:\n\n%s\n\nA quale ti riferisci? Puoi indicarmi il numero di tracking o il numero dell'elenco.",
			len(recent), ShipmentList(recent))
		return nil
	default:
		if d := Diagnose(msg); d != "" {
			next.Answer = d
		} else {
			next.Answer = msgNoShipment
		}
		return nil
	}

	facts := w.facts(ctx, ws, user, *target, msg)
	rule, reply, ok := MatchRule(facts)
	if !ok {
		next.Answer = StatusSummary(*target)
		return nil
	}
	log.Info().Str("session", s.Context.SessionID).Str("rule", rule.ID).Str("shipment", target.ID).Msg("support rule matched")
	return w.apply(ctx, s, next, rule, reply, facts, *target)
}

func (w *Worker) facts(ctx context.Context, ws, user string, sh Shipment, msg string) Facts {
	f := Facts{
		Status:             sh.Status,
		Carrier:            sh.Carrier,
		Tracking:           sh.TrackingNumber,
		Delivered:          sh.Delivered(),
		DaysSinceLastEvent: -1,
		RefundableAmount:   sh.Price - sh.Refunded,
		WantsCancel:        cancelRe.MatchString(msg),
		WantsRefund:        refundRe.MatchString(msg),
	}
	if sh.LastEventAt != nil {
		f.DaysSinceLastEvent = int(w.now().Sub(*sh.LastEventAt).Hours() / 24)
	}
	if sh.Hold != nil {
		f.HoldReason = sh.Hold.Reason
		if f.HoldReason == "" {
			f.HoldReason = HoldOther
		}
		f.HoldDaysRemaining = sh.Hold.DaysRemaining
		f.HoldActions = sh.Hold.Actions
		f.ActionCost = sh.Hold.Cost
	}
	if bal, err := w.backend.WalletBalance(ctx, ws, user); err == nil {
		f.WalletBalance = &bal
	} else {
		log.Warn().Err(err).Msg("wallet balance unavailable")
	}
	return f
}

func (w *Worker) apply(ctx context.Context, s agent.State, next *agent.State, rule Rule, reply string, f Facts, sh Shipment) error {
	var args tools.Args
	switch rule.Action {
	case ActionInfo:
		next.Answer = reply
		return nil
	case ActionHold:
		args = &tools.ManageHoldArgs{ShipmentID: sh.ID, Action: rule.HoldAction}
	case ActionCancel:
		args = &tools.CancelShipmentArgs{ShipmentID: sh.ID, Reason: "richiesta utente"}
	case ActionRefund:
		args = &tools.ProcessRefundArgs{ShipmentID: sh.ID, Amount: f.RefundableAmount, Reason: "spedizione annullata"}
	case ActionRefresh:
		args = &tools.ForceRefreshTrackingArgs{ShipmentID: sh.ID}
	case ActionEscalate:
		args = &tools.EscalateToHumanArgs{Reason: rule.ID, Summary: reply, ShipmentID: sh.ID}
	}

	ec := tools.FromState(s)
	ec.Confirmed = !ShouldConfirm(rule.Confirm, f)
	res := w.exec.Run(ctx, args, ec)
	switch {
	case res.NeedsApproval:
		p, err := tools.Pending(args, reply, w.now())
		if err != nil {
			return err
		}
		next.PendingAction = p
		next.Clarification = reply + "\n\n" + res.Message
	case res.Success && rule.Action == ActionRefresh:
		next.Answer = reply + "\n\n" + res.Message
	case res.Success && rule.Action == ActionEscalate:
		next.Answer = reply
	case res.Success:
		next.Answer = reply + "\n\n✅ " + res.Message
	case rule.Action == ActionEscalate:
		next.Answer = reply + msgEscalateKO
	case rule.Action == ActionRefresh:
		next.Answer = reply
	default:
		next.Answer = res.Message
	}
	return nil
}
