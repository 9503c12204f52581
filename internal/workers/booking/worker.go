// Package booking creates the shipment once the user explicitly confirmed
// a priced draft.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/draft"
	"github.com/spediresicuro/anne/internal/policy"
	"github.com/spediresicuro/anne/internal/tools"
	"github.com/spediresicuro/anne/internal/workers/pricing"
)

// Phase is a step of a booking attempt.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhasePreflight         Phase = "preflight_check"
	PhaseConfirmed         Phase = "confirmed"
	PhaseNeedsConfirmation Phase = "needs_confirmation"
	PhaseBooked            Phase = "booked"
	PhaseFailed            Phase = "failed"
	PhaseRetryable         Phase = "retryable"
)

// DefaultRetryAfter is suggested to callers after a transient failure.
const DefaultRetryAfter = 30 * time.Second

const (
	toolName = "book_shipment"
	// resultKey holds the agent.BookingResult in the tool output.
	resultKey = "booking"
)

const (
	msgNoOption       = "Prima di prenotare mi serve un preventivo. Indicami peso, CAP e provincia di destinazione."
	msgNoCredit       = "Credito insufficiente per questa spedizione. Ricarica il wallet e riprova."
	msgInFlight       = "Sto già prenotando questa spedizione. Attendi qualche istante."
	msgTransient      = "Impossibile connettersi al servizio di spedizione. Riprova tra qualche minuto."
	msgCarrierFailure = "Errore durante la creazione della spedizione. Tracking non ricevuto."
	msgFailed         = "Si è verificato un errore durante la prenotazione. Riprova più tardi."
)

// Preflight is the result of the checks run before any side effect.
type Preflight struct {
	Phase   Phase
	Missing []string
	Option  *agent.PricingOption
}

// Check inspects the draft, the selected option and the last message. The
// courier is called only when Phase is PhaseConfirmed.
func Check(s agent.State) Preflight {
	pf := Preflight{Phase: PhasePreflight, Missing: draft.MissingForBooking(s.Draft)}
	if opt, err := pricing.Find(s.PricingOptions, s.SelectedOption); err == nil {
		pf.Option = &opt
	}
	if len(pf.Missing) > 0 || pf.Option == nil {
		return pf
	}
	if policy.DetectConfirmation(s.LastUserMessage()) != policy.ConfirmationYes {
		pf.Phase = PhaseNeedsConfirmation
		return pf
	}
	pf.Phase = PhaseConfirmed
	return pf
}

// MissingMessage asks for the fields the courier still needs.
func MissingMessage(missing []string) string {
	return fmt.Sprintf("Per procedere con la prenotazione, ho bisogno di: %s.", draft.JoinItalian(draft.BoldLabels(missing)))
}

// ConfirmationMessage summarizes the option and asks for a go ahead.
func ConfirmationMessage(o agent.PricingOption) string {
	return fmt.Sprintf("Confermi la prenotazione con **%s** (%s) a **€%.2f**? Rispondi \"conferma\" per procedere o \"annulla\" per fermarti.",
		o.Carrier, o.Service, o.Price)
}

// Worker books shipments. The courier is only reached through the
// book_shipment tool, so bookings share the approval gate and the audit
// trail of every other side effect.
type Worker struct {
	courier    Courier
	store      IdempotencyStore
	exec       *tools.Executor
	credit     CreditChecker
	window     time.Duration
	retryAfter time.Duration
	now        func() time.Time
}

// Option configures a Worker.
type Option func(*Worker)

func WithCreditChecker(c CreditChecker) Option { return func(w *Worker) { w.credit = c } }

func WithWindow(d time.Duration) Option { return func(w *Worker) { w.window = d } }

func WithRetryAfter(d time.Duration) Option { return func(w *Worker) { w.retryAfter = d } }

func WithClock(now func() time.Time) Option { return func(w *Worker) { w.now = now } }

// WithExecutor binds the book_shipment tool on e instead of a private
// executor.
func WithExecutor(e *tools.Executor) Option { return func(w *Worker) { w.exec = e } }

// New returns a booking worker and binds its book_shipment handler. store
// must not be nil.
func New(courier Courier, store IdempotencyStore, opts ...Option) *Worker {
	w := &Worker{
		courier:    courier,
		store:      store,
		window:     DefaultWindow,
		retryAfter: DefaultRetryAfter,
		now:        time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	if w.exec == nil {
		w.exec = tools.NewExecutor()
	}
	if err := w.exec.Register(toolName, w.book); err != nil {
		log.Error().Err(err).Msg("booking tool not bound")
	}
	return w
}

func (w *Worker) Name() agent.Step { return agent.StepBooking }

// Run books the selected option of a complete, confirmed draft.
func (w *Worker) Run(ctx context.Context, s agent.State) (agent.Result, error) {
	next := s.Clone()
	pf := Check(s)
	logger := log.With().Str("session", s.Context.SessionID).Str("phase", string(pf.Phase)).Logger()

	switch pf.Phase {
	case PhasePreflight:
		msg := msgNoOption
		if len(pf.Missing) > 0 {
			msg = MissingMessage(pf.Missing)
		}
		logger.Info().Int("missing", len(pf.Missing)).Bool("option", pf.Option != nil).Msg("booking preflight failed")
		next.MissingFields = pf.Missing
		return w.finish(next, agent.BookingResult{
			Status:    agent.BookingFailed,
			ErrorCode: string(CodePreflightFailed),
			Message:   msg,
		}), nil
	case PhaseNeedsConfirmation:
		return w.finish(next, agent.BookingResult{
			Status:  agent.BookingNeedsConfirmation,
			Carrier: pf.Option.Carrier,
			Price:   pf.Option.Price,
			Message: ConfirmationMessage(*pf.Option),
		}), nil
	}

	opt := *pf.Option
	userID := s.Context.UserID
	if w.credit != nil {
		ok, err := w.credit.HasCredit(ctx, userID, opt.Price)
		if err != nil {
			logger.Warn().Err(err).Msg("credit check failed")
			return w.finish(next, w.transient(CodeNetworkError, "")), nil
		}
		if !ok {
			return w.finish(next, agent.BookingResult{
				Status:    agent.BookingFailed,
				ErrorCode: string(CodeInsufficientCredit),
				Carrier:   opt.Carrier,
				Price:     opt.Price,
				Message:   msgNoCredit,
			}), nil
		}
	}

	key := IdempotencyKey(userID, s.Context.WorkspaceID, s.Draft, opt.ID, w.now(), w.window)
	res := w.exec.Run(ctx, tools.BookShipmentArgs{IdempotencyKey: key, Draft: s.Draft, Option: opt}, tools.FromState(s))
	if br, ok := res.Data[resultKey].(agent.BookingResult); ok {
		return w.finish(next, br), nil
	}
	switch {
	case res.NeedsApproval:
		return w.finish(next, agent.BookingResult{
			Status:  agent.BookingNeedsConfirmation,
			Carrier: opt.Carrier,
			Price:   opt.Price,
			Message: ConfirmationMessage(opt),
		}), nil
	case res.Rejected:
		logger.Info().Msg("booking denied by policy")
		return w.finish(next, agent.BookingResult{
			Status:    agent.BookingFailed,
			ErrorCode: string(CodePolicyDenied),
			Carrier:   opt.Carrier,
			Price:     opt.Price,
			Message:   res.Message,
		}), nil
	}
	logger.Error().Str("error", res.Error).Msg("booking tool failed")
	return w.finish(next, agent.BookingResult{
		Status:         agent.BookingFailed,
		ErrorCode:      string(CodeUnknownError),
		Carrier:        opt.Carrier,
		Price:          opt.Price,
		Message:        msgFailed,
		IdempotencyKey: key,
	}), nil
}

// book is the book_shipment handler. A failed attempt returns its result
// together with the error so the audit trail records the failure.
func (w *Worker) book(ctx context.Context, sc tools.Scope, a tools.Args) (tools.Output, error) {
	args, ok := a.(*tools.BookShipmentArgs)
	if !ok {
		return tools.Output{}, fmt.Errorf("%s: unexpected arguments %T", toolName, a)
	}
	res, err := w.create(ctx, sc, *args)
	return tools.Output{Message: res.Message, Data: map[string]any{resultKey: res}}, err
}

func (w *Worker) create(ctx context.Context, sc tools.Scope, args tools.BookShipmentArgs) (agent.BookingResult, error) {
	key, opt := args.IdempotencyKey, args.Option
	logger := log.With().Str("user", sc.UserID).Str("key", key).Logger()

	prior, err := w.store.Reserve(ctx, key, w.window)
	switch {
	case errors.Is(err, ErrDuplicateInFlight):
		res := w.transient(CodeDuplicateBooking, key)
		res.Message = msgInFlight
		return res, err
	case err != nil:
		// Without the key there is no protection against a double booking.
		logger.Error().Err(err).Msg("idempotency store unavailable")
		return w.transient(CodeNetworkError, key), fmt.Errorf("reserve idempotency key: %w", err)
	case prior != nil:
		logger.Info().Msg("booking replayed from idempotency store")
		return *prior, nil
	}

	label, err := w.courier.CreateShipment(ctx, Shipment{
		IdempotencyKey: key,
		UserID:         sc.UserID,
		WorkspaceID:    sc.WorkspaceID,
		Draft:          args.Draft,
		Option:         opt,
	})
	if err != nil {
		if rerr := w.store.Release(ctx, key); rerr != nil {
			logger.Warn().Err(rerr).Msg("release idempotency key")
		}
		code := ClassifyError(err)
		logger.Warn().Err(err).Str("code", string(code)).Msg("courier call failed")
		if Retryable(err) {
			return w.transient(code, key), err
		}
		msg := msgFailed
		if code == CodeCarrierError {
			msg = msgCarrierFailure
		}
		return agent.BookingResult{
			Status:         agent.BookingFailed,
			ErrorCode:      string(code),
			Carrier:        opt.Carrier,
			Price:          opt.Price,
			Message:        msg,
			IdempotencyKey: key,
		}, err
	}

	result := agent.BookingResult{
		Status:         agent.BookingBooked,
		ShipmentID:     label.ShipmentID,
		TrackingNumber: label.TrackingNumber,
		Carrier:        opt.Carrier,
		Price:          opt.Price,
		Message:        fmt.Sprintf("Spedizione prenotata con successo! Tracking: %s", label.TrackingNumber),
		IdempotencyKey: key,
	}
	if result.ShipmentID == "" {
		result.ShipmentID = label.TrackingNumber
	}
	if err := w.store.Complete(ctx, key, result, w.window); err != nil {
		logger.Error().Err(err).Msg("complete idempotency key")
	}
	logger.Info().Str("carrier", opt.Carrier).Msg("shipment booked")
	return result, nil
}

func (w *Worker) transient(code ErrorCode, key string) agent.BookingResult {
	return agent.BookingResult{
		Status:         agent.BookingRetryable,
		ErrorCode:      string(code),
		Message:        msgTransient,
		RetryAfter:     w.retryAfter,
		IdempotencyKey: key,
	}
}

func (w *Worker) finish(s agent.State, r agent.BookingResult) agent.Result {
	s.Booking = &r
	if r.Status != agent.BookingBooked {
		s.Clarification = r.Message
	} else {
		s.Clarification = ""
		s.MissingFields = nil
	}
	return agent.Result{State: s, MissingFields: s.MissingFields, Clarification: s.Clarification, Next: agent.StepEnd}
}
