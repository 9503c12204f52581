package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spediresicuro/anne/internal/acting"
	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/audit"
	"github.com/spediresicuro/anne/internal/draft"
	"github.com/spediresicuro/anne/internal/escalation"
	"github.com/spediresicuro/anne/internal/intent"
	"github.com/spediresicuro/anne/internal/logging"
	"github.com/spediresicuro/anne/internal/session"
	"github.com/spediresicuro/anne/internal/workers/booking"
	"github.com/spediresicuro/anne/internal/workers/creation"
)

// User facing texts of the router itself.
const (
	MsgGeneric           = "Mi dispiace, qualcosa è andato storto. Puoi riprovare?"
	MsgBusy              = "Sto ancora lavorando al tuo messaggio precedente. Riprova tra qualche secondo."
	msgUnavailable       = "Questa funzione non è disponibile al momento."
	msgRephrase          = "Non ho capito bene la richiesta. Puoi riformularla?"
	msgEmpty             = "Scrivimi pure come posso aiutarti."
	msgGreeting          = "Ciao! 👋 Sono Anne. Posso calcolare preventivi, creare spedizioni e seguire tracking, giacenze e rimborsi. Come posso aiutarti?"
	msgNoDelegation      = "Non c'è nessuna delegazione attiva: sto già operando sul tuo workspace."
	msgShipmentCancelled = "Ok, ho annullato la spedizione in corso. C'è altro in cui posso aiutarti?"
)

const (
	// maxHops bounds the worker chain of one pass.
	maxHops = 6
	// DefaultHistory is how many messages a session keeps.
	DefaultHistory = 40
)

// Input is one inbound message with its resolved identity.
type Input struct {
	SessionID string
	TraceID   string
	Message   string
	Image     *agent.Image
	Channel   string
	Acting    acting.Context
}

// Output is the single terminal outcome of a pass.
type Output struct {
	Outcome        agent.Status          `json:"outcome"`
	Message        string                `json:"message"`
	PricingOptions []agent.PricingOption `json:"pricingOptions,omitempty"`
	Booking        *agent.BookingResult  `json:"booking,omitempty"`
	Buttons        []Button              `json:"buttons,omitempty"`
	State          agent.State           `json:"-"`
	TraceID        string                `json:"traceId"`
}

// Router is the supervisor: it owns the session, decides the first
// worker and runs the chain one worker at a time.
type Router struct {
	workers    map[agent.Step]agent.Worker
	sessions   session.Store
	sessionTTL time.Duration
	locker     session.Locker
	lockTTL    time.Duration
	delegator  *acting.Delegator
	audit      *audit.Recorder
	notifier   escalation.Notifier
	history    int
	now        func() time.Time
}

// Option configures a Router.
type Option func(*Router)

func WithSessions(s session.Store, ttl time.Duration) Option {
	return func(r *Router) { r.sessions, r.sessionTTL = s, ttl }
}

func WithLocker(l session.Locker, ttl time.Duration) Option {
	return func(r *Router) { r.locker, r.lockTTL = l, ttl }
}

func WithDelegator(d *acting.Delegator) Option { return func(r *Router) { r.delegator = d } }

func WithAudit(rec *audit.Recorder) Option { return func(r *Router) { r.audit = rec } }

func WithNotifier(n escalation.Notifier) Option { return func(r *Router) { r.notifier = n } }

func WithHistory(n int) Option { return func(r *Router) { r.history = n } }

func WithClock(now func() time.Time) Option { return func(r *Router) { r.now = now } }

// New builds a router over workers, keyed by their step.
func New(workers []agent.Worker, opts ...Option) *Router {
	r := &Router{
		workers:    make(map[agent.Step]agent.Worker, len(workers)),
		sessions:   session.NewMemoryStore(),
		sessionTTL: session.DefaultTTL,
		locker:     session.NewMemoryLocker(),
		lockTTL:    session.DefaultLockTTL,
		notifier:   escalation.NopNotifier{},
		history:    DefaultHistory,
		now:        time.Now,
	}
	for _, w := range workers {
		r.workers[w.Name()] = w
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// pass carries what one Process call learned along the way.
type pass struct {
	in          Input
	key         string
	traceID     string
	ac          acting.Context
	logger      zerolog.Logger
	started     time.Time
	intent      intent.Intent
	steps       []agent.Step
	prevPending *agent.PendingAction
	priced      bool
	failed      bool
	notice      string
}

// Process runs one message to a terminal outcome. It never returns an
// error: every failure becomes a message for the user.
func (r *Router) Process(ctx context.Context, in Input) Output {
	traceID := in.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	logger := logging.WithTrace(traceID)
	key := session.Key(in.Acting.AuditActorID(), in.SessionID)

	var out Output
	err := session.WithLock(ctx, r.locker, "session:"+key, r.lockTTL, session.FailOpen, func(ctx context.Context) error {
		out = r.process(ctx, &pass{in: in, key: key, traceID: traceID, ac: in.Acting, logger: logger, started: r.now()})
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Str("session", in.SessionID).Msg("session busy")
		return Output{Outcome: agent.StatusClarificationSent, Message: MsgBusy, TraceID: traceID}
	}
	return out
}

func (r *Router) process(ctx context.Context, p *pass) Output {
	prev, err := r.sessions.Get(ctx, p.key)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			p.logger.Warn().Err(err).Msg("session load failed, starting fresh")
		}
		prev = agent.New(agent.Context{})
	}

	msg := strings.TrimSpace(p.in.Message)
	s := prev.BeginPass(agentContext(p), msg, p.started)
	s.Image = p.in.Image
	p.prevPending = s.PendingAction
	_ = s.Transition(agent.StatusRouting)

	if acting.DetectEndDelegationIntent(msg) {
		p.intent = intent.EndDelegation
		return r.endDelegation(ctx, p, s)
	}

	delegated := false
	if r.delegator != nil {
		o := r.delegator.Begin(ctx, p.ac, msg)
		switch o.Kind {
		case acting.OutcomeActivated:
			s.Delegation = o.Delegation
			p.ac = o.Context
			p.notice = o.Message
			delegated = true
			r.record(ctx, p, audit.Event{
				Action:      audit.ActionDelegationActivated,
				Resource:    o.Delegation.WorkspaceID,
				WorkspaceID: o.Delegation.ResellerWorkspaceID,
				Metadata: map[string]string{
					"sub_client_name":  o.Delegation.SubClientName,
					"action_requested": truncate(msg, 200),
				},
			})
		case acting.OutcomeRejected, acting.OutcomeFailed:
			p.intent = intent.Delegation
			return r.reply(ctx, p, s, agent.StatusRejected, o.Message)
		case acting.OutcomeAmbiguous, acting.OutcomeNotFound:
			p.intent = intent.Delegation
			return r.reply(ctx, p, s, agent.StatusClarificationSent, o.Message)
		}
	}
	if !delegated && s.Delegation != nil {
		if persistentDelegationApplies(p.ac, *s.Delegation) {
			p.ac = p.ac.ForDelegation(*s.Delegation)
		} else {
			s.Delegation = nil
		}
	}
	s.Context = agentContext(p)

	hints := intent.Hints{
		AwaitingConfirmation: s.PendingAction != nil || len(s.PricingOptions) > 0,
		CreationActive:       s.Phase == creation.PhaseCollecting || s.Phase == creation.PhaseReady,
	}
	it := intent.ClassifyTask(msg, hints)
	if s.Image != nil && it != intent.Confirm && it != intent.Cancel {
		it = intent.OCR
	}
	p.intent = it
	if s.PendingAction != nil && it != intent.Confirm && it != intent.Cancel {
		p.logger.Info().Str("tool", s.PendingAction.Tool).Msg("pending action superseded")
		s.PendingAction = nil
	}
	if delegated && (it == intent.Mentor || it == intent.Greeting || it == intent.None) {
		p.notice = ""
		return r.reply(ctx, p, s, agent.StatusAnswered, delegationNotice(s.Delegation))
	}

	first, direct := r.route(p, &s, msg)
	if direct != nil {
		return r.reply(ctx, p, s, direct.status, direct.text)
	}
	s = r.runChain(ctx, p, s, first)
	return r.settle(ctx, p, s)
}

func delegationNotice(d *acting.Delegation) string {
	return fmt.Sprintf("Ok, ora opero per conto di %s (%s). Cosa posso fare?", d.SubClientName, d.WorkspaceName)
}

// persistentDelegationApplies keeps a stored delegation only for the
// reseller workspace that opened it.
func persistentDelegationApplies(ac acting.Context, d acting.Delegation) bool {
	if !ac.Actor.IsReseller() || ac.Workspace == nil || ac.Workspace.ID == "" {
		return false
	}
	return d.ResellerWorkspaceID == "" || d.ResellerWorkspaceID == ac.Workspace.ID
}

func (r *Router) endDelegation(ctx context.Context, p *pass, s agent.State) Output {
	if s.Delegation == nil {
		return r.reply(ctx, p, s, agent.StatusAnswered, msgNoDelegation)
	}
	d := *s.Delegation
	r.record(ctx, p, audit.Event{
		Action:      audit.ActionDelegationDeactivated,
		Resource:    d.WorkspaceID,
		WorkspaceID: d.ResellerWorkspaceID,
		Metadata:    map[string]string{"sub_client_name": d.SubClientName},
	})
	s.Delegation = nil
	p.ac = p.ac.WithoutDelegation()
	s.Context = agentContext(p)
	return r.reply(ctx, p, s, agent.StatusAnswered, acting.EndMessage(d))
}

type early struct {
	status agent.Status
	text   string
}

// route picks the first worker for the intent, or answers directly.
func (r *Router) route(p *pass, s *agent.State, msg string) (agent.Step, *early) {
	if len(s.PricingOptions) > 0 && p.intent != intent.Confirm && p.intent != intent.Cancel && looksLikeSelection(msg, s.PricingOptions) {
		o, _ := SelectOption(msg, s.PricingOptions)
		s.SelectedOption = o.ID
		return agent.StepBooking, nil
	}

	switch p.intent {
	case intent.None:
		return "", &early{agent.StatusClarificationSent, msgEmpty}
	case intent.Greeting:
		return "", &early{agent.StatusAnswered, msgGreeting}
	case intent.Cancel:
		if s.PendingAction != nil {
			return agent.StepSupport, nil
		}
		resetShipment(s)
		return "", &early{agent.StatusAnswered, msgShipmentCancelled}
	case intent.Confirm:
		if s.PendingAction != nil {
			return agent.StepSupport, nil
		}
		if o, ok := SelectOption(msg, s.PricingOptions); ok {
			s.SelectedOption = o.ID
		}
		pf := booking.Check(*s)
		step := DecideNextStep(DecisionInput{
			HasPricingOptions:      len(s.PricingOptions) > 0,
			HasBookingConfirmation: true,
			PreflightPassed:        len(pf.Missing) == 0 && pf.Option != nil,
		})
		if step == agent.StepEnd {
			s.MissingFields = pf.Missing
			if len(pf.Missing) > 0 {
				return "", &early{agent.StatusClarificationSent, booking.MissingMessage(pf.Missing)}
			}
			return "", &early{agent.StatusClarificationSent, msgRephrase}
		}
		return step, nil
	case intent.OCR:
		return DecideNextStep(DecisionInput{HasOCRPatterns: true}), nil
	case intent.Pricing:
		s.PricingOptions = nil
		s.SelectedOption = ""
		enough := HasEnoughDataForPricing(s.Draft) && !intent.HasCap(msg) && !intent.HasWeight(msg)
		return DecideNextStep(DecisionInput{IsPricingIntent: true, HasEnoughData: enough}), nil
	case intent.ShipmentCreation:
		return agent.StepCreation, nil
	case intent.CRM:
		return agent.StepCRM, nil
	case intent.Outreach:
		return agent.StepOutreach, nil
	case intent.Support:
		return agent.StepSupport, nil
	}
	return DecideNextStep(DecisionInput{}), nil
}

func looksLikeSelection(msg string, options []agent.PricingOption) bool {
	if optionNumberRe.MatchString(msg) || optionInlineRe.MatchString(msg) {
		_, ok := SelectOption(msg, options)
		return ok
	}
	if len([]rune(msg)) > 30 {
		return false
	}
	_, ok := SelectOption(msg, options)
	return ok
}

func resetShipment(s *agent.State) {
	s.Draft = draft.Draft{}
	s.Phase = ""
	s.PendingField = ""
	s.PricingOptions = nil
	s.SelectedOption = ""
	s.MissingFields = nil
}

// runChain runs workers one after the other until one ends the pass.
func (r *Router) runChain(ctx context.Context, p *pass, s agent.State, step agent.Step) agent.State {
	for hop := 0; step != "" && step != agent.StepEnd; hop++ {
		if hop == maxHops {
			p.logger.Warn().Str("step", string(step)).Msg("worker chain too long, stopping")
			break
		}
		w, ok := r.workers[step]
		if !ok {
			p.logger.Warn().Str("step", string(step)).Msg("no worker registered")
			s.Clarification = msgUnavailable
			break
		}
		_ = s.Transition(agent.StatusWorkerActive)
		p.steps = append(p.steps, step)

		res, err := r.runWorker(ctx, w, s)
		if err != nil {
			p.logger.Error().Err(err).Str("step", string(step)).Msg("worker failed")
			p.failed = true
			s.ValidationErrors = append(s.ValidationErrors, fmt.Sprintf("%s failed", step))
			break
		}
		next := res.State
		next.Status = s.Status
		if res.Clarification != "" {
			next.Clarification = res.Clarification
		}
		if len(res.MissingFields) > 0 {
			next.MissingFields = res.MissingFields
		}
		s = agent.Reconcile(s, next)
		if step == agent.StepPricing {
			p.priced = true
		}
		if s.NeedsHumanReview {
			break
		}
		step = res.Next
	}
	return s
}

func (r *Router) runWorker(ctx context.Context, w agent.Worker, s agent.State) (res agent.Result, err error) {
	defer func() {
		if v := recover(); v != nil {
			logger := logging.WithTrace(s.Context.TraceID)
			logger.Error().
				Str("step", string(w.Name())).
				Str("stack", string(debug.Stack())).
				Msg("worker panicked")
			err = fmt.Errorf("worker %s panicked: %v", w.Name(), v)
		}
	}()
	return w.Run(ctx, s)
}

// settle maps the state after the chain to exactly one terminal status.
func (r *Router) settle(ctx context.Context, p *pass, s agent.State) Output {
	var (
		text    string
		buttons []Button
		options []agent.PricingOption
	)
	switch {
	case p.failed:
		conclude(p, &s, agent.StatusError, agent.StatusClarificationSent)
		text = MsgGeneric
	case s.Booking != nil:
		text = FormatBookingResult(*s.Booking)
		switch {
		case s.Booking.Status == agent.BookingBooked:
			conclude(p, &s, "", agent.StatusBooked)
			r.record(ctx, p, audit.Event{
				Action:   audit.ActionBooking,
				Resource: s.Booking.ShipmentID,
				Metadata: map[string]string{"carrier": s.Booking.Carrier, "idempotency_key": s.Booking.IdempotencyKey},
			})
			resetShipment(&s)
		case s.Booking.Status == agent.BookingNeedsConfirmation:
			conclude(p, &s, agent.StatusNeedsApproval, agent.StatusClarificationSent)
			buttons = confirmButtons
		case s.Booking.ErrorCode == string(booking.CodeInsufficientCredit):
			conclude(p, &s, agent.StatusError, agent.StatusRejected)
		case s.Booking.ErrorCode == string(booking.CodePreflightFailed):
			conclude(p, &s, agent.StatusCollecting, agent.StatusClarificationSent)
		default:
			conclude(p, &s, agent.StatusError, agent.StatusClarificationSent)
		}
	case newPending(p.prevPending, s.PendingAction):
		conclude(p, &s, agent.StatusNeedsApproval, agent.StatusClarificationSent)
		text = s.Clarification
		buttons = confirmButtons
	case s.Clarification != "":
		conclude(p, &s, agent.StatusCollecting, agent.StatusClarificationSent)
		text = s.Clarification
	case p.priced && len(s.PricingOptions) > 0:
		conclude(p, &s, agent.StatusReady, agent.StatusAnswered)
		options = s.PricingOptions
		if s.Phase == creation.PhaseReady {
			text = creation.FormatSummary(s.Draft, s.PricingOptions)
			buttons = confirmButtons
		} else {
			text = FormatPricingResponse(s.PricingOptions)
			buttons = OptionButtons(s.PricingOptions)
		}
	case s.Answer != "":
		conclude(p, &s, agent.StatusReady, agent.StatusAnswered)
		text = s.Answer
	default:
		conclude(p, &s, agent.StatusCollecting, agent.StatusClarificationSent)
		text = msgRephrase
	}

	out := r.commit(ctx, p, s, text)
	out.Buttons = buttons
	out.PricingOptions = options
	return out
}

func newPending(before, after *agent.PendingAction) bool {
	if after == nil {
		return false
	}
	return before == nil || before.Tool != after.Tool || !before.CreatedAt.Equal(after.CreatedAt)
}

// conclude walks the state machine through via to terminal. Passes that
// never left routing go straight to the terminal status.
func conclude(p *pass, s *agent.State, via, terminal agent.Status) {
	path := []agent.Status{terminal}
	if via != "" && s.Status != agent.StatusRouting {
		path = []agent.Status{via, terminal}
	}
	for _, to := range path {
		if err := s.Transition(to); err != nil {
			p.logger.Warn().Err(err).Msg("unexpected status transition")
			s.Status = to
		}
	}
}

// reply ends a pass that ran no worker.
func (r *Router) reply(ctx context.Context, p *pass, s agent.State, status agent.Status, text string) Output {
	conclude(p, &s, "", status)
	return r.commit(ctx, p, s, text)
}

// commit records the answer, escalates, persists and audits.
func (r *Router) commit(ctx context.Context, p *pass, s agent.State, text string) Output {
	if p.notice != "" && text != "" {
		text = p.notice + "\n\n" + text
	}
	now := r.now()
	s.AddAssistant(text, now)
	s.TrimHistory(r.history)
	s.Image = nil

	if s.NeedsHumanReview {
		r.escalate(ctx, p, s, now)
	}

	if err := r.sessions.Set(ctx, p.key, s, r.sessionTTL); err != nil {
		p.logger.Warn().Err(err).Msg("session save failed")
	}

	steps := make([]string, len(p.steps))
	for i, st := range p.steps {
		steps[i] = string(st)
	}
	r.record(ctx, p, audit.Event{
		Action: audit.ActionMessageProcessed,
		Metadata: map[string]string{
			"intent":  string(p.intent),
			"outcome": string(s.Status),
			"steps":   strings.Join(steps, ","),
			"channel": p.in.Channel,
		},
	})
	p.logger.Info().
		Str("intent", string(p.intent)).
		Str("outcome", string(s.Status)).
		Strs("steps", steps).
		Dur("elapsed", now.Sub(p.started)).
		Msg("message processed")

	return Output{
		Outcome: s.Status,
		Message: text,
		Booking: s.Booking,
		State:   s,
		TraceID: p.traceID,
	}
}

func (r *Router) escalate(ctx context.Context, p *pass, s agent.State, now time.Time) {
	reason := "needs_human_review"
	if n := len(s.ValidationErrors); n > 0 {
		reason = s.ValidationErrors[n-1]
	}
	e := escalation.Escalation{
		SessionID:   p.in.SessionID,
		TraceID:     p.traceID,
		WorkspaceID: s.Context.WorkspaceID,
		Channel:     p.in.Channel,
		Reason:      reason,
		At:          now,
	}
	if s.Booking != nil {
		e.ShipmentID = s.Booking.ShipmentID
	}
	if err := r.notifier.Notify(ctx, e); err != nil {
		p.logger.Error().Err(err).Msg("escalation failed")
	}
	r.record(ctx, p, audit.Event{Action: audit.ActionEscalated, Resource: p.in.SessionID, Metadata: map[string]string{"reason": reason}})
}

func (r *Router) record(ctx context.Context, p *pass, ev audit.Event) {
	if r.audit == nil {
		return
	}
	ev.ActorID = p.ac.AuditActorID()
	ev.TargetID = p.ac.BusinessUserID()
	if ev.WorkspaceID == "" {
		ev.WorkspaceID = p.ac.WorkspaceID()
	}
	ev.TraceID = p.traceID
	_ = r.audit.Record(ctx, ev)
}

func agentContext(p *pass) agent.Context {
	return agent.Context{
		SessionID:       p.in.SessionID,
		TraceID:         p.traceID,
		UserID:          p.ac.BusinessUserID(),
		ActorID:         p.ac.AuditActorID(),
		UserRole:        p.ac.Target.Role,
		IsImpersonating: p.ac.IsImpersonating,
		Channel:         p.in.Channel,
		WorkspaceID:     p.ac.WorkspaceID(),
		Delegation:      p.ac.Delegation,
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
