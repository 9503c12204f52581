package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/spediresicuro/anne/internal/acting"
	"github.com/spediresicuro/anne/internal/audit"
	"github.com/spediresicuro/anne/internal/policy"
)

var (
	ErrUnknownTool   = errors.New("unknown tool")
	ErrAlreadyBound  = errors.New("tool handler already registered")
	ErrInvalidArgs   = errors.New("invalid tool arguments")
	ErrNotAuthorized = errors.New("tool call without a resolved acting context")
)

// Call is a request to run a tool with JSON arguments.
type Call struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// NewCall encodes args into a call.
func NewCall(args Args) (Call, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return Call{}, fmt.Errorf("encode %s arguments: %w", args.ToolName(), err)
	}
	return Call{Name: args.ToolName(), Arguments: raw}, nil
}

// ExecContext is the resolved identity of a call. Handlers act on the
// target and attribute their writes to the actor.
type ExecContext struct {
	ActorID     string
	TargetID    string
	WorkspaceID string
	Role        acting.Role
	TraceID     string
	// Message is the user text that triggered the call; an anchored
	// confirmation in it satisfies the approval gate.
	Message string
	// Confirmed is set when the user confirmed a pending action.
	Confirmed bool
}

// Scope is what a handler may act on. ActorID is who asked for it and
// differs from UserID during delegation.
type Scope struct {
	UserID      string
	ActorID     string
	WorkspaceID string
	Role        acting.Role
}

// Actor is who writes are attributed to.
func (s Scope) Actor() string {
	if s.ActorID != "" {
		return s.ActorID
	}
	return s.UserID
}

// Output of a handler.
type Output struct {
	Message string
	Data    map[string]any
}

// Handler implements a tool against the business layer.
type Handler func(ctx context.Context, scope Scope, args Args) (Output, error)

// Result of an execution. Message is never empty.
type Result struct {
	Tool          string           `json:"tool"`
	Success       bool             `json:"success"`
	Message       string           `json:"message"`
	Data          map[string]any   `json:"data,omitempty"`
	NeedsApproval bool             `json:"needsApproval,omitempty"`
	Rejected      bool             `json:"rejected,omitempty"`
	RiskLevel     policy.RiskLevel `json:"riskLevel,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// Executor runs catalog tools.
type Executor struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	rules    policy.Rules
	audit    *audit.Recorder
}

type Option func(*Executor)

// WithRules layers YAML policy overrides on the static gate.
func WithRules(r policy.Rules) Option { return func(e *Executor) { e.rules = r } }

func WithAudit(r *audit.Recorder) Option { return func(e *Executor) { e.audit = r } }

func NewExecutor(opts ...Option) *Executor {
	e := &Executor{handlers: make(map[string]Handler)}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Register binds a handler to a catalog tool.
func (e *Executor) Register(name string, h Handler) error {
	if _, ok := Lookup(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyBound, name)
	}
	e.handlers[name] = h
	return nil
}

// Has reports whether name has a handler.
func (e *Executor) Has(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.handlers[name]
	return ok
}

// Execute validates and runs call. It never returns an error: every
// failure is a Result with Success false and a user facing message.
func (e *Executor) Execute(ctx context.Context, call Call, ec ExecContext) Result {
	logger := log.With().Str("tool", call.Name).Str("trace_id", ec.TraceID).Logger()

	if ec.TargetID == "" || ec.ActorID == "" {
		logger.Warn().Msg("tool call rejected: unresolved acting context")
		return failure(call.Name, "", "Non posso eseguire operazioni senza un utente autenticato.", ErrNotAuthorized)
	}
	spec, ok := Lookup(call.Name)
	if !ok {
		return failure(call.Name, "", fmt.Sprintf("Strumento sconosciuto: %s.", call.Name), ErrUnknownTool)
	}
	risk := policy.InferRiskLevel(spec.Name, spec.RiskLevel)

	args, err := decode(spec, call.Arguments)
	if err != nil {
		logger.Debug().Err(err).Msg("tool arguments rejected")
		return failure(spec.Name, risk, fmt.Sprintf("Dati non validi per %s: %s", spec.Name, firstLine(err)), err)
	}

	approval := policy.RequiresApprovalByPolicy(spec.Policy())
	if decision, rule, matched := e.rules.Decide(spec.Name, string(ec.Role)); matched {
		switch decision {
		case policy.DecisionDeny:
			reason := rule.Reason
			if reason == "" {
				reason = "operazione non consentita per il tuo ruolo"
			}
			e.record(ctx, ec, audit.ActionToolRejected, spec.Name, map[string]string{"rule": rule.ID})
			logger.Info().Str("rule", rule.ID).Msg("tool denied by policy rule")
			return Result{Tool: spec.Name, Rejected: true, RiskLevel: risk, Message: "Operazione non consentita: " + reason + "."}
		case policy.DecisionReview:
			approval = true
			risk = policy.MaxRisk(risk, policy.RiskHigh)
		case policy.DecisionAllow:
			// Allow stops later rules from matching; the static gate still applies.
		}
	}

	if approval && !ec.Confirmed && !policy.HasExplicitConfirmation(ec.Message) {
		e.record(ctx, ec, audit.ActionToolApprovalRequested, spec.Name, map[string]string{"risk": string(risk)})
		return Result{
			Tool:          spec.Name,
			NeedsApproval: true,
			RiskLevel:     risk,
			Message:       fmt.Sprintf("Questa operazione (%s) richiede la tua conferma. Rispondi **conferma** per procedere o **annulla** per lasciar perdere.", spec.Description),
		}
	}

	e.mu.RLock()
	h, ok := e.handlers[spec.Name]
	e.mu.RUnlock()
	if !ok {
		return failure(spec.Name, risk, fmt.Sprintf("Lo strumento %s non è disponibile in questo momento.", spec.Name), ErrUnknownTool)
	}

	out, err := h(ctx, Scope{UserID: ec.TargetID, ActorID: ec.ActorID, WorkspaceID: ec.WorkspaceID, Role: ec.Role}, args)
	if err != nil {
		logger.Warn().Err(err).Msg("tool failed")
		e.record(ctx, ec, audit.ActionToolExecuted, spec.Name, map[string]string{"outcome": "failed"})
		r := failure(spec.Name, risk, fmt.Sprintf("Non sono riuscita a completare l'operazione: %s.", firstLine(err)), err)
		r.Data = out.Data
		return r
	}
	e.record(ctx, ec, audit.ActionToolExecuted, spec.Name, map[string]string{"outcome": "success"})
	msg := out.Message
	if msg == "" {
		msg = "Operazione completata."
	}
	logger.Debug().Str("risk", string(risk)).Msg("tool executed")
	return Result{Tool: spec.Name, Success: true, Message: msg, Data: out.Data, RiskLevel: risk}
}

// Run is Execute for a typed argument set.
func (e *Executor) Run(ctx context.Context, args Args, ec ExecContext) Result {
	call, err := NewCall(args)
	if err != nil {
		return failure(args.ToolName(), "", "Dati non validi.", err)
	}
	return e.Execute(ctx, call, ec)
}

func decode(spec Spec, raw json.RawMessage) (Args, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if spec.Schema != nil {
		if err := spec.Schema.VisitJSON(generic); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
		}
	}
	args := spec.newArgs()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return args, nil
}

func (e *Executor) record(ctx context.Context, ec ExecContext, action, tool string, meta map[string]string) {
	_ = e.audit.Record(ctx, audit.Event{
		ActorID:     ec.ActorID,
		TargetID:    ec.TargetID,
		WorkspaceID: ec.WorkspaceID,
		Action:      action,
		Resource:    tool,
		TraceID:     ec.TraceID,
		Metadata:    meta,
	})
}

func failure(tool string, risk policy.RiskLevel, msg string, err error) Result {
	r := Result{Tool: tool, Message: msg, RiskLevel: risk}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func firstLine(err error) string {
	s := err.Error()
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), ".")
}
