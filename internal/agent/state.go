// Package agent defines the state threaded through one processing pass and
// the contract every worker implements.
package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/spediresicuro/anne/internal/acting"
	"github.com/spediresicuro/anne/internal/draft"
)

// Status is the processing status of a pass.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusRouting       Status = "routing"
	StatusWorkerActive  Status = "worker_active"
	StatusCollecting    Status = "collecting"
	StatusReady         Status = "ready"
	StatusNeedsApproval Status = "needs_approval"
	StatusError         Status = "error"

	StatusBooked            Status = "booked"
	StatusAnswered          Status = "answered"
	StatusClarificationSent Status = "clarification_sent"
	StatusRejected          Status = "rejected"
)

// Terminal reports whether s ends a pass.
func (s Status) Terminal() bool {
	switch s {
	case StatusBooked, StatusAnswered, StatusClarificationSent, StatusRejected:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusIdle:          {StatusRouting},
	StatusRouting:       {StatusWorkerActive, StatusAnswered, StatusClarificationSent, StatusRejected, StatusError},
	StatusWorkerActive:  {StatusWorkerActive, StatusCollecting, StatusReady, StatusNeedsApproval, StatusError, StatusBooked},
	StatusCollecting:    {StatusClarificationSent},
	StatusReady:         {StatusWorkerActive, StatusAnswered, StatusBooked},
	StatusNeedsApproval: {StatusClarificationSent, StatusRejected},
	StatusError:         {StatusClarificationSent, StatusRejected},
}

// ErrInvalidTransition is returned by Transition for a move the state
// machine does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Step names the next node of the graph.
type Step string

const (
	StepAddress  Step = "address_worker"
	StepOCR      Step = "ocr_worker"
	StepPricing  Step = "pricing_worker"
	StepBooking  Step = "booking_worker"
	StepCreation Step = "creation_chain"
	StepCRM      Step = "crm_worker"
	StepOutreach Step = "outreach_worker"
	StepMentor   Step = "mentor_worker"
	StepSupport  Step = "support_worker"
	StepEnd      Step = "END"
)

// Role of a conversation message.
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one conversation turn.
type Message struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Context is the per-pass agent context.
type Context struct {
	SessionID       string             `json:"sessionId"`
	TraceID         string             `json:"traceId,omitempty"`
	UserID          string             `json:"userId"`
	ActorID         string             `json:"actorId,omitempty"`
	UserRole        acting.Role        `json:"userRole"`
	IsImpersonating bool               `json:"isImpersonating"`
	Channel         string             `json:"channel,omitempty"`
	WorkspaceID     string             `json:"workspaceId,omitempty"`
	Delegation      *acting.Delegation `json:"delegation,omitempty"`
}

// PricingOption is one quote.
type PricingOption struct {
	ID              string  `json:"id"`
	Carrier         string  `json:"carrier"`
	Service         string  `json:"service"`
	Price           float64 `json:"price"`
	Currency        string  `json:"currency"`
	DeliveryDaysMin int     `json:"deliveryDaysMin"`
	DeliveryDaysMax int     `json:"deliveryDaysMax"`
	Recommended     bool    `json:"recommended"`
}

// BookingStatus is the outcome of a booking attempt.
type BookingStatus string

const (
	BookingBooked            BookingStatus = "booked"
	BookingFailed            BookingStatus = "failed"
	BookingRetryable         BookingStatus = "retryable"
	BookingNeedsConfirmation BookingStatus = "needs_confirmation"
)

// BookingResult is what the booking worker recorded.
type BookingResult struct {
	Status         BookingStatus `json:"status"`
	ShipmentID     string        `json:"shipmentId,omitempty"`
	TrackingNumber string        `json:"trackingNumber,omitempty"`
	Carrier        string        `json:"carrier,omitempty"`
	Price          float64       `json:"price,omitempty"`
	ErrorCode      string        `json:"errorCode,omitempty"`
	Message        string        `json:"message"`
	RetryAfter     time.Duration `json:"retryAfter,omitempty"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
}

// PendingAction is a side effect waiting for the user's confirmation.
type PendingAction struct {
	Tool      string            `json:"tool"`
	Arguments map[string]string `json:"arguments"`
	Summary   string            `json:"summary"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Image is an attachment of the inbound message.
type Image struct {
	Data []byte
	MIME string
}

// State is threaded through the workers of one pass. Workers receive it
// by value and return a new one; slices are copied with Clone.
type State struct {
	Messages         []Message          `json:"messages"`
	Draft            draft.Draft        `json:"draft"`
	Status           Status             `json:"status"`
	ValidationErrors []string           `json:"validationErrors,omitempty"`
	Confidence       float64            `json:"confidence"`
	NeedsHumanReview bool               `json:"needsHumanReview"`
	Context          Context            `json:"context"`
	MissingFields    []string           `json:"missingFields,omitempty"`
	Clarification    string             `json:"clarification,omitempty"`
	Answer           string             `json:"answer,omitempty"`
	Sources          []string           `json:"sources,omitempty"`
	Phase            string             `json:"phase,omitempty"`
	PendingField     string             `json:"pendingField,omitempty"`
	PricingOptions   []PricingOption    `json:"pricingOptions,omitempty"`
	SelectedOption   string             `json:"selectedOption,omitempty"`
	Booking          *BookingResult     `json:"booking,omitempty"`
	PendingAction    *PendingAction     `json:"pendingAction,omitempty"`
	Delegation       *acting.Delegation `json:"activeDelegation,omitempty"`
	Image            *Image             `json:"-"`
	Next             Step               `json:"next,omitempty"`
	Version          int                `json:"version"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

// New returns an empty state for a session.
func New(ctx Context) State {
	return State{Context: ctx, Status: StatusIdle, Confidence: 1}
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := s
	out.Messages = append([]Message(nil), s.Messages...)
	out.ValidationErrors = append([]string(nil), s.ValidationErrors...)
	out.MissingFields = append([]string(nil), s.MissingFields...)
	out.Sources = append([]string(nil), s.Sources...)
	out.PricingOptions = append([]PricingOption(nil), s.PricingOptions...)
	if s.Booking != nil {
		b := *s.Booking
		out.Booking = &b
	}
	if s.PendingAction != nil {
		p := *s.PendingAction
		p.Arguments = make(map[string]string, len(s.PendingAction.Arguments))
		for k, v := range s.PendingAction.Arguments {
			p.Arguments[k] = v
		}
		out.PendingAction = &p
	}
	if s.Delegation != nil {
		d := *s.Delegation
		out.Delegation = &d
	}
	if s.Context.Delegation != nil {
		d := *s.Context.Delegation
		out.Context.Delegation = &d
	}
	return out
}

// BeginPass resets the per-pass fields of a rehydrated state. Draft,
// history, phase, quotes and delegation carry over.
func (s State) BeginPass(ctx Context, message string, now time.Time) State {
	out := s.Clone()
	if ctx.Delegation == nil {
		ctx.Delegation = out.Delegation
	}
	out.Context = ctx
	out.Status = StatusIdle
	out.Confidence = 1
	out.NeedsHumanReview = false
	out.ValidationErrors = nil
	out.MissingFields = nil
	out.Clarification = ""
	out.Answer = ""
	out.Sources = nil
	out.Next = ""
	out.Booking = nil
	out.Image = nil
	out.Messages = append(out.Messages, Message{Role: RoleHuman, Content: message, At: now})
	return out
}

// Transition moves the state to status to.
func (s *State) Transition(to Status) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	return nil
}

// LastUserMessage returns the latest human message.
func (s State) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleHuman {
			return s.Messages[i].Content
		}
	}
	return ""
}

// AddAssistant appends an assistant turn.
func (s *State) AddAssistant(content string, at time.Time) {
	if content == "" {
		return
	}
	s.Messages = append(s.Messages, Message{Role: RoleAssistant, Content: content, At: at})
}

// TrimHistory keeps the last n messages.
func (s *State) TrimHistory(n int) {
	if n > 0 && len(s.Messages) > n {
		s.Messages = append([]Message(nil), s.Messages[len(s.Messages)-n:]...)
	}
}

// FlagReview marks the state for human review. It cannot be undone within
// a pass.
func (s *State) FlagReview(reason string) {
	s.NeedsHumanReview = true
	if reason != "" {
		s.ValidationErrors = append(s.ValidationErrors, reason)
	}
}

// LowerConfidence lowers the confidence to c if c is lower.
func (s *State) LowerConfidence(c float64) {
	if c < s.Confidence {
		s.Confidence = c
	}
}

// Reconcile folds a worker's output into prev. Review and confidence are
// monotonic: a worker cannot clear review or raise confidence.
func Reconcile(prev, next State) State {
	out := next
	out.NeedsHumanReview = prev.NeedsHumanReview || next.NeedsHumanReview
	if prev.Confidence < next.Confidence {
		out.Confidence = prev.Confidence
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	out.Draft = draft.Merge(prev.Draft, next.Draft)
	out.Context = prev.Context
	return out
}
