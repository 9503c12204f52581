package agent

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spediresicuro/anne/internal/acting"
	"github.com/spediresicuro/anne/internal/draft"
)

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []Status{StatusBooked, StatusAnswered, StatusClarificationSent, StatusRejected} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []Status{StatusIdle, StatusRouting, StatusWorkerActive, StatusCollecting, StatusReady, StatusNeedsApproval, StatusError} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestTransition(t *testing.T) {
	s := New(Context{SessionID: "s1"})
	require.NoError(t, s.Transition(StatusRouting))
	require.NoError(t, s.Transition(StatusWorkerActive))
	require.NoError(t, s.Transition(StatusCollecting))
	require.NoError(t, s.Transition(StatusClarificationSent))

	err := s.Transition(StatusWorkerActive)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StatusClarificationSent, s.Status)
}

func TestCanTransitionFromTerminal(t *testing.T) {
	for _, to := range []Status{StatusIdle, StatusRouting, StatusWorkerActive} {
		assert.False(t, CanTransition(StatusBooked, to))
		assert.False(t, CanTransition(StatusAnswered, to))
	}
}

func TestReconcileIsMonotonic(t *testing.T) {
	prev := New(Context{SessionID: "s1"})
	prev.FlagReview("ocr low confidence")
	prev.LowerConfidence(0.6)

	next := prev.Clone()
	next.NeedsHumanReview = false
	next.Confidence = 0.95

	got := Reconcile(prev, next)
	assert.True(t, got.NeedsHumanReview)
	assert.Equal(t, 0.6, got.Confidence)

	next.Confidence = 0.3
	got = Reconcile(prev, next)
	assert.Equal(t, 0.3, got.Confidence)
}

func TestReconcileMergesDraftNonDestructively(t *testing.T) {
	prev := New(Context{})
	prev.Draft.Recipient.PostalCode = "20100"
	prev.Draft.Parcel.WeightKg = 2

	next := prev.Clone()
	next.Draft = draft.Draft{Recipient: draft.Party{Province: "MI"}}

	got := Reconcile(prev, next)
	assert.Equal(t, "20100", got.Draft.Recipient.PostalCode)
	assert.Equal(t, "MI", got.Draft.Recipient.Province)
	assert.Equal(t, 2.0, got.Draft.Parcel.WeightKg)
}

func TestCloneIsDeep(t *testing.T) {
	s := New(Context{Delegation: &acting.Delegation{WorkspaceID: "ws-1"}})
	s.PricingOptions = []PricingOption{{ID: "a", Price: 10}}
	s.Booking = &BookingResult{Status: BookingBooked}
	s.PendingAction = &PendingAction{Tool: "cancel_shipment", Arguments: map[string]string{"id": "1"}}

	c := s.Clone()
	c.PricingOptions[0].Price = 99
	c.Booking.Status = BookingFailed
	c.PendingAction.Arguments["id"] = "2"
	c.Context.Delegation.WorkspaceID = "ws-2"

	assert.Equal(t, 10.0, s.PricingOptions[0].Price)
	assert.Equal(t, BookingBooked, s.Booking.Status)
	assert.Equal(t, "1", s.PendingAction.Arguments["id"])
	assert.Equal(t, "ws-1", s.Context.Delegation.WorkspaceID)
}

func TestBeginPassResetsPerPassFields(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := New(Context{SessionID: "s1"})
	s.Status = StatusAnswered
	s.NeedsHumanReview = true
	s.Confidence = 0.2
	s.Clarification = "old"
	s.Phase = "recipient"
	s.Delegation = &acting.Delegation{WorkspaceID: "ws-sub"}
	s.PricingOptions = []PricingOption{{ID: "gls"}}

	got := s.BeginPass(Context{SessionID: "s1", UserID: "u1"}, "ciao", now)
	assert.Equal(t, StatusIdle, got.Status)
	assert.False(t, got.NeedsHumanReview)
	assert.Equal(t, 1.0, got.Confidence)
	assert.Empty(t, got.Clarification)
	assert.Equal(t, "recipient", got.Phase)
	assert.Len(t, got.PricingOptions, 1)
	require.NotNil(t, got.Context.Delegation)
	assert.Equal(t, "ws-sub", got.Context.Delegation.WorkspaceID)
	if diff := cmp.Diff([]Message{{Role: RoleHuman, Content: "ciao", At: now}}, got.Messages); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestLastUserMessageAndTrim(t *testing.T) {
	s := New(Context{})
	s.Messages = []Message{
		{Role: RoleHuman, Content: "uno"},
		{Role: RoleAssistant, Content: "due"},
		{Role: RoleHuman, Content: "tre"},
		{Role: RoleAssistant, Content: "quattro"},
	}
	assert.Equal(t, "tre", s.LastUserMessage())
	s.TrimHistory(2)
	assert.Len(t, s.Messages, 2)
	assert.Equal(t, "tre", s.Messages[0].Content)
}
