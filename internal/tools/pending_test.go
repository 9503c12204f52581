package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spediresicuro/anne/internal/acting"
	"github.com/spediresicuro/anne/internal/agent"
)

func TestPendingRoundTripKeepsTypes(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	p, err := Pending(&ProcessRefundArgs{ShipmentID: "s1", Amount: 12.5, Reason: "danno"}, "Rimborso di 12,50 €", now)
	require.NoError(t, err)
	assert.Equal(t, "process_refund", p.Tool)
	assert.Equal(t, "12.5", p.Arguments["amount"])
	assert.Equal(t, now, p.CreatedAt)

	c, err := CallFromPending(p)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(c.Arguments, &got))
	assert.Equal(t, 12.5, got["amount"])
	assert.Equal(t, "s1", got["shipment_id"])

	p, err = Pending(&OutreachToggleChannelArgs{Channel: "whatsapp", Enabled: false}, "", now)
	require.NoError(t, err)
	c, err = CallFromPending(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"channel":"whatsapp","enabled":false}`, string(c.Arguments))
}

func TestCallFromPendingErrors(t *testing.T) {
	_, err := CallFromPending(&agent.PendingAction{Tool: "nope"})
	assert.ErrorIs(t, err, ErrUnknownTool)

	_, err = CallFromPending(&agent.PendingAction{Tool: "process_refund", Arguments: map[string]string{"amount": "dieci"}})
	assert.ErrorIs(t, err, ErrInvalidArgs)
}

func TestPendingActionConfirmedExecution(t *testing.T) {
	e, _, scopes := newExecutor(t)
	p, err := Pending(&UpdateCRMStatusArgs{EntityID: "e1", Status: "won"}, "", time.Now())
	require.NoError(t, err)
	c, err := CallFromPending(p)
	require.NoError(t, err)

	ec := user
	ec.Confirmed = true
	res := e.Execute(context.Background(), c, ec)
	assert.True(t, res.Success)
	assert.Equal(t, "Stato aggiornato a won.", res.Message)
	assert.Len(t, *scopes, 1)
}

func TestFromState(t *testing.T) {
	s := agent.New(agent.Context{SessionID: "s", UserID: "client-9", ActorID: "reseller-1", WorkspaceID: "ws-1", UserRole: acting.RoleReseller, TraceID: "t"})
	s = s.BeginPass(s.Context, "conferma", time.Now())
	ec := FromState(s)
	assert.Equal(t, "reseller-1", ec.ActorID)
	assert.Equal(t, "client-9", ec.TargetID)
	assert.Equal(t, "conferma", ec.Message)
	assert.False(t, ec.Confirmed)
}
