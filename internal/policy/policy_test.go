package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferRiskLevel(t *testing.T) {
	tests := []struct {
		tool     string
		fallback RiskLevel
		want     RiskLevel
	}{
		{"create_batch_shipments", RiskLow, RiskCritical},
		{"process_refund", "", RiskCritical},
		{"cancel_shipment", RiskLow, RiskHigh},
		{"update_crm_status", RiskCritical, RiskHigh},
		{"get_pipeline_summary", RiskHigh, RiskHigh},
		{"get_pipeline_summary", "bogus", RiskLow},
		{"get_pipeline_summary", "", RiskLow},
	}
	for _, tt := range tests {
		t.Run(tt.tool+"/"+string(tt.fallback), func(t *testing.T) {
			assert.Equal(t, tt.want, InferRiskLevel(tt.tool, tt.fallback))
		})
	}
}

func TestRequiresApprovalByPolicy(t *testing.T) {
	assert.True(t, RequiresApprovalByPolicy(ToolPolicy{Name: "process_refund"}))
	assert.True(t, RequiresApprovalByPolicy(ToolPolicy{Name: "cancel_shipment"}))
	assert.True(t, RequiresApprovalByPolicy(ToolPolicy{Name: "add_crm_note", RequiresApproval: true}))
	assert.True(t, RequiresApprovalByPolicy(ToolPolicy{Name: "custom", RiskLevel: RiskHigh}))
	assert.False(t, RequiresApprovalByPolicy(ToolPolicy{Name: "add_crm_note"}))
	assert.False(t, RequiresApprovalByPolicy(ToolPolicy{Name: "track_shipment", RiskLevel: RiskLow}))
}

func TestMaxRisk(t *testing.T) {
	assert.Equal(t, RiskHigh, MaxRisk(RiskLow, RiskHigh))
	assert.Equal(t, RiskCritical, MaxRisk(RiskCritical, RiskHigh))
	assert.Equal(t, RiskLow, MaxRisk(RiskLow, RiskLow))
}

func TestHasExplicitConfirmationIsAnchored(t *testing.T) {
	yes := []string{"si", "Sì, procedi", "ok", "OK!", "conferma", "confermo la prenotazione", "procedi", "  va bene", "certo.", "fallo"}
	for _, m := range yes {
		assert.True(t, HasExplicitConfirmation(m), m)
	}
	no := []string{
		"non sono sicuro, forse ok",
		"ho detto che va bene ieri?",
		"la spedizione è confermata?",
		"okkupato",
		"sicuro di no",
		"",
	}
	for _, m := range no {
		assert.False(t, HasExplicitConfirmation(m), m)
	}
}

func TestDetectConfirmationCancelWins(t *testing.T) {
	assert.Equal(t, ConfirmationYes, DetectConfirmation("sì procedi"))
	assert.Equal(t, ConfirmationNo, DetectConfirmation("no"))
	assert.Equal(t, ConfirmationNo, DetectConfirmation("sì, anzi no, annulla"))
	assert.Equal(t, ConfirmationNo, DetectConfirmation("lascia stare"))
	assert.Equal(t, ConfirmationNone, DetectConfirmation("quanto costa?"))
	assert.Equal(t, ConfirmationNone, DetectConfirmation("   "))
	assert.Equal(t, "cancel", ConfirmationNo.String())
}

func TestRulesDecideFirstMatchWins(t *testing.T) {
	rs, err := ParseRules([]byte(`
rules:
  - id: no-refunds-for-users
    tool: process_refund
    role: user
    decision: deny
    reason: refunds are handled by support
  - id: review-refunds
    tool: process_refund
    decision: review
  - id: notes-free
    tool: add_crm_note
    decision: allow
`))
	require.NoError(t, err)
	require.Len(t, rs, 3)

	d, r, ok := rs.Decide("process_refund", "user")
	require.True(t, ok)
	assert.Equal(t, DecisionDeny, d)
	assert.Equal(t, "no-refunds-for-users", r.ID)

	d, _, ok = rs.Decide("process_refund", "admin")
	require.True(t, ok)
	assert.Equal(t, DecisionReview, d)

	_, _, ok = rs.Decide("cancel_shipment", "user")
	assert.False(t, ok)
}

func TestParseRulesRejectsUnknownDecision(t *testing.T) {
	_, err := ParseRules([]byte("rules:\n  - id: x\n    decision: maybe\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maybe")
}

func TestLoadRules(t *testing.T) {
	rs, err := LoadRules("")
	require.NoError(t, err)
	assert.Nil(t, rs)

	rs, err = LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Nil(t, rs)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - id: all\n    tool: '*'\n    decision: review\n"), 0o644))
	rs, err = LoadRules(path)
	require.NoError(t, err)
	d, _, ok := rs.Decide("anything", "superadmin")
	assert.True(t, ok)
	assert.Equal(t, DecisionReview, d)
}
