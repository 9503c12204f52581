// Package policy classifies tool risk and gates side effects behind an
// explicit user confirmation.
package policy

import (
	"regexp"
	"strings"
)

// RiskLevel of a tool.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Valid reports whether r is a known level.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskHigh, RiskCritical:
		return true
	}
	return false
}

func (r RiskLevel) rank() int {
	switch r {
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	}
	return 1
}

// MaxRisk returns the higher of a and b.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Batch operations, money movements and cross-tenant admin actions.
var criticalTools = map[string]bool{
	"create_batch_shipments":  true,
	"process_refund":          true,
	"adjust_wallet":           true,
	"admin_switch_workspace":  true,
	"admin_impersonate_user":  true,
	"bulk_update_price_lists": true,
}

// Single-entity writes.
var highRiskTools = map[string]bool{
	"book_shipment":              true,
	"cancel_shipment":            true,
	"manage_hold":                true,
	"escalate_to_human":          true,
	"update_crm_status":          true,
	"record_crm_contact":         true,
	"outreach_toggle_channel":    true,
	"outreach_enroll_entity":     true,
	"outreach_cancel_enrollment": true,
	"outreach_pause_enrollment":  true,
	"outreach_resume_enrollment": true,
}

// InferRiskLevel returns the static level of tool. Tools outside the
// static sets get fallback when it is a valid level, otherwise low.
func InferRiskLevel(tool string, fallback RiskLevel) RiskLevel {
	switch {
	case criticalTools[tool]:
		return RiskCritical
	case highRiskTools[tool]:
		return RiskHigh
	case fallback.Valid():
		return fallback
	}
	return RiskLow
}

// ToolPolicy is the part of a tool declaration the approval gate reads.
type ToolPolicy struct {
	Name             string
	RiskLevel        RiskLevel
	RequiresApproval bool
}

// RequiresApprovalByPolicy is true when the tool declares approval or its
// inferred level is high or critical.
func RequiresApprovalByPolicy(t ToolPolicy) bool {
	if t.RequiresApproval {
		return true
	}
	return InferRiskLevel(t.Name, t.RiskLevel).rank() >= RiskHigh.rank()
}

// Confirmation is what a reply to a pending action means.
type Confirmation int

const (
	ConfirmationNone Confirmation = iota
	ConfirmationYes
	ConfirmationNo
)

func (c Confirmation) String() string {
	switch c {
	case ConfirmationYes:
		return "confirm"
	case ConfirmationNo:
		return "cancel"
	}
	return "none"
}

var (
	confirmRe = regexp.MustCompile(`(?i)^\s*(s[iì]|ok|okay|conferma|confermo|procedi|procedo|prenota|vai|va bene|certo|fallo|assolutamente)([\s,.!]|$)`)
	cancelRe  = regexp.MustCompile(`(?i)(^|[^\pL])(no|annulla|cancella|stop|ferma|non voglio|lascia stare|lascia perdere|niente)([^\pL]|$)`)
)

// HasExplicitConfirmation reports whether msg starts with a confirmation
// token. A confirmation word later in the sentence does not count.
func HasExplicitConfirmation(msg string) bool {
	return confirmRe.MatchString(strings.TrimSpace(msg))
}

// DetectConfirmation classifies a reply to a pending action. Cancellation
// wins over confirmation.
func DetectConfirmation(msg string) Confirmation {
	m := strings.TrimSpace(msg)
	if m == "" {
		return ConfirmationNone
	}
	if cancelRe.MatchString(m) {
		return ConfirmationNo
	}
	if confirmRe.MatchString(m) {
		return ConfirmationYes
	}
	return ConfirmationNone
}
