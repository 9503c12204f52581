package tools

import (
	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/draft"
)

// Args is the typed argument set of one tool. Each tool has exactly one
// Args type; the executor decodes into it after schema validation.
type Args interface {
	ToolName() string
}

type GetShipmentStatusArgs struct {
	ShipmentID     string `json:"shipment_id,omitempty"`
	TrackingNumber string `json:"tracking_number,omitempty"`
}

func (GetShipmentStatusArgs) ToolName() string { return "get_shipment_status" }

type ListRecentShipmentsArgs struct {
	Limit int `json:"limit,omitempty"`
}

func (ListRecentShipmentsArgs) ToolName() string { return "list_recent_shipments" }

type ForceRefreshTrackingArgs struct {
	ShipmentID string `json:"shipment_id"`
}

func (ForceRefreshTrackingArgs) ToolName() string { return "force_refresh_tracking" }

type DiagnoseShipmentIssueArgs struct {
	Description string `json:"description"`
}

func (DiagnoseShipmentIssueArgs) ToolName() string { return "diagnose_shipment_issue" }

type CheckWalletStatusArgs struct{}

func (CheckWalletStatusArgs) ToolName() string { return "check_wallet_status" }

// Hold actions.
const (
	HoldRedeliver = "riconsegna"
	HoldReturn    = "reso"
	HoldPickup    = "ritiro_in_sede"
)

type ManageHoldArgs struct {
	ShipmentID string `json:"shipment_id"`
	Action     string `json:"action"`
	Address    string `json:"address,omitempty"`
}

func (ManageHoldArgs) ToolName() string { return "manage_hold" }

// BookShipmentArgs carries a confirmed, priced draft to the courier.
type BookShipmentArgs struct {
	IdempotencyKey string              `json:"idempotency_key"`
	Draft          draft.Draft         `json:"draft"`
	Option         agent.PricingOption `json:"option"`
}

func (BookShipmentArgs) ToolName() string { return "book_shipment" }

type CancelShipmentArgs struct {
	ShipmentID string `json:"shipment_id"`
	Reason     string `json:"reason,omitempty"`
}

func (CancelShipmentArgs) ToolName() string { return "cancel_shipment" }

type ProcessRefundArgs struct {
	ShipmentID string  `json:"shipment_id"`
	Amount     float64 `json:"amount"`
	Reason     string  `json:"reason,omitempty"`
}

func (ProcessRefundArgs) ToolName() string { return "process_refund" }

type EscalateToHumanArgs struct {
	Reason     string `json:"reason"`
	Summary    string `json:"summary,omitempty"`
	ShipmentID string `json:"shipment_id,omitempty"`
}

func (EscalateToHumanArgs) ToolName() string { return "escalate_to_human" }

// CRM pipeline statuses.
var CRMStatuses = []string{"new", "contacted", "qualified", "negotiating", "quote_sent", "won", "lost"}

type UpdateCRMStatusArgs struct {
	EntityID string `json:"entity_id"`
	Status   string `json:"status"`
}

func (UpdateCRMStatusArgs) ToolName() string { return "update_crm_status" }

type AddCRMNoteArgs struct {
	EntityID string `json:"entity_id"`
	Note     string `json:"note"`
}

func (AddCRMNoteArgs) ToolName() string { return "add_crm_note" }

type RecordCRMContactArgs struct {
	EntityID string `json:"entity_id"`
	Channel  string `json:"channel"`
	Outcome  string `json:"outcome,omitempty"`
}

func (RecordCRMContactArgs) ToolName() string { return "record_crm_contact" }

// Outreach channels.
var OutreachChannels = []string{"email", "whatsapp", "telegram"}

type OutreachEnrollArgs struct {
	EntityID   string `json:"entity_id"`
	SequenceID string `json:"sequence_id"`
}

func (OutreachEnrollArgs) ToolName() string { return "outreach_enroll_entity" }

type OutreachCancelArgs struct {
	EntityID string `json:"entity_id"`
}

func (OutreachCancelArgs) ToolName() string { return "outreach_cancel_enrollment" }

type OutreachPauseArgs struct {
	EntityID string `json:"entity_id"`
}

func (OutreachPauseArgs) ToolName() string { return "outreach_pause_enrollment" }

type OutreachResumeArgs struct {
	EntityID string `json:"entity_id"`
}

func (OutreachResumeArgs) ToolName() string { return "outreach_resume_enrollment" }

type OutreachToggleChannelArgs struct {
	Channel string `json:"channel"`
	Enabled bool   `json:"enabled"`
}

func (OutreachToggleChannelArgs) ToolName() string { return "outreach_toggle_channel" }
