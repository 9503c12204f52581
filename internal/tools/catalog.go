// Package tools is the single door from a conversation to a business
// side effect. Tools are declared in a static catalog with a JSON schema
// and a risk level; the executor validates arguments, applies the
// approval gate and writes an audit event for every execution.
package tools

import (
	"sort"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/spediresicuro/anne/internal/policy"
)

// Category of a tool.
type Category string

const (
	CategoryRead  Category = "read"
	CategoryWrite Category = "write"
)

// Spec declares a tool.
type Spec struct {
	Name             string
	Description      string
	Domains          []string
	RiskLevel        policy.RiskLevel
	RequiresApproval bool
	Category         Category
	Schema           *openapi3.Schema

	newArgs func() Args
}

// Policy returns the fields the approval gate reads.
func (s Spec) Policy() policy.ToolPolicy {
	return policy.ToolPolicy{Name: s.Name, RiskLevel: s.RiskLevel, RequiresApproval: s.RequiresApproval}
}

func object(required []string, props map[string]*openapi3.Schema) *openapi3.Schema {
	s := openapi3.NewObjectSchema()
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s.WithProperty(name, props[name])
	}
	if len(required) > 0 {
		s.WithRequired(required)
	}
	return s
}

func text() *openapi3.Schema { return openapi3.NewStringSchema().WithMinLength(1) }

func oneOf(values ...string) *openapi3.Schema {
	s := openapi3.NewStringSchema()
	for _, v := range values {
		s.Enum = append(s.Enum, v)
	}
	return s
}

var catalog = []Spec{
	{
		Name: "get_shipment_status", Description: "Stato e tracking di una spedizione dell'utente",
		Domains: []string{"support"}, RiskLevel: policy.RiskLow, Category: CategoryRead,
		Schema:  object(nil, map[string]*openapi3.Schema{"shipment_id": text(), "tracking_number": text()}),
		newArgs: func() Args { return &GetShipmentStatusArgs{} },
	},
	{
		Name: "list_recent_shipments", Description: "Ultime spedizioni non consegnate dell'utente",
		Domains: []string{"support"}, RiskLevel: policy.RiskLow, Category: CategoryRead,
		Schema:  object(nil, map[string]*openapi3.Schema{"limit": openapi3.NewIntegerSchema().WithMin(1).WithMax(20)}),
		newArgs: func() Args { return &ListRecentShipmentsArgs{} },
	},
	{
		Name: "force_refresh_tracking", Description: "Richiede al corriere un aggiornamento del tracking",
		Domains: []string{"support"}, RiskLevel: policy.RiskLow, Category: CategoryRead,
		Schema:  object([]string{"shipment_id"}, map[string]*openapi3.Schema{"shipment_id": text()}),
		newArgs: func() Args { return &ForceRefreshTrackingArgs{} },
	},
	{
		Name: "diagnose_shipment_issue", Description: "Diagnosi generica di un problema descritto a parole",
		Domains: []string{"support"}, RiskLevel: policy.RiskLow, Category: CategoryRead,
		Schema:  object([]string{"description"}, map[string]*openapi3.Schema{"description": text()}),
		newArgs: func() Args { return &DiagnoseShipmentIssueArgs{} },
	},
	{
		Name: "check_wallet_status", Description: "Saldo del wallet dell'utente",
		Domains: []string{"support", "booking"}, RiskLevel: policy.RiskLow, Category: CategoryRead,
		Schema:  object(nil, nil),
		newArgs: func() Args { return &CheckWalletStatusArgs{} },
	},
	{
		Name: "manage_hold", Description: "Gestione di una giacenza: riconsegna, reso o ritiro in sede",
		Domains: []string{"support"}, RiskLevel: policy.RiskHigh, RequiresApproval: true, Category: CategoryWrite,
		Schema: object([]string{"shipment_id", "action"}, map[string]*openapi3.Schema{
			"shipment_id": text(),
			"action":      oneOf(HoldRedeliver, HoldReturn, HoldPickup),
			"address":     text(),
		}),
		newArgs: func() Args { return &ManageHoldArgs{} },
	},
	{
		Name: "book_shipment", Description: "Crea la spedizione presso il corriere per l'opzione confermata",
		Domains: []string{"booking"}, RiskLevel: policy.RiskHigh, RequiresApproval: true, Category: CategoryWrite,
		Schema: object([]string{"idempotency_key", "draft", "option"}, map[string]*openapi3.Schema{
			"idempotency_key": text(),
			"draft":           openapi3.NewObjectSchema(),
			"option": object([]string{"id", "carrier"}, map[string]*openapi3.Schema{
				"id": text(), "carrier": text(), "price": openapi3.NewFloat64Schema().WithMin(0),
			}),
		}),
		newArgs: func() Args { return &BookShipmentArgs{} },
	},
	{
		Name: "cancel_shipment", Description: "Annulla una spedizione non ancora ritirata",
		Domains: []string{"support"}, RiskLevel: policy.RiskHigh, RequiresApproval: true, Category: CategoryWrite,
		Schema:  object([]string{"shipment_id"}, map[string]*openapi3.Schema{"shipment_id": text(), "reason": text()}),
		newArgs: func() Args { return &CancelShipmentArgs{} },
	},
	{
		Name: "process_refund", Description: "Rimborso sul wallet per una spedizione",
		Domains: []string{"support"}, RiskLevel: policy.RiskCritical, RequiresApproval: true, Category: CategoryWrite,
		Schema: object([]string{"shipment_id", "amount"}, map[string]*openapi3.Schema{
			"shipment_id": text(),
			"amount":      openapi3.NewFloat64Schema().WithMin(0.01),
			"reason":      text(),
		}),
		newArgs: func() Args { return &ProcessRefundArgs{} },
	},
	{
		Name: "escalate_to_human", Description: "Passa la conversazione a un operatore",
		Domains: []string{"support"}, RiskLevel: policy.RiskHigh, Category: CategoryWrite,
		Schema: object([]string{"reason"}, map[string]*openapi3.Schema{
			"reason": text(), "summary": text(), "shipment_id": text(),
		}),
		newArgs: func() Args { return &EscalateToHumanArgs{} },
	},
	{
		Name: "update_crm_status", Description: "Aggiorna lo stato pipeline di un lead o prospect",
		Domains: []string{"crm"}, RiskLevel: policy.RiskHigh, Category: CategoryWrite,
		Schema: object([]string{"entity_id", "status"}, map[string]*openapi3.Schema{
			"entity_id": text(), "status": oneOf(CRMStatuses...),
		}),
		newArgs: func() Args { return &UpdateCRMStatusArgs{} },
	},
	{
		Name: "add_crm_note", Description: "Aggiunge una nota a un lead o prospect",
		Domains: []string{"crm"}, RiskLevel: policy.RiskLow, Category: CategoryWrite,
		Schema:  object([]string{"entity_id", "note"}, map[string]*openapi3.Schema{"entity_id": text(), "note": text()}),
		newArgs: func() Args { return &AddCRMNoteArgs{} },
	},
	{
		Name: "record_crm_contact", Description: "Registra un contatto avvenuto con un lead o prospect",
		Domains: []string{"crm"}, RiskLevel: policy.RiskHigh, Category: CategoryWrite,
		Schema: object([]string{"entity_id", "channel"}, map[string]*openapi3.Schema{
			"entity_id": text(), "channel": oneOf("phone", "email", "whatsapp", "meeting"), "outcome": text(),
		}),
		newArgs: func() Args { return &RecordCRMContactArgs{} },
	},
	{
		Name: "outreach_enroll_entity", Description: "Iscrive un'entità a una sequenza di outreach",
		Domains: []string{"outreach"}, RiskLevel: policy.RiskHigh, Category: CategoryWrite,
		Schema:  object([]string{"entity_id", "sequence_id"}, map[string]*openapi3.Schema{"entity_id": text(), "sequence_id": text()}),
		newArgs: func() Args { return &OutreachEnrollArgs{} },
	},
	{
		Name: "outreach_cancel_enrollment", Description: "Cancella gli enrollment attivi di un'entità",
		Domains: []string{"outreach"}, RiskLevel: policy.RiskHigh, Category: CategoryWrite,
		Schema:  object([]string{"entity_id"}, map[string]*openapi3.Schema{"entity_id": text()}),
		newArgs: func() Args { return &OutreachCancelArgs{} },
	},
	{
		Name: "outreach_pause_enrollment", Description: "Mette in pausa gli enrollment attivi di un'entità",
		Domains: []string{"outreach"}, RiskLevel: policy.RiskHigh, Category: CategoryWrite,
		Schema:  object([]string{"entity_id"}, map[string]*openapi3.Schema{"entity_id": text()}),
		newArgs: func() Args { return &OutreachPauseArgs{} },
	},
	{
		Name: "outreach_resume_enrollment", Description: "Riprende gli enrollment in pausa di un'entità",
		Domains: []string{"outreach"}, RiskLevel: policy.RiskHigh, Category: CategoryWrite,
		Schema:  object([]string{"entity_id"}, map[string]*openapi3.Schema{"entity_id": text()}),
		newArgs: func() Args { return &OutreachResumeArgs{} },
	},
	{
		Name: "outreach_toggle_channel", Description: "Abilita o disabilita un canale di outreach",
		Domains: []string{"outreach"}, RiskLevel: policy.RiskHigh, Category: CategoryWrite,
		Schema: object([]string{"channel", "enabled"}, map[string]*openapi3.Schema{
			"channel": oneOf(OutreachChannels...), "enabled": openapi3.NewBoolSchema(),
		}),
		newArgs: func() Args { return &OutreachToggleChannelArgs{} },
	},
}

var byName = func() map[string]Spec {
	m := make(map[string]Spec, len(catalog))
	for _, s := range catalog {
		m[s.Name] = s
	}
	return m
}()

// Lookup returns the spec of name.
func Lookup(name string) (Spec, bool) {
	s, ok := byName[name]
	return s, ok
}

// Catalog returns every declared tool, sorted by name.
func Catalog() []Spec {
	out := append([]Spec(nil), catalog...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ForDomain returns the tools tagged with domain.
func ForDomain(domain string) []Spec {
	var out []Spec
	for _, s := range Catalog() {
		for _, d := range s.Domains {
			if d == domain {
				out = append(out, s)
				break
			}
		}
	}
	return out
}
