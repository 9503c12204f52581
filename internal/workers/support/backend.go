// Package support handles after-sale requests: tracking, holds,
// cancellations, refunds and hand-over to an operator.
package support

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrShipmentNotFound = errors.New("spedizione non trovata")
	ErrNotCancellable   = errors.New("la spedizione è già stata ritirata dal corriere")
	ErrNoHold           = errors.New("la spedizione non è in giacenza")
	ErrHoldAction       = errors.New("azione non disponibile per questa giacenza")
	ErrRefundExceeds    = errors.New("l'importo supera il costo della spedizione")
	ErrNoOperator       = errors.New("nessun operatore raggiungibile")
)

// Shipment statuses.
const (
	StatusPending      = "pending"
	StatusLabelCreated = "label_created"
	StatusPickedUp     = "picked_up"
	StatusInTransit    = "in_transit"
	StatusOnHold       = "on_hold"
	StatusDelivered    = "delivered"
	StatusCancelled    = "cancelled"
)

// Hold reasons.
const (
	HoldAbsent       = "destinatario_assente"
	HoldWrongAddress = "indirizzo_errato"
	HoldRefused      = "rifiutata"
	HoldCODUnpaid    = "contrassegno_non_pagato"
	HoldInaccessible = "zona_non_accessibile"
	HoldMissingDocs  = "documenti_mancanti"
	HoldOther        = "altro"
)

// Hold is an open giacenza.
type Hold struct {
	Reason        string   `json:"reason"`
	DaysRemaining int      `json:"daysRemaining"`
	Actions       []string `json:"actions"`
	// Cost is charged for the next delivery attempt.
	Cost float64 `json:"cost,omitempty"`
}

type Shipment struct {
	ID             string     `json:"id"`
	WorkspaceID    string     `json:"workspaceId"`
	UserID         string     `json:"userId"`
	TrackingNumber string     `json:"trackingNumber,omitempty"`
	Carrier        string     `json:"carrier"`
	Status         string     `json:"status"`
	RecipientName  string     `json:"recipientName"`
	Price          float64    `json:"price"`
	Refunded       float64    `json:"refunded,omitempty"`
	LastEvent      string     `json:"lastEvent,omitempty"`
	LastEventAt    *time.Time `json:"lastEventAt,omitempty"`
	Hold           *Hold      `json:"hold,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

func (s Shipment) Delivered() bool { return s.Status == StatusDelivered }

// Backend is the shipment system seen by the support worker. Every call is
// scoped to the target user inside one workspace.
type Backend interface {
	// Recent returns the user's shipments not yet delivered, newest first.
	Recent(ctx context.Context, workspaceID, userID string, limit int) ([]Shipment, error)
	// Find resolves a shipment ID or tracking number.
	Find(ctx context.Context, workspaceID, userID, ref string) (*Shipment, error)
	RefreshTracking(ctx context.Context, workspaceID, userID, shipmentID string) (*Shipment, error)
	ManageHold(ctx context.Context, workspaceID, userID, shipmentID, action, address string) error
	// Cancel cancels a shipment not yet picked up and returns the amount
	// credited back to the wallet.
	Cancel(ctx context.Context, workspaceID, userID, shipmentID, reason string) (float64, error)
	Refund(ctx context.Context, workspaceID, userID, shipmentID string, amount float64, reason string) error
	WalletBalance(ctx context.Context, workspaceID, userID string) (float64, error)
}

// MemoryBackend is a threadsafe Backend for tests and local mode.
type MemoryBackend struct {
	mu        sync.RWMutex
	shipments map[string]*Shipment
	wallets   map[string]float64
	// Tracker is consulted by RefreshTracking when set.
	Tracker func(s Shipment) (status, event string)
	now     func() time.Time
}

func NewMemoryBackend(shipments ...Shipment) *MemoryBackend {
	b := &MemoryBackend{shipments: make(map[string]*Shipment), wallets: make(map[string]float64), now: time.Now}
	for _, s := range shipments {
		s := s
		b.shipments[s.ID] = &s
	}
	return b
}

// SetWallet sets the balance of a user.
func (b *MemoryBackend) SetWallet(workspaceID, userID string, balance float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wallets[workspaceID+"/"+userID] = balance
}

func (b *MemoryBackend) owned(workspaceID, userID, id string) (*Shipment, error) {
	s, ok := b.shipments[id]
	if !ok || s.WorkspaceID != workspaceID || s.UserID != userID {
		return nil, ErrShipmentNotFound
	}
	return s, nil
}

func (b *MemoryBackend) Recent(ctx context.Context, workspaceID, userID string, limit int) ([]Shipment, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Shipment
	for _, s := range b.shipments {
		if s.WorkspaceID == workspaceID && s.UserID == userID && !s.Delivered() {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *MemoryBackend) Find(ctx context.Context, workspaceID, userID, ref string) (*Shipment, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, err := b.owned(workspaceID, userID, ref); err == nil {
		out := *s
		return &out, nil
	}
	for _, s := range b.shipments {
		if s.WorkspaceID == workspaceID && s.UserID == userID && strings.EqualFold(s.TrackingNumber, ref) {
			out := *s
			return &out, nil
		}
	}
	return nil, ErrShipmentNotFound
}

func (b *MemoryBackend) RefreshTracking(ctx context.Context, workspaceID, userID, shipmentID string) (*Shipment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.owned(workspaceID, userID, shipmentID)
	if err != nil {
		return nil, err
	}
	if b.Tracker != nil {
		status, event := b.Tracker(*s)
		if status != "" && status != s.Status {
			s.Status = status
			s.LastEvent = event
			now := b.now()
			s.LastEventAt = &now
		}
	}
	out := *s
	return &out, nil
}

func (b *MemoryBackend) ManageHold(ctx context.Context, workspaceID, userID, shipmentID, action, address string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.owned(workspaceID, userID, shipmentID)
	if err != nil {
		return err
	}
	if s.Hold == nil {
		return ErrNoHold
	}
	allowed := false
	for _, a := range s.Hold.Actions {
		if a == action {
			allowed = true
		}
	}
	if !allowed {
		return ErrHoldAction
	}
	if s.Hold.Cost > 0 {
		b.wallets[workspaceID+"/"+userID] -= s.Hold.Cost
	}
	s.Hold = nil
	s.Status = StatusInTransit
	s.LastEvent = "giacenza svincolata: " + action
	now := b.now()
	s.LastEventAt = &now
	return nil
}

func (b *MemoryBackend) Cancel(ctx context.Context, workspaceID, userID, shipmentID, reason string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.owned(workspaceID, userID, shipmentID)
	if err != nil {
		return 0, err
	}
	if s.Status != StatusPending && s.Status != StatusLabelCreated {
		return 0, ErrNotCancellable
	}
	s.Status = StatusCancelled
	credit := s.Price - s.Refunded
	s.Refunded = s.Price
	b.wallets[workspaceID+"/"+userID] += credit
	return credit, nil
}

func (b *MemoryBackend) Refund(ctx context.Context, workspaceID, userID, shipmentID string, amount float64, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.owned(workspaceID, userID, shipmentID)
	if err != nil {
		return err
	}
	if s.Refunded+amount > s.Price+0.005 {
		return ErrRefundExceeds
	}
	s.Refunded += amount
	b.wallets[workspaceID+"/"+userID] += amount
	return nil
}

func (b *MemoryBackend) WalletBalance(ctx context.Context, workspaceID, userID string) (float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.wallets[workspaceID+"/"+userID], nil
}
