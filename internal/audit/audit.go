// Package audit records who did what. Every event carries the actor, the
// identity that really sent the message, next to the target the action
// ran for.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Actions written by the orchestrator and the tool executor.
const (
	ActionDelegationActivated   = "DELEGATION_ACTIVATED"
	ActionDelegationDeactivated = "DELEGATION_DEACTIVATED"
	ActionToolExecuted          = "TOOL_EXECUTED"
	ActionToolRejected          = "TOOL_REJECTED"
	ActionToolApprovalRequested = "TOOL_APPROVAL_REQUESTED"
	ActionBooking               = "SHIPMENT_BOOKED"
	ActionEscalated             = "SESSION_ESCALATED"
	ActionMessageProcessed      = "MESSAGE_PROCESSED"
	ActionCRMTimeline           = "CRM_TIMELINE"
)

// Event is one audit entry.
type Event struct {
	ID          string            `json:"id"`
	At          time.Time         `json:"at"`
	ActorID     string            `json:"actorId"`
	TargetID    string            `json:"targetId"`
	WorkspaceID string            `json:"workspaceId,omitempty"`
	Action      string            `json:"action"`
	Resource    string            `json:"resource,omitempty"`
	TraceID     string            `json:"traceId,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Store persists events.
type Store interface {
	Append(ctx context.Context, ev *Event) error
	List(ctx context.Context, filter Filter) ([]Event, error)
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	ActorID     string
	WorkspaceID string
	Action      string
	TraceID     string
	Limit       int
}

func (f Filter) match(ev Event) bool {
	return (f.ActorID == "" || f.ActorID == ev.ActorID) &&
		(f.WorkspaceID == "" || f.WorkspaceID == ev.WorkspaceID) &&
		(f.Action == "" || f.Action == ev.Action) &&
		(f.TraceID == "" || f.TraceID == ev.TraceID)
}

// dedupActions are written at most once per trace.
var dedupActions = map[string]bool{
	ActionDelegationActivated:   true,
	ActionDelegationDeactivated: true,
}

// Recorder writes events. Recording never fails the caller: errors are
// logged and returned for callers that care.
type Recorder struct {
	store Store
	now   func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: time.Now, seen: make(map[string]time.Time)}
}

// seenTTL bounds the in-process dedup memory.
const seenTTL = 10 * time.Minute

// Record fills ID and time and appends ev. Delegation events are deduped
// on (action, trace id).
func (r *Recorder) Record(ctx context.Context, ev Event) error {
	if r == nil || r.store == nil {
		return nil
	}
	now := r.now()
	if dedupActions[ev.Action] && ev.TraceID != "" {
		key := ev.Action + "|" + ev.TraceID
		r.mu.Lock()
		for k, at := range r.seen {
			if now.Sub(at) > seenTTL {
				delete(r.seen, k)
			}
		}
		_, dup := r.seen[key]
		if !dup {
			r.seen[key] = now
		}
		r.mu.Unlock()
		if dup {
			log.Debug().Str("action", ev.Action).Str("trace_id", ev.TraceID).Msg("audit event deduped")
			return nil
		}
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = now
	}
	if err := r.store.Append(ctx, &ev); err != nil {
		log.Error().Err(err).Str("action", ev.Action).Str("trace_id", ev.TraceID).Msg("audit append failed")
		return err
	}
	return nil
}

// MemoryStore keeps events in memory.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Append(ctx context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	if ev.Metadata != nil {
		cp.Metadata = make(map[string]string, len(ev.Metadata))
		for k, v := range ev.Metadata {
			cp.Metadata[k] = v
		}
	}
	s.events = append(s.events, cp)
	return nil
}

// List returns matching events, newest first.
func (s *MemoryStore) List(ctx context.Context, f Filter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if f.match(s.events[i]) {
			out = append(out, s.events[i])
			if f.Limit > 0 && len(out) == f.Limit {
				break
			}
		}
	}
	return out, nil
}
