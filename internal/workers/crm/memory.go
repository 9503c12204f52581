package crm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	hotScore       = 80
	warmScore      = 60
	staleAfterDays = 14
	quoteWaitDays  = 7
)

// MemoryRepository is a threadsafe Repository for tests and local mode.
type MemoryRepository struct {
	mu       sync.RWMutex
	entities map[string]*Entity
	now      func() time.Time
}

func NewMemoryRepository(entities ...Entity) *MemoryRepository {
	r := &MemoryRepository{entities: make(map[string]*Entity), now: time.Now}
	for _, e := range entities {
		e := e
		r.entities[e.ID] = &e
	}
	return r
}

// in returns the entities of workspaceID sorted by score, then name.
func (r *MemoryRepository) in(workspaceID string) []Entity {
	var out []Entity
	for _, e := range r.entities {
		if e.WorkspaceID == workspaceID {
			out = append(out, cloneEntity(*e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CompanyName < out[j].CompanyName
	})
	return out
}

func (r *MemoryRepository) Summary(ctx context.Context, workspaceID string) (Summary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Summary{ByStatus: map[string]int{}}
	score := 0
	for _, e := range r.in(workspaceID) {
		s.Total++
		s.ByStatus[e.Status]++
		score += e.Score
		if !e.Closed() {
			s.PipelineValue += e.EstimatedValue
		}
	}
	if s.Total > 0 {
		s.AvgScore = score / s.Total
	}
	return s, nil
}

func (r *MemoryRepository) Metrics(ctx context.Context, workspaceID string) (Metrics, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	thisMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	lastMonth := thisMonth.AddDate(0, -1, 0)

	var m Metrics
	var won, lost, wonPrev, lostPrev, convDays int
	for _, e := range r.in(workspaceID) {
		if !e.Closed() {
			m.TotalActive++
			m.PipelineValue += e.EstimatedValue
			continue
		}
		if e.Status == StatusWon {
			won++
		} else {
			lost++
		}
		if e.ClosedAt == nil {
			continue
		}
		if e.Status == StatusWon {
			convDays += int(e.ClosedAt.Sub(e.CreatedAt).Hours() / 24)
		}
		switch {
		case !e.ClosedAt.Before(thisMonth):
			if e.Status == StatusWon {
				m.WonThisMonth++
			} else {
				m.LostThisMonth++
			}
		case !e.ClosedAt.Before(lastMonth):
			if e.Status == StatusWon {
				wonPrev++
			} else {
				lostPrev++
			}
		}
	}
	if won+lost > 0 {
		m.Rate = float64(won) / float64(won+lost)
	}
	if won > 0 {
		m.AvgDaysToConversion = convDays / won
	}
	m.Trend = trend(m.WonThisMonth, m.LostThisMonth, wonPrev, lostPrev)
	return m, nil
}

func trend(won, lost, wonPrev, lostPrev int) Trend {
	if won+lost == 0 || wonPrev+lostPrev == 0 {
		return TrendStable
	}
	cur := float64(won) / float64(won+lost)
	prev := float64(wonPrev) / float64(wonPrev+lostPrev)
	switch {
	case cur > prev+0.05:
		return TrendImproving
	case cur < prev-0.05:
		return TrendDeclining
	}
	return TrendStable
}

func (r *MemoryRepository) HealthAlerts(ctx context.Context, workspaceID string) ([]Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	var alerts []Alert
	for _, e := range r.in(workspaceID) {
		if e.Closed() {
			continue
		}
		switch {
		case e.LastContactAt == nil && e.Score >= hotScore:
			alerts = append(alerts, Alert{Level: LevelCritical, Type: "hot_lead_uncontacted", EntityID: e.ID, EntityName: e.CompanyName,
				Message: fmt.Sprintf("%s ha score %d e non è mai stato contattato", e.CompanyName, e.Score)})
		case e.LastContactAt != nil && daysBetween(*e.LastContactAt, now) > staleAfterDays:
			alerts = append(alerts, Alert{Level: LevelWarning, Type: "stale", EntityID: e.ID, EntityName: e.CompanyName,
				Message: fmt.Sprintf("%s non viene contattato da %d giorni", e.CompanyName, daysBetween(*e.LastContactAt, now))})
		case e.Status == StatusQuoteSent && daysBetween(e.UpdatedAt, now) > quoteWaitDays:
			alerts = append(alerts, Alert{Level: LevelInfo, Type: "quote_pending", EntityID: e.ID, EntityName: e.CompanyName,
				Message: fmt.Sprintf("Preventivo inviato a %s senza risposta da %d giorni", e.CompanyName, daysBetween(e.UpdatedAt, now))})
		}
	}
	return alerts, nil
}

func (r *MemoryRepository) TodayActions(ctx context.Context, workspaceID string) ([]Action, error) {
	alerts, err := r.HealthAlerts(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	out := make([]Action, 0, len(alerts))
	for _, a := range alerts {
		act := Action{EntityID: a.EntityID, EntityName: a.EntityName, Reasoning: a.Message}
		switch a.Level {
		case LevelCritical:
			act.Urgency, act.Action = UrgencyImmediate, "Contattare immediatamente"
		case LevelWarning:
			act.Urgency, act.Action = UrgencyToday, "Follow-up necessario"
		default:
			act.Urgency, act.Action = UrgencyThisWeek, "Sollecitare il preventivo"
		}
		out = append(out, act)
	}
	return out, nil
}

func (r *MemoryRepository) Hot(ctx context.Context, workspaceID string, limit int) ([]Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entity
	for _, e := range r.in(workspaceID) {
		if !e.Closed() && e.Score >= warmScore {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) Search(ctx context.Context, workspaceID string, f Filter) ([]Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q := strings.ToLower(strings.TrimSpace(f.Query))
	var out []Entity
	for _, e := range r.in(workspaceID) {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.Sector != "" && e.Sector != f.Sector {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(e.CompanyName), q) && !strings.Contains(strings.ToLower(e.Sector), q) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// FindByName prefers an exact match, then the best scored partial one.
func (r *MemoryRepository) FindByName(ctx context.Context, workspaceID, name string) (*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return nil, ErrEntityNotFound
	}
	var partial *Entity
	for _, e := range r.in(workspaceID) {
		lower := strings.ToLower(e.CompanyName)
		if lower == n {
			e := e
			return &e, nil
		}
		if partial == nil && (strings.Contains(lower, n) || strings.Contains(n, lower)) {
			e := e
			partial = &e
		}
	}
	if partial == nil {
		return nil, ErrEntityNotFound
	}
	return partial, nil
}

func (r *MemoryRepository) get(workspaceID, entityID string) (*Entity, error) {
	e, ok := r.entities[entityID]
	if !ok || e.WorkspaceID != workspaceID {
		return nil, ErrEntityNotFound
	}
	return e, nil
}

func (r *MemoryRepository) UpdateStatus(ctx context.Context, workspaceID, entityID, status string) (*Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.get(workspaceID, entityID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	e.Status = status
	e.UpdatedAt = now
	if e.Closed() {
		e.ClosedAt = &now
	} else {
		e.ClosedAt = nil
	}
	out := cloneEntity(*e)
	return &out, nil
}

func (r *MemoryRepository) AddNote(ctx context.Context, workspaceID, entityID string, note Note) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.get(workspaceID, entityID)
	if err != nil {
		return err
	}
	if note.At.IsZero() {
		note.At = r.now()
	}
	e.Notes = append(e.Notes, note)
	e.UpdatedAt = note.At
	return nil
}

func (r *MemoryRepository) RecordContact(ctx context.Context, workspaceID, entityID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.get(workspaceID, entityID)
	if err != nil {
		return err
	}
	e.LastContactAt = &at
	if e.Status == StatusNew {
		e.Status = StatusContacted
	}
	e.UpdatedAt = at
	return nil
}

func cloneEntity(e Entity) Entity {
	e.Notes = append([]Note(nil), e.Notes...)
	if e.LastContactAt != nil {
		t := *e.LastContactAt
		e.LastContactAt = &t
	}
	if e.ClosedAt != nil {
		t := *e.ClosedAt
		e.ClosedAt = &t
	}
	return e
}

func daysBetween(from, to time.Time) int { return int(to.Sub(from).Hours() / 24) }
