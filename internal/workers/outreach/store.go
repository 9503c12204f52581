// Package outreach manages follow-up sequences for CRM entities: who is
// enrolled in which sequence, on which channels, and how sends perform.
package outreach

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"
)

var (
	ErrAlreadyEnrolled  = errors.New("entity already enrolled in sequence")
	ErrSequenceNotFound = errors.New("sequence not found")
	ErrSequenceInactive = errors.New("sequence is not active")
)

// Enrollment statuses.
const (
	EnrollmentActive    = "active"
	EnrollmentPaused    = "paused"
	EnrollmentCompleted = "completed"
	EnrollmentCancelled = "cancelled"
	EnrollmentFailed    = "failed"
)

type Sequence struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Trigger     string `json:"trigger"`
	Active      bool   `json:"active"`
}

type Template struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name"`
	Channel     string `json:"channel"`
	Category    string `json:"category"`
	System      bool   `json:"system"`
}

type Enrollment struct {
	ID              string     `json:"id"`
	WorkspaceID     string     `json:"workspaceId"`
	EntityID        string     `json:"entityId"`
	SequenceID      string     `json:"sequenceId"`
	Status          string     `json:"status"`
	CurrentStep     int        `json:"currentStep"`
	NextExecutionAt *time.Time `json:"nextExecutionAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

type ChannelConfig struct {
	Channel    string `json:"channel"`
	Enabled    bool   `json:"enabled"`
	DailyLimit int    `json:"dailyLimit,omitempty"`
}

type ChannelMetrics struct {
	Sent, Delivered, Opened, Replied, Failed int
}

// Metrics aggregates sends of a workspace.
type Metrics struct {
	ChannelMetrics
	ByChannel map[string]ChannelMetrics
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

func (m ChannelMetrics) DeliveryRate() float64 { return ratio(m.Delivered, m.Sent) }
func (m ChannelMetrics) OpenRate() float64     { return ratio(m.Opened, m.Delivered) }
func (m ChannelMetrics) ReplyRate() float64    { return ratio(m.Replied, m.Delivered) }

// Store persists sequences and enrollments per workspace.
type Store interface {
	Sequences(ctx context.Context, workspaceID string) ([]Sequence, error)
	Templates(ctx context.Context, workspaceID, channel string) ([]Template, error)
	Enrollments(ctx context.Context, workspaceID, entityID string) ([]Enrollment, error)
	Enroll(ctx context.Context, workspaceID, entityID, sequenceID string) (Enrollment, error)
	// SetStatus moves the entity's enrollments in one of from to to and
	// returns how many moved.
	SetStatus(ctx context.Context, workspaceID, entityID string, from []string, to string) (int, error)
	Channels(ctx context.Context, workspaceID string) ([]ChannelConfig, error)
	SetChannel(ctx context.Context, workspaceID, channel string, enabled bool) error
	Metrics(ctx context.Context, workspaceID string) (Metrics, error)
}

// MemoryStore is a threadsafe Store for tests and local mode.
type MemoryStore struct {
	mu          sync.RWMutex
	sequences   []Sequence
	templates   []Template
	enrollments []*Enrollment
	channels    map[string]map[string]ChannelConfig
	metrics     map[string]map[string]ChannelMetrics
	seq         int
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels: make(map[string]map[string]ChannelConfig),
		metrics:  make(map[string]map[string]ChannelMetrics),
		now:      time.Now,
	}
}

func (s *MemoryStore) AddSequence(seq Sequence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences = append(s.sequences, seq)
}

func (s *MemoryStore) AddTemplate(t Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates = append(s.templates, t)
}

// AddSends folds channel counters into the workspace metrics.
func (s *MemoryStore) AddSends(workspaceID, channel string, m ChannelMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics[workspaceID] == nil {
		s.metrics[workspaceID] = make(map[string]ChannelMetrics)
	}
	cur := s.metrics[workspaceID][channel]
	cur.Sent += m.Sent
	cur.Delivered += m.Delivered
	cur.Opened += m.Opened
	cur.Replied += m.Replied
	cur.Failed += m.Failed
	s.metrics[workspaceID][channel] = cur
}

func (s *MemoryStore) Sequences(ctx context.Context, workspaceID string) ([]Sequence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Sequence
	for _, seq := range s.sequences {
		if seq.WorkspaceID == workspaceID {
			out = append(out, seq)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) Templates(ctx context.Context, workspaceID, channel string) ([]Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Template
	for _, t := range s.templates {
		if t.WorkspaceID != workspaceID && !t.System {
			continue
		}
		if channel != "" && t.Channel != channel {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) Enrollments(ctx context.Context, workspaceID, entityID string) ([]Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Enrollment
	for _, e := range s.enrollments {
		if e.WorkspaceID == workspaceID && e.EntityID == entityID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *MemoryStore) Enroll(ctx context.Context, workspaceID, entityID, sequenceID string) (Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var seq *Sequence
	for i := range s.sequences {
		if s.sequences[i].ID == sequenceID && s.sequences[i].WorkspaceID == workspaceID {
			seq = &s.sequences[i]
		}
	}
	if seq == nil {
		return Enrollment{}, ErrSequenceNotFound
	}
	if !seq.Active {
		return Enrollment{}, ErrSequenceInactive
	}
	for _, e := range s.enrollments {
		if e.WorkspaceID == workspaceID && e.EntityID == entityID && e.SequenceID == sequenceID &&
			(e.Status == EnrollmentActive || e.Status == EnrollmentPaused) {
			return Enrollment{}, ErrAlreadyEnrolled
		}
	}
	s.seq++
	now := s.now()
	next := now.Add(24 * time.Hour)
	e := &Enrollment{
		ID:              "enr-" + strconv.Itoa(s.seq),
		WorkspaceID:     workspaceID,
		EntityID:        entityID,
		SequenceID:      sequenceID,
		Status:          EnrollmentActive,
		NextExecutionAt: &next,
		CreatedAt:       now,
	}
	s.enrollments = append(s.enrollments, e)
	return *e, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, workspaceID, entityID string, from []string, to string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.enrollments {
		if e.WorkspaceID != workspaceID || e.EntityID != entityID {
			continue
		}
		for _, f := range from {
			if e.Status == f {
				e.Status = to
				if to != EnrollmentActive {
					e.NextExecutionAt = nil
				}
				n++
				break
			}
		}
	}
	return n, nil
}

func (s *MemoryStore) Channels(ctx context.Context, workspaceID string) ([]ChannelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ChannelConfig
	for _, c := range s.channels[workspaceID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

func (s *MemoryStore) SetChannel(ctx context.Context, workspaceID, channel string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels[workspaceID] == nil {
		s.channels[workspaceID] = make(map[string]ChannelConfig)
	}
	c := s.channels[workspaceID][channel]
	c.Channel = channel
	c.Enabled = enabled
	s.channels[workspaceID][channel] = c
	return nil
}

func (s *MemoryStore) Metrics(ctx context.Context, workspaceID string) (Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := Metrics{ByChannel: make(map[string]ChannelMetrics)}
	for ch, cm := range s.metrics[workspaceID] {
		m.ByChannel[ch] = cm
		m.Sent += cm.Sent
		m.Delivered += cm.Delivered
		m.Opened += cm.Opened
		m.Replied += cm.Replied
		m.Failed += cm.Failed
	}
	return m, nil
}
