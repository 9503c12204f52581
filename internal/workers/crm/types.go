// Package crm answers pipeline questions on leads (platform admins) and
// prospects (resellers), and runs the few pipeline writes Anne may do.
package crm

import (
	"context"
	"errors"
	"time"
)

var ErrEntityNotFound = errors.New("crm entity not found")

// Pipeline statuses.
const (
	StatusNew         = "new"
	StatusContacted   = "contacted"
	StatusQualified   = "qualified"
	StatusNegotiating = "negotiating"
	StatusQuoteSent   = "quote_sent"
	StatusWon         = "won"
	StatusLost        = "lost"
)

// Entity is a lead or a prospect.
type Entity struct {
	ID             string     `json:"id"`
	WorkspaceID    string     `json:"workspaceId"`
	CompanyName    string     `json:"companyName"`
	ContactName    string     `json:"contactName,omitempty"`
	Email          string     `json:"email,omitempty"`
	Phone          string     `json:"phone,omitempty"`
	Status         string     `json:"status"`
	Score          int        `json:"score"`
	Sector         string     `json:"sector,omitempty"`
	EstimatedValue float64    `json:"estimatedValue,omitempty"`
	LastContactAt  *time.Time `json:"lastContactAt,omitempty"`
	Notes          []Note     `json:"notes,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	ClosedAt       *time.Time `json:"closedAt,omitempty"`
}

// Closed reports won or lost entities.
func (e Entity) Closed() bool { return e.Status == StatusWon || e.Status == StatusLost }

type Note struct {
	Text     string    `json:"text"`
	AuthorID string    `json:"authorId"`
	At       time.Time `json:"at"`
}

// Summary counts the pipeline.
type Summary struct {
	Total         int
	ByStatus      map[string]int
	AvgScore      int
	PipelineValue float64
}

// Trend of conversions month over month.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

type Metrics struct {
	Rate                float64
	WonThisMonth        int
	LostThisMonth       int
	Trend               Trend
	AvgDaysToConversion int
	TotalActive         int
	PipelineValue       float64
}

// Alert levels.
const (
	LevelCritical = "critical"
	LevelWarning  = "warning"
	LevelInfo     = "info"
)

type Alert struct {
	Level      string
	Type       string
	EntityID   string
	EntityName string
	Message    string
}

// Urgency of a suggested action.
const (
	UrgencyImmediate = "immediate"
	UrgencyToday     = "today"
	UrgencyThisWeek  = "this_week"
)

type Action struct {
	EntityID   string
	EntityName string
	Action     string
	Reasoning  string
	Urgency    string
}

// Filter narrows a search.
type Filter struct {
	Query  string
	Status string
	Sector string
}

// Repository reads and writes one workspace's pipeline. An empty
// workspace means the platform-wide lead pipeline.
type Repository interface {
	Summary(ctx context.Context, workspaceID string) (Summary, error)
	Metrics(ctx context.Context, workspaceID string) (Metrics, error)
	HealthAlerts(ctx context.Context, workspaceID string) ([]Alert, error)
	TodayActions(ctx context.Context, workspaceID string) ([]Action, error)
	Hot(ctx context.Context, workspaceID string, limit int) ([]Entity, error)
	Search(ctx context.Context, workspaceID string, f Filter) ([]Entity, error)
	FindByName(ctx context.Context, workspaceID, name string) (*Entity, error)

	UpdateStatus(ctx context.Context, workspaceID, entityID, status string) (*Entity, error)
	AddNote(ctx context.Context, workspaceID, entityID string, note Note) error
	RecordContact(ctx context.Context, workspaceID, entityID string, at time.Time) error
}

// TimelineEvent is one entry of an entity's history.
type TimelineEvent struct {
	EntityID    string
	WorkspaceID string
	ActorID     string
	Type        string
	Data        map[string]string
}

// Timeline records entity history.
type Timeline interface {
	Record(ctx context.Context, ev TimelineEvent) error
}
