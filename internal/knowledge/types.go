// Package knowledge is the documentation store behind the mentor worker:
// short articles about the platform, scoped globally or to one workspace,
// deduplicated on write and ranked by term overlap on read.
package knowledge

import "time"

type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopeWorkspace Scope = "workspace"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Doc is one knowledge article.
type Doc struct {
	ID          string    `json:"id" yaml:"-"`
	ShortID     string    `json:"short_id" yaml:"-"`
	Scope       Scope     `json:"scope" yaml:"scope"`
	WorkspaceID string    `json:"workspace_id,omitempty" yaml:"workspace_id,omitempty"`
	Title       string    `json:"title" yaml:"title"`
	Body        string    `json:"body" yaml:"body"`
	Tags        []string  `json:"tags" yaml:"tags"`
	SourceURL   string    `json:"source_url,omitempty" yaml:"source_url,omitempty"`
	Status      Status    `json:"status" yaml:"-"`
	Confidence  int       `json:"confidence" yaml:"-"`
	Simhash     uint64    `json:"simhash" yaml:"-"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

// Reference is how a doc is cited in an answer.
func (d Doc) Reference() string {
	if d.SourceURL != "" {
		return d.Title + " (" + d.SourceURL + ")"
	}
	return d.Title + " [kb:" + d.ShortID + "]"
}

// Draft is the input of Upsert.
type Draft struct {
	Scope       Scope
	WorkspaceID string
	Title       string
	Body        string
	Tags        []string
	SourceURL   string
}

// Ranked is a search hit.
type Ranked struct {
	Doc   Doc
	Score float64
}
