package knowledge

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultMinScore requires one title term or two body terms.
const DefaultMinScore = 2.0

// maxHamming is the simhash distance under which a write updates an
// existing doc instead of adding one.
const maxHamming = 10

type Service struct {
	store    Store
	minScore float64
	now      func() time.Time
}

func NewService(store Store, minScore float64) *Service {
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	return &Service{store: store, minScore: minScore, now: time.Now}
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Upsert adds a doc, or updates the near duplicate in the same scope.
// action is "added" or "updated".
func (s *Service) Upsert(ctx context.Context, d Draft) (doc Doc, action string, err error) {
	if d.Scope == "" {
		d.Scope = ScopeGlobal
	}
	if d.Scope == ScopeWorkspace && d.WorkspaceID == "" {
		return Doc{}, "", fmt.Errorf("workspace doc %q without workspace id", d.Title)
	}
	title := normalizeText(d.Title)
	body := normalizeText(d.Body)
	if title == "" || body == "" {
		return Doc{}, "", fmt.Errorf("knowledge doc needs a title and a body")
	}
	sim := Simhash64(title + " | " + body)

	items, err := s.store.ListVisible(ctx, d.WorkspaceID)
	if err != nil {
		return Doc{}, "", err
	}
	var best *Doc
	bestHam := 65
	for _, it := range items {
		if it.Scope != d.Scope || it.WorkspaceID != d.WorkspaceID {
			continue
		}
		if h := Hamming(sim, it.Simhash); h < bestHam {
			best, bestHam = it, h
		}
	}

	if best != nil && bestHam <= maxHamming {
		best.Title = title
		best.Body = body
		best.Tags = mergeTags(best.Tags, d.Tags)
		if d.SourceURL != "" {
			best.SourceURL = d.SourceURL
		}
		best.Status = StatusActive
		best.Confidence++
		best.Simhash = sim
		if err := s.store.Update(ctx, best); err != nil {
			return Doc{}, "", err
		}
		return *best, "updated", nil
	}

	doc = Doc{
		ShortID:     ShortIDFrom(title, body, s.now().UTC().Format(time.RFC3339Nano)),
		Scope:       d.Scope,
		WorkspaceID: d.WorkspaceID,
		Title:       title,
		Body:        body,
		Tags:        mergeTags(nil, d.Tags),
		SourceURL:   d.SourceURL,
		Status:      StatusActive,
		Confidence:  1,
		Simhash:     sim,
	}
	if err := s.store.Create(ctx, &doc); err != nil {
		return Doc{}, "", err
	}
	return doc, "added", nil
}

func mergeTags(have, add []string) []string {
	seen := make(map[string]bool, len(have))
	out := append([]string(nil), have...)
	for _, t := range have {
		seen[strings.ToLower(t)] = true
	}
	for _, t := range add {
		t = strings.TrimSpace(t)
		if t == "" || seen[strings.ToLower(t)] {
			continue
		}
		seen[strings.ToLower(t)] = true
		out = append(out, t)
	}
	return out
}

// Archive hides a doc from search.
func (s *Service) Archive(ctx context.Context, shortID string) error {
	d, err := s.store.GetByShortID(ctx, shortID)
	if err != nil {
		return err
	}
	d.Status = StatusArchived
	return s.store.Update(ctx, d)
}

// Search ranks the docs visible to workspaceID against query. Docs whose
// term overlap stays under the minimum score are not returned, so an
// empty result means "nothing relevant".
func (s *Service) Search(ctx context.Context, workspaceID, query string, limit int) ([]Ranked, error) {
	q := unique(Terms(query))
	if len(q) == 0 {
		return nil, nil
	}
	items, err := s.store.ListVisible(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var arr []Ranked
	for _, it := range items {
		if it.Status != StatusActive {
			continue
		}
		title := set(Terms(it.Title))
		body := set(Terms(it.Body + " " + strings.Join(it.Tags, " ")))
		base := 0.0
		for _, t := range q {
			switch {
			case title[t]:
				base += 2
			case body[t]:
				base++
			}
		}
		if base < s.minScore {
			continue
		}
		score := base
		if it.Scope == ScopeWorkspace {
			score += 1.0
		}
		score += min(float64(it.Confidence)*0.2, 1.0)
		if now.Sub(it.UpdatedAt) < 30*24*time.Hour {
			score += 0.5
		}
		arr = append(arr, Ranked{Doc: *it, Score: score})
	}
	sort.SliceStable(arr, func(i, j int) bool {
		if arr[i].Score != arr[j].Score {
			return arr[i].Score > arr[j].Score
		}
		return arr[i].Doc.Title < arr[j].Doc.Title
	})
	if limit > 0 && limit < len(arr) {
		arr = arr[:limit]
	}
	return arr, nil
}

func unique(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := terms[:0]
	for _, t := range terms {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func set(terms []string) map[string]bool {
	m := make(map[string]bool, len(terms))
	for _, t := range terms {
		m[t] = true
	}
	return m
}

type docsFile struct {
	Docs []Doc `yaml:"docs"`
}

// ParseDocs decodes a YAML document of the form `docs: [{title, body, tags}]`.
func ParseDocs(data []byte) ([]Draft, error) {
	var f docsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("knowledge docs unmarshal: %w", err)
	}
	out := make([]Draft, 0, len(f.Docs))
	for _, d := range f.Docs {
		out = append(out, Draft{
			Scope: d.Scope, WorkspaceID: d.WorkspaceID, Title: d.Title,
			Body: d.Body, Tags: d.Tags, SourceURL: d.SourceURL,
		})
	}
	return out, nil
}

// Seed upserts the embedded docs and, when path is set, the docs of that
// file.
func (s *Service) Seed(ctx context.Context, path string) (int, error) {
	drafts, err := ParseDocs(embeddedDocs)
	if err != nil {
		return 0, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("read knowledge docs: %w", err)
		}
		extra, err := ParseDocs(data)
		if err != nil {
			return 0, err
		}
		drafts = append(drafts, extra...)
	}
	for _, d := range drafts {
		if _, _, err := s.Upsert(ctx, d); err != nil {
			return 0, fmt.Errorf("seed %q: %w", d.Title, err)
		}
	}
	return len(drafts), nil
}
