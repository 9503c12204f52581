package knowledge

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	Create(ctx context.Context, d *Doc) error
	Update(ctx context.Context, d *Doc) error
	GetByShortID(ctx context.Context, shortID string) (*Doc, error)
	// ListVisible returns global docs plus those of workspaceID.
	ListVisible(ctx context.Context, workspaceID string) ([]*Doc, error)
}

// InMemoryStore is a threadsafe store for tests and local mode.
type InMemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]*Doc
	byShortID map[string]string
	seq       int
	now       func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:      make(map[string]*Doc),
		byShortID: make(map[string]string),
		now:       time.Now,
	}
}

func (s *InMemoryStore) Create(ctx context.Context, d *Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if d.ID == "" {
		d.ID = ShortIDFrom("doc", d.ShortID, d.Title) + "-" + strconv.Itoa(s.seq)
	}
	d.CreatedAt = s.now()
	d.UpdatedAt = d.CreatedAt
	s.byID[d.ID] = cloneDoc(d)
	s.byShortID[d.ShortID] = d.ID
	return nil
}

func (s *InMemoryStore) Update(ctx context.Context, d *Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.byID[d.ID]
	if !ok {
		return ErrNotFound
	}
	d.CreatedAt = old.CreatedAt
	d.UpdatedAt = s.now()
	s.byID[d.ID] = cloneDoc(d)
	s.byShortID[d.ShortID] = d.ID
	return nil
}

func (s *InMemoryStore) GetByShortID(ctx context.Context, shortID string) (*Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byShortID[shortID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDoc(s.byID[id]), nil
}

func (s *InMemoryStore) ListVisible(ctx context.Context, workspaceID string) ([]*Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Doc, 0, len(s.byID))
	for _, d := range s.byID {
		if d.Scope == ScopeWorkspace && d.WorkspaceID != workspaceID {
			continue
		}
		out = append(out, cloneDoc(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func cloneDoc(d *Doc) *Doc {
	if d == nil {
		return nil
	}
	cp := *d
	if d.Tags != nil {
		cp.Tags = append([]string(nil), d.Tags...)
	}
	return &cp
}
