// Package session caches conversation state between messages and
// serializes concurrent passes on the same session.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/spediresicuro/anne/internal/agent"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrLockHeld        = errors.New("session lock held by another pass")
	ErrLockUnavailable = errors.New("session lock backend unavailable")
)

// DefaultTTL is how long an idle session is kept.
const DefaultTTL = 30 * time.Minute

// Store persists agent state per session key. Get returns ErrNotFound for
// a missing or expired entry.
type Store interface {
	Get(ctx context.Context, key string) (agent.State, error)
	Set(ctx context.Context, key string, s agent.State, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	PurgeExpired(ctx context.Context) (int, error)
}

// Key scopes a session to the user who owns it, so a leaked session id
// cannot read another user's conversation.
func Key(userID, sessionID string) string {
	return userID + ":" + sessionID
}

type entry struct {
	state   agent.State
	expires time.Time
}

// MemoryStore keeps sessions in process.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]entry), now: time.Now}
}

// NewMemoryStoreWithClock is used by tests that move time.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{entries: make(map[string]entry), now: now}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (agent.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return agent.State{}, ErrNotFound
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, key)
		return agent.State{}, ErrNotFound
	}
	return e.state.Clone(), nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, s agent.State, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s = s.Clone()
	s.Image = nil
	s.Version++
	s.UpdatedAt = m.now()
	m.entries[key] = entry{state: s, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) PurgeExpired(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}
