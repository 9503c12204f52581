package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out exclusive leases. Acquire returns ErrLockHeld when
// another holder owns key and ErrLockUnavailable when the backend fails.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Mode decides what WithLock does when the lock backend is down.
type Mode int

const (
	// FailOpen runs the function without the lock.
	FailOpen Mode = iota
	// FailClosed refuses to run.
	FailClosed
)

// DefaultLockTTL bounds how long a crashed holder blocks a session.
const DefaultLockTTL = 15 * time.Second

// WithLock runs fn while holding key. A held lock is always an error;
// an unavailable backend is an error only in FailClosed mode.
func WithLock(ctx context.Context, locker Locker, key string, ttl time.Duration, mode Mode, fn func(ctx context.Context) error) error {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	var lease Lease
	if locker != nil {
		l, err := locker.Acquire(ctx, key, ttl)
		switch {
		case err == nil:
			lease = l
		case errors.Is(err, ErrLockHeld):
			return err
		case mode == FailOpen:
			log.Warn().Err(err).Str("lock", key).Msg("lock backend unavailable, continuing without lock")
		default:
			return err
		}
	} else if mode == FailClosed {
		return ErrLockUnavailable
	}

	if lease != nil {
		defer func() {
			// Release with a fresh context so a cancelled request still frees the key.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lease.Release(rctx); err != nil {
				log.Warn().Err(err).Str("lock", key).Msg("failed to release lock")
			}
		}()
	}
	return fn(ctx)
}

func newOwner() string { return uuid.NewString() }

type memLock struct {
	owner   string
	expires time.Time
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memLock
	now   func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memLock), now: time.Now}
}

func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if l, ok := m.locks[key]; ok && now.Before(l.expires) {
		return nil, ErrLockHeld
	}
	owner := newOwner()
	m.locks[key] = memLock{owner: owner, expires: now.Add(ttl)}
	return &memLease{m: m, key: key, owner: owner}, nil
}

type memLease struct {
	m     *MemoryLocker
	key   string
	owner string
}

func (l *memLease) Release(ctx context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if cur, ok := l.m.locks[l.key]; ok && cur.owner == l.owner {
		delete(l.m.locks, l.key)
	}
	return nil
}
