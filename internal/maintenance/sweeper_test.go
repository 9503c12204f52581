package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spediresicuro/anne/internal/agent"
	"github.com/spediresicuro/anne/internal/session"
)

type brokenLocker struct{}

func (brokenLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (session.Lease, error) {
	return nil, session.ErrLockUnavailable
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New("every five minutes", nil)
	assert.Error(t, err)

	s, err := New("", nil)
	require.NoError(t, err)
	from := time.Date(2026, 3, 1, 10, 2, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), s.Next(from))
}

func TestSweepPurgesSessions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := session.NewMemoryStoreWithClock(func() time.Time { return now })
	require.NoError(t, store.Set(ctx, "u1:s1", agent.State{}, time.Minute))
	require.NoError(t, store.Set(ctx, "u2:s1", agent.State{}, time.Hour))
	now = now.Add(10 * time.Minute)

	s, err := New("", session.NewMemoryLocker(), Task{Name: "sessions", Purge: store.PurgeExpired})
	require.NoError(t, err)

	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Purged["sessions"])
	assert.Empty(t, report.Errors)
}

func TestSweepContinuesAfterTaskError(t *testing.T) {
	boom := errors.New("db down")
	s, err := New("", session.NewMemoryLocker(),
		Task{Name: "broken", Purge: func(ctx context.Context) (int, error) { return 0, boom }},
		Task{Name: "ok", Purge: func(ctx context.Context) (int, error) { return 3, nil }},
	)
	require.NoError(t, err)

	report, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, report.Errors["broken"], boom)
	assert.Equal(t, 3, report.Purged["ok"])
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	locker := session.NewMemoryLocker()
	lease, err := locker.Acquire(ctx, lockKey, time.Minute)
	require.NoError(t, err)
	defer lease.Release(ctx)

	ran := false
	s, err := New("", locker, Task{Name: "t", Purge: func(ctx context.Context) (int, error) { ran = true; return 0, nil }})
	require.NoError(t, err)

	_, err = s.Sweep(ctx)
	assert.ErrorIs(t, err, session.ErrLockHeld)
	assert.False(t, ran)
}

func TestSweepRunsWithoutLockBackend(t *testing.T) {
	ran := false
	s, err := New("", brokenLocker{}, Task{Name: "t", Purge: func(ctx context.Context) (int, error) { ran = true; return 1, nil }})
	require.NoError(t, err)

	report, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, report.Purged["t"])
}

func TestStartStop(t *testing.T) {
	s, err := New("", nil)
	require.NoError(t, err)
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
