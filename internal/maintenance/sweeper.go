// Package maintenance runs periodic cleanup of expired state.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/spediresicuro/anne/internal/session"
)

// DefaultSchedule runs a sweep every five minutes.
const DefaultSchedule = "*/5 * * * *"

const lockKey = "maintenance:sweep"

// standard 5-field expressions (minute, hour, dom, month, dow)
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Task purges one kind of expired state and reports how much it removed.
type Task struct {
	Name  string
	Purge func(ctx context.Context) (int, error)
}

// Report is the outcome of one sweep.
type Report struct {
	Purged map[string]int
	Errors map[string]error
}

// Sweeper runs its tasks on a cron schedule. Instances sharing a locker
// take turns; when the locker is down each instance sweeps on its own.
type Sweeper struct {
	schedule cron.Schedule
	tasks    []Task
	locker   session.Locker
	lockTTL  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New parses expr; an empty expression means DefaultSchedule.
func New(expr string, locker session.Locker, tasks ...Task) (*Sweeper, error) {
	if expr == "" {
		expr = DefaultSchedule
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse maintenance schedule %q: %w", expr, err)
	}
	if locker == nil {
		locker = session.NewMemoryLocker()
	}
	return &Sweeper{schedule: sched, tasks: tasks, locker: locker, lockTTL: time.Minute}, nil
}

// Add registers another task. Call before Start.
func (s *Sweeper) Add(t Task) {
	s.tasks = append(s.tasks, t)
}

// Next returns the first run after from.
func (s *Sweeper) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Sweep runs every task once. A failing task does not stop the others.
// It returns session.ErrLockHeld when another instance holds the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	report := Report{Purged: map[string]int{}, Errors: map[string]error{}}
	err := session.WithLock(ctx, s.locker, lockKey, s.lockTTL, session.FailOpen, func(ctx context.Context) error {
		for _, t := range s.tasks {
			n, err := t.Purge(ctx)
			if err != nil {
				report.Errors[t.Name] = err
				log.Warn().Err(err).Str("task", t.Name).Msg("maintenance task failed")
				continue
			}
			report.Purged[t.Name] = n
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	total := 0
	for _, n := range report.Purged {
		total += n
	}
	if total > 0 {
		ev := log.Info().Int("total", total)
		for name, n := range report.Purged {
			ev = ev.Int(name, n)
		}
		ev.Msg("maintenance sweep")
	}
	return report, nil
}

// Start runs sweeps on schedule until Stop or ctx ends.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		timer := time.NewTimer(time.Until(s.schedule.Next(time.Now())))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Debug().Err(err).Msg("maintenance sweep skipped")
			}
		}
	}
}

// Stop ends the loop and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
