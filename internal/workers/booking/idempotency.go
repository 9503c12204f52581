package booking

import (
	"context"
	"sync"
	"time"

	"github.com/spediresicuro/anne/internal/agent"
)

// IdempotencyStore guards the courier call. Reserve returns the stored
// result of a completed attempt, ErrDuplicateInFlight while another
// attempt holds the key, or nil when the caller now owns the key.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (*agent.BookingResult, error)
	Complete(ctx context.Context, key string, result agent.BookingResult, ttl time.Duration) error
	Release(ctx context.Context, key string) error
	PurgeExpired(ctx context.Context) (int, error)
}

type idemRecord struct {
	done    bool
	result  agent.BookingResult
	expires time.Time
}

// MemoryIdempotencyStore keeps keys in process.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]idemRecord
	now     func() time.Time
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{records: make(map[string]idemRecord), now: time.Now}
}

func (s *MemoryIdempotencyStore) Reserve(ctx context.Context, key string, ttl time.Duration) (*agent.BookingResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if r, ok := s.records[key]; ok && now.Before(r.expires) {
		if !r.done {
			return nil, ErrDuplicateInFlight
		}
		res := r.result
		return &res, nil
	}
	s.records[key] = idemRecord{expires: now.Add(ttl)}
	return nil, nil
}

func (s *MemoryIdempotencyStore) Complete(ctx context.Context, key string, result agent.BookingResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = idemRecord{done: true, result: result, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryIdempotencyStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[key]; ok && !r.done {
		delete(s.records, key)
	}
	return nil
}

func (s *MemoryIdempotencyStore) PurgeExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, r := range s.records {
		if !now.Before(r.expires) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}
