package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/spediresicuro/anne/internal/agent"
)

// DB is the part of *pgxpool.Pool the postgres stores use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresIdempotencyStore persists keys in booking_idempotency:
//
//	key text primary key, status text, result jsonb, expires_at timestamptz
type PostgresIdempotencyStore struct {
	db DB
}

func NewPostgresIdempotencyStore(db DB) *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{db: db}
}

func (s *PostgresIdempotencyStore) Reserve(ctx context.Context, key string, ttl time.Duration) (*agent.BookingResult, error) {
	now := time.Now()
	tag, err := s.db.Exec(ctx, `
		INSERT INTO booking_idempotency (key, status, expires_at)
		VALUES ($1, 'in_flight', $2)
		ON CONFLICT (key) DO UPDATE
		SET status = 'in_flight', result = NULL, expires_at = EXCLUDED.expires_at
		WHERE booking_idempotency.expires_at <= $3
	`, key, now.Add(ttl), now)
	if err != nil {
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil, nil
	}

	var status string
	var raw []byte
	err = s.db.QueryRow(ctx, `SELECT status, result FROM booking_idempotency WHERE key = $1`, key).Scan(&status, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		// Purged between the two statements; the caller retries.
		return nil, ErrDuplicateInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency key: %w", err)
	}
	if status != "done" || len(raw) == 0 {
		return nil, ErrDuplicateInFlight
	}
	var res agent.BookingResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode idempotency result: %w", err)
	}
	return &res, nil
}

func (s *PostgresIdempotencyStore) Complete(ctx context.Context, key string, result agent.BookingResult, ttl time.Duration) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode idempotency result: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		UPDATE booking_idempotency SET status = 'done', result = $2, expires_at = $3 WHERE key = $1
	`, key, raw, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

func (s *PostgresIdempotencyStore) Release(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM booking_idempotency WHERE key = $1 AND status = 'in_flight'`, key)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

func (s *PostgresIdempotencyStore) PurgeExpired(ctx context.Context) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM booking_idempotency WHERE expires_at <= $1`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
