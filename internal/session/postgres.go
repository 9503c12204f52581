package session

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

// DB is the part of *pgxpool.Pool the postgres implementations use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps sessions in agent_sessions:
//
//	key text primary key, state jsonb, version int, expires_at timestamptz
type PostgresStore struct {
	db  DB
	now func() time.Time
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (p *PostgresStore) Get(ctx context.Context, key string) (agent.State, error) {
	var raw []byte
	err := p.db.QueryRow(ctx,
		`SELECT state FROM agent_sessions WHERE key = $1 AND expires_at > $2`,
		key, p.now()).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return agent.State{}, ErrNotFound
	}
	if err != nil {
		return agent.State{}, fmt.Errorf("load session: %w", err)
	}
	var s agent.State
	if err := json.Unmarshal(raw, &s); err != nil {
		return agent.State{}, fmt.Errorf("decode session: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) Set(ctx context.Context, key string, s agent.State, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := p.now()
	s.Version++
	s.UpdatedAt = now
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO agent_sessions (key, state, version, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET state = EXCLUDED.state, version = EXCLUDED.version, expires_at = EXCLUDED.expires_at
	`, key, raw, s.Version, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM agent_sessions WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (p *PostgresStore) PurgeExpired(ctx context.Context) (int, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM agent_sessions WHERE expires_at <= $1`, p.now())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PostgresLocker implements Locker on agent_locks:
//
//	key text primary key, owner text, expires_at timestamptz
type PostgresLocker struct {
	db  DB
	now func() time.Time
}

func NewPostgresLocker(db DB) *PostgresLocker {
	return &PostgresLocker{db: db, now: time.Now}
}

func (l *PostgresLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	owner := newOwner()
	now := l.now()
	tag, err := l.db.Exec(ctx, `
		INSERT INTO agent_locks (key, owner, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE agent_locks.expires_at <= $4
	`, key, owner, now.Add(ttl), now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrLockHeld
	}
	return &pgLease{db: l.db, key: key, owner: owner}, nil
}

type pgLease struct {
	db    DB
	key   string
	owner string
}

func (l *pgLease) Release(ctx context.Context) error {
	_, err := l.db.Exec(ctx, `DELETE FROM agent_locks WHERE key = $1 AND owner = $2`, l.key, l.owner)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// PurgeExpiredLocks drops leases whose holder never released them.
func (l *PostgresLocker) PurgeExpiredLocks(ctx context.Context) (int, error) {
	tag, err := l.db.Exec(ctx, `DELETE FROM agent_locks WHERE expires_at <= $1`, l.now())
	if err != nil {
		return 0, fmt.Errorf("purge locks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
