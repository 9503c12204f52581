package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// PostgresStore writes to the audit_events table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) Append(ctx context.Context, ev *Event) error {
	var meta []byte
	if len(ev.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(ev.Metadata); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO audit_events (id, at, actor_id, target_id, workspace_id, action, resource, trace_id, metadata)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    `, ev.ID, ev.At, ev.ActorID, ev.TargetID, nullIfEmpty(ev.WorkspaceID), ev.Action, nullIfEmpty(ev.Resource), nullIfEmpty(ev.TraceID), meta)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Event, error) {
	var where []string
	var args []any
	add := func(col, v string) {
		if v == "" {
			return
		}
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	add("actor_id", f.ActorID)
	add("workspace_id", f.WorkspaceID)
	add("action", f.Action)
	add("trace_id", f.TraceID)

	q := `SELECT id, at, actor_id, target_id, coalesce(workspace_id,''), action, coalesce(resource,''), coalesce(trace_id,''), metadata FROM audit_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY at DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Event, 0)
	for rows.Next() {
		var ev Event
		var meta []byte
		if err := rows.Scan(&ev.ID, &ev.At, &ev.ActorID, &ev.TargetID, &ev.WorkspaceID, &ev.Action, &ev.Resource, &ev.TraceID, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata %s: %w", ev.ID, err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListByActions returns the latest events whose action is in actions.
func (s *PostgresStore) ListByActions(ctx context.Context, actions []string, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, at, actor_id, target_id, coalesce(workspace_id,''), action, coalesce(resource,''), coalesce(trace_id,'')
        FROM audit_events WHERE action = ANY($1) ORDER BY at DESC LIMIT $2
    `, pq.Array(actions), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Event, 0)
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.At, &ev.ActorID, &ev.TargetID, &ev.WorkspaceID, &ev.Action, &ev.Resource, &ev.TraceID); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
