package knowledge

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore keeps docs in the knowledge_docs table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

const docColumns = `id, short_id, scope, coalesce(workspace_id,''), title, body, tags, coalesce(source_url,''), status, confidence, simhash, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, d *Doc) error {
	return s.db.QueryRowContext(ctx, `
        INSERT INTO knowledge_docs (short_id, scope, workspace_id, title, body, tags, source_url, status, confidence, simhash)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        RETURNING id, created_at, updated_at
    `,
		d.ShortID, string(d.Scope), nullIfEmpty(d.WorkspaceID), d.Title, d.Body, pq.Array(ensureSlice(d.Tags)),
		nullIfEmpty(d.SourceURL), string(d.Status), d.Confidence, int64(d.Simhash),
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
}

func (s *PostgresStore) Update(ctx context.Context, d *Doc) error {
	err := s.db.QueryRowContext(ctx, `
        UPDATE knowledge_docs
        SET title=$1, body=$2, tags=$3, source_url=$4, status=$5, confidence=$6, simhash=$7, updated_at=now()
        WHERE id=$8
        RETURNING updated_at
    `, d.Title, d.Body, pq.Array(ensureSlice(d.Tags)), nullIfEmpty(d.SourceURL), string(d.Status), d.Confidence, int64(d.Simhash), d.ID,
	).Scan(&d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *PostgresStore) GetByShortID(ctx context.Context, shortID string) (*Doc, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+docColumns+` FROM knowledge_docs WHERE short_id=$1`, shortID)
	return scanDoc(row)
}

func (s *PostgresStore) ListVisible(ctx context.Context, workspaceID string) ([]*Doc, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+docColumns+` FROM knowledge_docs
        WHERE scope='global' OR (scope='workspace' AND workspace_id=$1)
        ORDER BY updated_at DESC
    `, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*Doc, 0)
	for rows.Next() {
		d, err := scanDoc(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDoc(scanner interface{ Scan(dest ...any) error }) (*Doc, error) {
	var d Doc
	var scope, status string
	var tags []string
	var sim int64
	if err := scanner.Scan(&d.ID, &d.ShortID, &scope, &d.WorkspaceID, &d.Title, &d.Body, pq.Array(&tags), &d.SourceURL, &status, &d.Confidence, &sim, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d.Scope = Scope(scope)
	d.Status = Status(status)
	d.Tags = append([]string(nil), tags...)
	d.Simhash = uint64(sim)
	return &d, nil
}

func ensureSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
