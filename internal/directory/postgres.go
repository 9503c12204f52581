package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/spediresicuro/anne/internal/acting"
)

// Postgres reads the platform tables:
//
//	users(id, email, name, role, account_type)
//	workspaces(id, name, parent_workspace_id)
//	workspace_members(workspace_id, user_id, role, status)
//	channel_links(channel, external_id, user_id, workspace_id)
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (p *Postgres) Membership(ctx context.Context, workspaceID, userID string) (*acting.Membership, error) {
	var m acting.Membership
	var status string
	err := p.db.QueryRowContext(ctx, `
        SELECT wm.workspace_id, w.name, wm.user_id, wm.role, wm.status
        FROM workspace_members wm JOIN workspaces w ON w.id = wm.workspace_id
        WHERE wm.workspace_id = $1 AND wm.user_id = $2
    `, workspaceID, userID).Scan(&m.WorkspaceID, &m.WorkspaceName, &m.UserID, &m.Role, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load membership: %w", err)
	}
	m.Active = status == "active"
	return &m, nil
}

func (p *Postgres) Workspace(ctx context.Context, workspaceID string) (*acting.Workspace, error) {
	var ws acting.Workspace
	err := p.db.QueryRowContext(ctx, `SELECT id, name FROM workspaces WHERE id = $1`, workspaceID).Scan(&ws.ID, &ws.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load workspace: %w", err)
	}
	return &ws, nil
}

func (p *Postgres) User(ctx context.Context, id string) (*acting.User, error) {
	var u acting.User
	var role string
	err := p.db.QueryRowContext(ctx, `
        SELECT id, email, coalesce(name,''), coalesce(role,'user'), coalesce(account_type,'')
        FROM users WHERE id = $1
    `, id).Scan(&u.ID, &u.Email, &u.Name, &role, &u.AccountType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	u.Role = acting.Role(role)
	return &u, nil
}

func (p *Postgres) SubClients(ctx context.Context, resellerWorkspaceID string) ([]acting.Candidate, error) {
	rows, err := p.db.QueryContext(ctx, `
        SELECT u.id, coalesce(u.name,''), w.id, w.name
        FROM workspaces w
        JOIN workspace_members wm ON wm.workspace_id = w.id AND wm.role = 'owner' AND wm.status = 'active'
        JOIN users u ON u.id = wm.user_id
        WHERE w.parent_workspace_id = $1
        ORDER BY w.name
    `, resellerWorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("list sub-clients: %w", err)
	}
	defer rows.Close()

	var out []acting.Candidate
	for rows.Next() {
		var c acting.Candidate
		if err := rows.Scan(&c.UserID, &c.UserName, &c.WorkspaceID, &c.WorkspaceName); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) Linked(ctx context.Context, channel, externalID string) (*Link, error) {
	var userID, workspaceID string
	err := p.db.QueryRowContext(ctx, `
        SELECT user_id, coalesce(workspace_id,'') FROM channel_links
        WHERE channel = $1 AND external_id = $2
    `, channel, externalID).Scan(&userID, &workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load channel link: %w", err)
	}
	u, err := p.User(ctx, userID)
	if err != nil || u == nil {
		return nil, err
	}
	return &Link{User: *u, WorkspaceID: workspaceID}, nil
}
