// Package acting resolves who is asking (actor) and on whose behalf the
// request runs (target). Business mutations use the target, audit records
// the actor.
package acting

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Common resolution errors
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrAccessDenied = errors.New("access denied to this workspace")
)

// Role is the platform role of a user.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleReseller   Role = "reseller"
	RoleSuperAdmin Role = "superadmin"
)

// Workspace member roles allowed to delegate.
const (
	MemberOwner  = "owner"
	MemberAdmin  = "admin"
	MemberOp     = "operator"
	MemberViewer = "viewer"
)

// User is an identity as seen by the orchestrator.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	Role        Role   `json:"role"`
	AccountType string `json:"accountType,omitempty"`
}

// IsSuperAdmin reports whether the user may impersonate and cross tenants.
func (u User) IsSuperAdmin() bool {
	return u.Role == RoleSuperAdmin || u.AccountType == string(RoleSuperAdmin)
}

// IsAdminOrAbove covers admins and superadmins.
func (u User) IsAdminOrAbove() bool {
	return u.IsSuperAdmin() || u.Role == RoleAdmin || u.AccountType == string(RoleAdmin)
}

// IsReseller reports reseller accounts.
func (u User) IsReseller() bool {
	return u.Role == RoleReseller || u.AccountType == string(RoleReseller)
}

// Workspace is the tenant scope of a request.
type Workspace struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	MemberRole string `json:"memberRole,omitempty"`
}

// Context is the resolved identity pair for one message. It is built once
// and never mutated; derive new values with ForDelegation.
type Context struct {
	Actor           User        `json:"actor"`
	Target          User        `json:"target"`
	IsImpersonating bool        `json:"isImpersonating"`
	Workspace       *Workspace  `json:"workspace,omitempty"`
	Delegation      *Delegation `json:"delegation,omitempty"`
}

// AuditActorID is the identity written to audit entries.
func (c Context) AuditActorID() string { return c.Actor.ID }

// BusinessUserID is the identity whose data is read and written.
func (c Context) BusinessUserID() string { return c.Target.ID }

// WorkspaceID returns the effective workspace scope, delegated or not.
func (c Context) WorkspaceID() string {
	if c.Delegation != nil {
		return c.Delegation.WorkspaceID
	}
	if c.Workspace != nil {
		return c.Workspace.ID
	}
	return ""
}

// ForDelegation returns a copy whose workspace scope is the sub-client's.
// Actor and target identities are unchanged.
func (c Context) ForDelegation(d Delegation) Context {
	out := c
	dd := d
	out.Delegation = &dd
	out.Workspace = &Workspace{ID: d.WorkspaceID, Name: d.WorkspaceName}
	return out
}

// WithoutDelegation returns a copy scoped back to the reseller workspace.
func (c Context) WithoutDelegation() Context {
	out := c
	if c.Delegation != nil && c.Delegation.ResellerWorkspaceID != "" {
		out.Workspace = &Workspace{ID: c.Delegation.ResellerWorkspaceID}
	}
	out.Delegation = nil
	return out
}

// Session is the authenticated caller, as decoded from the bearer token.
type Session struct {
	UserID      string
	Email       string
	Name        string
	Role        Role
	AccountType string
}

// Membership is a user's membership in a workspace.
type Membership struct {
	WorkspaceID   string
	WorkspaceName string
	UserID        string
	Role          string
	Active        bool
}

// MembershipSource answers membership lookups. A nil membership with a nil
// error means the user is not a member.
type MembershipSource interface {
	Membership(ctx context.Context, workspaceID, userID string) (*Membership, error)
	Workspace(ctx context.Context, workspaceID string) (*Workspace, error)
}

// UserDirectory loads users by id.
type UserDirectory interface {
	User(ctx context.Context, id string) (*User, error)
}

// ResolveOptions are the optional request headers.
type ResolveOptions struct {
	WorkspaceID       string
	ImpersonateUserID string
}

// Resolver builds a Context from a session.
type Resolver struct {
	memberships MembershipSource
	users       UserDirectory
}

// NewResolver creates a Resolver.
func NewResolver(memberships MembershipSource, users UserDirectory) *Resolver {
	return &Resolver{memberships: memberships, users: users}
}

var uuidRe = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// Resolve produces the acting context. A missing session is ErrUnauthorized.
// An invalid impersonation request falls back to actor == target; a
// workspace the caller cannot access is ErrAccessDenied.
func (r *Resolver) Resolve(ctx context.Context, s *Session, opts ResolveOptions) (Context, error) {
	if s == nil || strings.TrimSpace(s.UserID) == "" || strings.TrimSpace(s.Email) == "" {
		return Context{}, ErrUnauthorized
	}

	actor := User{ID: s.UserID, Email: s.Email, Name: s.Name, Role: s.Role, AccountType: s.AccountType}
	if actor.Name == "" {
		actor.Name = actor.Email
	}
	out := Context{Actor: actor, Target: actor}

	if opts.ImpersonateUserID != "" && opts.ImpersonateUserID != actor.ID {
		if target, ok := r.impersonationTarget(ctx, actor, opts.ImpersonateUserID); ok {
			out.Target = target
			out.IsImpersonating = true
		}
	}

	if opts.WorkspaceID != "" {
		ws, err := r.workspace(ctx, actor, opts.WorkspaceID)
		if err != nil {
			return Context{}, err
		}
		out.Workspace = ws
	}

	return out, nil
}

func (r *Resolver) impersonationTarget(ctx context.Context, actor User, targetID string) (User, bool) {
	if !actor.IsSuperAdmin() || !uuidRe.MatchString(targetID) || r.users == nil {
		return User{}, false
	}
	target, err := r.users.User(ctx, targetID)
	if err != nil || target == nil || target.Email == "" || target.Name == "" {
		return User{}, false
	}
	return *target, true
}

func (r *Resolver) workspace(ctx context.Context, actor User, workspaceID string) (*Workspace, error) {
	if r.memberships == nil {
		return nil, ErrAccessDenied
	}

	if actor.IsSuperAdmin() {
		ws, err := r.memberships.Workspace(ctx, workspaceID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAccessDenied, err)
		}
		if ws == nil {
			return nil, ErrAccessDenied
		}
		return ws, nil
	}

	m, err := r.memberships.Membership(ctx, workspaceID, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	if m == nil || !m.Active {
		return nil, ErrAccessDenied
	}
	return &Workspace{ID: m.WorkspaceID, Name: m.WorkspaceName, MemberRole: m.Role}, nil
}
