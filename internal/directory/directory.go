// Package directory answers identity lookups: users, workspace
// memberships, reseller sub-clients and the phone or chat linked to an
// account.
package directory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/spediresicuro/anne/internal/acting"
)

// Link is the account a channel identity belongs to.
type Link struct {
	User        acting.User
	WorkspaceID string
}

// Directory is everything the resolver, the delegator and the webhooks
// look up.
type Directory interface {
	acting.MembershipSource
	acting.UserDirectory
	acting.SubClientSource
	Linked(ctx context.Context, channel, externalID string) (*Link, error)
}

// Seed is the YAML layout of a directory file.
type Seed struct {
	Users []struct {
		ID          string `yaml:"id"`
		Email       string `yaml:"email"`
		Name        string `yaml:"name"`
		Role        string `yaml:"role"`
		AccountType string `yaml:"account_type"`
	} `yaml:"users"`
	Workspaces []struct {
		ID       string `yaml:"id"`
		Name     string `yaml:"name"`
		ParentID string `yaml:"parent_id"`
	} `yaml:"workspaces"`
	Members []struct {
		WorkspaceID string `yaml:"workspace_id"`
		UserID      string `yaml:"user_id"`
		Role        string `yaml:"role"`
		Active      *bool  `yaml:"active"`
	} `yaml:"members"`
	Links []struct {
		Channel     string `yaml:"channel"`
		ExternalID  string `yaml:"external_id"`
		UserID      string `yaml:"user_id"`
		WorkspaceID string `yaml:"workspace_id"`
	} `yaml:"links"`
}

type workspace struct {
	acting.Workspace
	parentID string
}

// Memory is an in-process directory, used for local runs and tests.
type Memory struct {
	mu         sync.RWMutex
	users      map[string]acting.User
	workspaces map[string]workspace
	members    map[string]acting.Membership
	links      map[string]Link
}

func NewMemory() *Memory {
	return &Memory{
		users:      map[string]acting.User{},
		workspaces: map[string]workspace{},
		members:    map[string]acting.Membership{},
		links:      map[string]Link{},
	}
}

// LoadFile reads a YAML seed.
func LoadFile(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Memory directory from YAML.
func Parse(data []byte) (*Memory, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse directory: %w", err)
	}
	m := NewMemory()
	for _, u := range seed.Users {
		if u.ID == "" {
			return nil, fmt.Errorf("directory user without id")
		}
		m.AddUser(acting.User{ID: u.ID, Email: u.Email, Name: u.Name, Role: acting.Role(u.Role), AccountType: u.AccountType})
	}
	for _, w := range seed.Workspaces {
		m.AddWorkspace(acting.Workspace{ID: w.ID, Name: w.Name}, w.ParentID)
	}
	for _, mb := range seed.Members {
		active := mb.Active == nil || *mb.Active
		if err := m.AddMember(mb.WorkspaceID, mb.UserID, mb.Role, active); err != nil {
			return nil, err
		}
	}
	for _, l := range seed.Links {
		if err := m.Link(l.Channel, l.ExternalID, l.UserID, l.WorkspaceID); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Memory) AddUser(u acting.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// AddWorkspace registers a workspace; parentID names the reseller
// workspace of a sub-client.
func (m *Memory) AddWorkspace(ws acting.Workspace, parentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workspaces[ws.ID] = workspace{Workspace: ws, parentID: parentID}
}

func (m *Memory) AddMember(workspaceID, userID, role string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return fmt.Errorf("unknown workspace %q", workspaceID)
	}
	m.members[workspaceID+"/"+userID] = acting.Membership{
		WorkspaceID:   workspaceID,
		WorkspaceName: ws.Name,
		UserID:        userID,
		Role:          role,
		Active:        active,
	}
	return nil
}

// Link binds a phone or chat id to a user.
func (m *Memory) Link(channel, externalID, userID, workspaceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("unknown user %q", userID)
	}
	m.links[channel+"/"+externalID] = Link{User: u, WorkspaceID: workspaceID}
	return nil
}

func (m *Memory) Membership(_ context.Context, workspaceID, userID string) (*acting.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mb, ok := m.members[workspaceID+"/"+userID]
	if !ok {
		return nil, nil
	}
	return &mb, nil
}

func (m *Memory) Workspace(_ context.Context, workspaceID string) (*acting.Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return nil, nil
	}
	out := ws.Workspace
	return &out, nil
}

func (m *Memory) User(_ context.Context, id string) (*acting.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// SubClients lists the owners of the workspaces under reseller, sorted by
// workspace name. Workspaces without an active owner are left out.
func (m *Memory) SubClients(_ context.Context, resellerWorkspaceID string) ([]acting.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []acting.Candidate
	for _, ws := range m.workspaces {
		if ws.parentID != resellerWorkspaceID || resellerWorkspaceID == "" {
			continue
		}
		c := acting.Candidate{WorkspaceID: ws.ID, WorkspaceName: ws.Name}
		for _, mb := range m.members {
			if mb.WorkspaceID == ws.ID && mb.Role == acting.MemberOwner && mb.Active {
				c.UserID = mb.UserID
				c.UserName = m.users[mb.UserID].Name
				break
			}
		}
		if c.UserID == "" {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkspaceName < out[j].WorkspaceName })
	return out, nil
}

func (m *Memory) Linked(_ context.Context, channel, externalID string) (*Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.links[channel+"/"+externalID]
	if !ok {
		return nil, nil
	}
	return &l, nil
}
