// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/carabiner-dev/avp/secrets"
)

// Manager drives the workspace state machine and authorizes callers.
type Manager struct {
	mu     sync.Mutex
	store  Store
	authz  *Authorizer
	grants map[string][]string
	now    func() time.Time
}

// NewManager returns a manager persisting to store. grants maps caller ids
// to the workspaces they are granted when those workspaces are created.
func NewManager(store Store, authz *Authorizer, grants map[string][]string) *Manager {
	byWorkspace := map[string][]string{}
	for caller, ids := range grants {
		for _, id := range ids {
			byWorkspace[id] = append(byWorkspace[id], caller)
		}
	}
	return &Manager{
		store:  store,
		authz:  authz,
		grants: byWorkspace,
		now:    time.Now,
	}
}

// SetClock replaces the manager's time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// configured reports whether the configuration grants caller access to id.
func (m *Manager) configured(caller, id string) bool {
	return slices.Contains(m.grants[id], caller)
}

// Create provisions a workspace. It is idempotent: creating an active
// workspace again returns it unchanged with created set to false. A deleted
// id can never be reused.
func (m *Manager) Create(ctx context.Context, id, owner string) (ws *Workspace, created bool, err error) {
	if !secrets.ValidWorkspaceID(id) {
		return nil, false, fmt.Errorf("%w: invalid workspace id %q", secrets.ErrInvalidArgument, id)
	}
	if owner == "" {
		return nil, false, fmt.Errorf("%w: workspace %q needs an owner", secrets.ErrInvalidArgument, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ws, err = m.store.Get(ctx, id)
	switch {
	case err == nil:
		if ws.State == StateDeleted {
			return nil, false, fmt.Errorf("%w: workspace %q was deleted", secrets.ErrAccessDenied, id)
		}
		return ws, false, nil
	case !errors.Is(err, secrets.ErrNotFound):
		return nil, false, err
	}

	grants := append([]string{owner}, m.grants[id]...)
	slices.Sort(grants)
	ws = &Workspace{
		ID:        id,
		Owner:     owner,
		State:     StateActive,
		Grants:    slices.Compact(grants),
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.Put(ctx, ws); err != nil {
		return nil, false, err
	}
	clog.FromContext(ctx).Infof("created workspace %s owned by %s", id, owner)
	return ws, true, nil
}

// CreateFor creates workspace id owned by caller. Ids the configuration
// grants only to other callers are refused.
func (m *Manager) CreateFor(ctx context.Context, caller, id string) (*Workspace, bool, error) {
	if caller == "" {
		return nil, false, fmt.Errorf("%w: no caller identity", secrets.ErrAccessDenied)
	}
	if len(m.grants[id]) > 0 && !m.configured(caller, id) {
		return nil, false, fmt.Errorf("%w: workspace %q is reserved", secrets.ErrAccessDenied, id)
	}
	return m.Create(ctx, id, caller)
}

// Get returns a workspace in any state.
func (m *Manager) Get(ctx context.Context, id string) (*Workspace, error) {
	return m.store.Get(ctx, id)
}

// Authorize checks that caller may perform action in workspace id.
//
// Unknown workspaces are denied, except that a store by a caller the
// configuration grants the id creates the workspace with that caller as
// owner. created reports that case so the creation can be undone. Other
// actions by such a caller on a workspace that does not exist yet return
// secrets.ErrNotFound.
func (m *Manager) Authorize(ctx context.Context, caller, id string, action Action) (ws *Workspace, created bool, err error) {
	if caller == "" {
		return nil, false, fmt.Errorf("%w: no caller identity", secrets.ErrAccessDenied)
	}

	ws, err = m.store.Get(ctx, id)
	if errors.Is(err, secrets.ErrNotFound) {
		if !m.configured(caller, id) {
			return nil, false, fmt.Errorf("%w: %s has no grant on workspace %q", secrets.ErrAccessDenied, caller, id)
		}
		if action != ActionStore {
			return nil, false, err
		}
		ws, created, err = m.Create(ctx, id, caller)
	}
	if err != nil {
		return nil, false, err
	}

	if !m.authz.Allowed(ctx, caller, action, ws) {
		clog.FromContext(ctx).Warnf("denied %s on workspace %s to %s", action, id, caller)
		return ws, created, fmt.Errorf("%w: %s may not %s in workspace %q", secrets.ErrAccessDenied, caller, action, id)
	}
	return ws, created, nil
}

// Delete moves a workspace to the terminal deleted state. Only its owner may
// delete it.
func (m *Manager) Delete(ctx context.Context, caller, id string) (*Workspace, error) {
	ws, _, err := m.Authorize(ctx, caller, id, ActionDeleteWorkspace)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	ws.State = StateDeleted
	ws.DeletedAt = &now
	if err := m.store.Put(ctx, ws); err != nil {
		return nil, err
	}
	clog.FromContext(ctx).Infof("deleted workspace %s", id)
	return ws, nil
}

// Forget drops a workspace record entirely. It exists to undo a creation
// whose triggering operation failed; deleted workspaces stay recorded.
func (m *Manager) Forget(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if ws.State == StateDeleted {
		return fmt.Errorf("%w: workspace %q is deleted", secrets.ErrAccessDenied, id)
	}
	return m.store.Remove(ctx, id)
}

// List returns all workspaces, including deleted ones.
func (m *Manager) List(ctx context.Context) ([]*Workspace, error) {
	return m.store.List(ctx)
}
