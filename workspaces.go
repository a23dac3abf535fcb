// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package avp

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/carabiner-dev/avp/internal/audit"
	"github.com/carabiner-dev/avp/internal/workspace"
	"github.com/carabiner-dev/avp/secrets"
)

// List returns the metadata of the secrets in workspace ws, sorted by name.
func (v *Vault) List(ctx context.Context, ws string) ([]secrets.Metadata, error) {
	wrap := func(err error) error {
		return &secrets.Error{Op: "list", Workspace: ws, Backend: v.backend.Kind(), Err: err}
	}
	if !secrets.ValidWorkspaceID(ws) {
		return nil, wrap(fmt.Errorf("%w: invalid workspace id %q", secrets.ErrInvalidArgument, ws))
	}

	defer v.locks.rlock(workspaceKey(ws))()

	_, _, err := v.workspaces.Authorize(ctx, v.caller(ctx), ws, workspace.ActionList)
	switch {
	case errors.Is(err, secrets.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, wrap(err)
	}

	envs, err := retry(ctx, v, func(ctx context.Context) ([]*secrets.Envelope, error) {
		return v.backend.List(ctx, ws)
	})
	if err != nil {
		return nil, wrap(err)
	}
	out := make([]secrets.Metadata, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.Metadata())
	}
	return out, nil
}

// CreateWorkspace provisions workspace id owned by the caller. Creating an
// existing workspace returns it unchanged. Ids the configuration grants to
// other callers cannot be claimed.
func (v *Vault) CreateWorkspace(ctx context.Context, id string) (*workspace.Workspace, error) {
	caller := v.caller(ctx)
	defer v.locks.lock(workspaceKey(id))()

	ws, _, err := v.workspaces.CreateFor(ctx, caller, id)
	if err != nil {
		return nil, &secrets.Error{Op: "create-workspace", Workspace: id, Err: err}
	}
	return ws, nil
}

// DeleteWorkspace deletes every secret of workspace id and then the
// workspace itself. Only the owner may delete a workspace and its id cannot
// be used again.
func (v *Vault) DeleteWorkspace(ctx context.Context, id string) error {
	wrap := func(err error) error {
		return &secrets.Error{Op: "delete-workspace", Workspace: id, Backend: v.backend.Kind(), Err: err}
	}
	caller := v.caller(ctx)

	defer v.locks.lock(workspaceKey(id))()

	if _, _, err := v.workspaces.Authorize(ctx, caller, id, workspace.ActionDeleteWorkspace); err != nil {
		return wrap(err)
	}
	if err := v.purge(ctx, id); err != nil {
		return err
	}
	if _, err := v.workspaces.Delete(ctx, caller, id); err != nil {
		return wrap(err)
	}
	return nil
}

// Workspaces returns every known workspace, including deleted ones.
func (v *Vault) Workspaces(ctx context.Context) ([]*workspace.Workspace, error) {
	return v.workspaces.List(ctx)
}

// Audit returns the audit entries of workspace ws recorded at or after
// since, oldest first. An empty ws selects every workspace. The sequence is
// read lazily and can be ranged over more than once.
func (v *Vault) Audit(ctx context.Context, ws string, since time.Time) iter.Seq2[audit.Entry, error] {
	return v.audit.Query(ctx, ws, since)
}
