// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package avp

import (
	"context"
	"errors"
	"fmt"

	"github.com/carabiner-dev/avp/internal/audit"
	"github.com/carabiner-dev/avp/internal/workspace"
	"github.com/carabiner-dev/avp/secrets"
)

// Delete removes a secret. Deleting a secret that does not exist succeeds,
// but is audited as an error.
func (v *Vault) Delete(ctx context.Context, ws, name string) error {
	o := v.begin(ctx, audit.ActionDelete, ws, name)
	ref, err := secrets.NewRef(ws, name)
	if err != nil {
		return o.wrap(err)
	}

	defer v.locks.rlock(workspaceKey(ws))()

	_, _, err = v.workspaces.Authorize(ctx, o.caller, ws, workspace.ActionDelete)
	switch {
	case errors.Is(err, secrets.ErrNotFound):
		// Granted but not created yet, so there is nothing to delete.
		return o.absent(ctx)
	case err != nil:
		return o.fail(ctx, err)
	}

	defer v.locks.lock(secretKey(ref))()

	prior, err := v.lookup(ctx, ref)
	if err != nil {
		return o.fail(ctx, err)
	}
	if prior == nil {
		return o.absent(ctx)
	}

	if err := retryErr(ctx, v, func(ctx context.Context) error {
		return v.backend.Delete(ctx, ref)
	}); err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return o.absent(ctx)
		}
		return o.fail(ctx, err)
	}

	o.version = prior.Version
	if err := o.succeed(ctx); err != nil {
		v.undo(ctx, ref, prior)
		return err
	}
	return nil
}

// absent audits the deletion of a missing secret. Only a failure to write
// the entry is returned.
func (o *operation) absent(ctx context.Context) error {
	return o.wrap(o.record(ctx, audit.ResultError))
}

// purge deletes every secret of a workspace ahead of its deletion. Callers
// hold the workspace lock exclusively.
func (v *Vault) purge(ctx context.Context, ws string) error {
	envs, err := v.backend.List(ctx, ws)
	if err != nil {
		return fmt.Errorf("listing secrets: %w", err)
	}
	for _, meta := range envs {
		o := v.begin(ctx, audit.ActionDelete, ws, meta.Name)
		ref := meta.Ref()

		prior, err := v.backend.Lookup(ctx, ref)
		if err != nil {
			return o.fail(ctx, err)
		}
		if err := retryErr(ctx, v, func(ctx context.Context) error {
			return v.backend.Delete(ctx, ref)
		}); err != nil {
			return o.fail(ctx, err)
		}
		o.version = prior.Version
		if err := o.succeed(ctx); err != nil {
			v.undo(ctx, ref, prior)
			return err
		}
	}
	return nil
}
