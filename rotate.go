// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package avp

import (
	"context"
	"fmt"

	"github.com/carabiner-dev/avp/internal/audit"
	"github.com/carabiner-dev/avp/internal/workspace"
	"github.com/carabiner-dev/avp/secrets"
)

// Rotate replaces the value of an existing secret and bumps its version.
// The previous ciphertext is discarded and cannot be recovered.
func (v *Vault) Rotate(ctx context.Context, ws, name string, plaintext []byte) error {
	o := v.begin(ctx, audit.ActionRotate, ws, name)
	ref, err := secrets.NewRef(ws, name)
	if err != nil {
		return o.wrap(err)
	}

	defer v.locks.rlock(workspaceKey(ws))()

	if _, _, err := v.workspaces.Authorize(ctx, o.caller, ws, workspace.ActionRotate); err != nil {
		return o.fail(ctx, err)
	}

	defer v.locks.lock(secretKey(ref))()

	prior, err := v.lookup(ctx, ref)
	if err == nil && prior == nil {
		err = fmt.Errorf("%w: secret %s", secrets.ErrNotFound, ref)
	}
	if err != nil {
		return o.fail(ctx, err)
	}

	env, err := retry(ctx, v, func(ctx context.Context) (*secrets.Envelope, error) {
		return v.backend.Rotate(ctx, ref, plaintext)
	})
	if err != nil {
		return o.fail(ctx, err)
	}

	o.version = env.Version
	if err := o.succeed(ctx); err != nil {
		v.undo(ctx, ref, prior)
		return err
	}
	return nil
}
