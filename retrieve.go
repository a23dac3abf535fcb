// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package avp

import (
	"context"

	"github.com/carabiner-dev/avp/internal/audit"
	"github.com/carabiner-dev/avp/internal/common"
	"github.com/carabiner-dev/avp/internal/workspace"
	"github.com/carabiner-dev/avp/secrets"
)

// Retrieve opens the secret name of workspace ws. The returned Secret must
// be released by the caller.
//
// On the hardware backend the call blocks until presence is confirmed on the
// device, the presence timeout expires (secrets.ErrPresenceRequired) or ctx
// is done (secrets.ErrCancelled).
func (v *Vault) Retrieve(ctx context.Context, ws, name string) (*Secret, error) {
	o := v.begin(ctx, audit.ActionRetrieve, ws, name)
	ref, err := secrets.NewRef(ws, name)
	if err != nil {
		return nil, o.wrap(err)
	}

	defer v.locks.rlock(workspaceKey(ws))()

	if _, _, err := v.workspaces.Authorize(ctx, o.caller, ws, workspace.ActionRetrieve); err != nil {
		return nil, o.fail(ctx, err)
	}

	defer v.locks.rlock(secretKey(ref))()

	plaintext, err := retry(ctx, v, func(ctx context.Context) ([]byte, error) {
		return v.backend.Retrieve(ctx, ref)
	})
	if err != nil {
		return nil, o.fail(ctx, err)
	}

	if err := o.succeed(ctx); err != nil {
		common.ZeroBytes(plaintext)
		return nil, err
	}
	return newSecret(ref, plaintext), nil
}
