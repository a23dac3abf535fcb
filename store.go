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

type storeOptions struct {
	overwrite bool
	labels    map[string]string
}

// StoreOption modifies a Store call.
type StoreOption func(*storeOptions)

// Overwrite lets Store replace an existing secret. The replacement gets the
// next version number.
func Overwrite() StoreOption {
	return func(o *storeOptions) { o.overwrite = true }
}

// WithLabels attaches descriptive labels to the stored secret. Labels are
// kept in the clear next to the ciphertext and survive rotation; an
// overwrite replaces them.
func WithLabels(labels map[string]string) StoreOption {
	return func(o *storeOptions) { o.labels = labels }
}

// Store seals plaintext under name in workspace ws. Storing over an
// existing secret fails with secrets.ErrAlreadyExists unless Overwrite is
// passed. A caller the configuration grants ws creates the workspace on its
// first store.
//
// The plaintext slice is not retained or modified.
func (v *Vault) Store(ctx context.Context, ws, name string, plaintext []byte, fns ...StoreOption) error {
	opts := &storeOptions{}
	for _, fn := range fns {
		fn(opts)
	}

	o := v.begin(ctx, audit.ActionStore, ws, name)
	ref, err := secrets.NewRef(ws, name)
	if err != nil {
		return o.wrap(err)
	}
	if err := secrets.ValidateLabels(opts.labels); err != nil {
		return o.wrap(err)
	}

	unlockWorkspace := v.locks.rlock(workspaceKey(ws))
	_, created, err := v.workspaces.Authorize(ctx, o.caller, ws, workspace.ActionStore)
	if err != nil {
		unlockWorkspace()
		return o.fail(ctx, err)
	}

	unlockSecret := v.locks.lock(secretKey(ref))
	err = v.store(ctx, o, ref, plaintext, opts)
	unlockSecret()
	unlockWorkspace()

	// A failed store leaves no envelope behind, so a workspace it created
	// is empty unless a concurrent store filled it.
	if err != nil && created {
		v.forget(ctx, ws)
	}
	return err
}

// store seals and audits a secret. Callers hold the secret lock. On error
// the backend is left as it was found.
func (v *Vault) store(ctx context.Context, o *operation, ref secrets.Ref, plaintext []byte, opts *storeOptions) error {
	prior, err := v.lookup(ctx, ref)
	if err == nil && prior != nil && !opts.overwrite {
		err = fmt.Errorf("%w: secret %s", secrets.ErrAlreadyExists, ref)
	}
	if err != nil {
		return o.fail(ctx, err)
	}

	env, err := retry(ctx, v, func(ctx context.Context) (*secrets.Envelope, error) {
		return v.backend.Store(ctx, ref, plaintext, opts.labels)
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
