// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package avp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/carabiner-dev/avp/internal/audit"
	"github.com/carabiner-dev/avp/secrets"
)

// operation tracks one audited vault call.
type operation struct {
	v       *Vault
	action  audit.Action
	ws      string
	name    string
	caller  string
	start   time.Time
	version uint64
}

func (v *Vault) begin(ctx context.Context, action audit.Action, ws, name string) *operation {
	return &operation{
		v:      v,
		action: action,
		ws:     ws,
		name:   name,
		caller: v.caller(ctx),
		start:  v.now(),
	}
}

// wrap adds the operation context to err.
func (o *operation) wrap(err error) error {
	if err == nil {
		return nil
	}
	return &secrets.Error{
		Op:        string(o.action),
		Workspace: o.ws,
		Name:      o.name,
		Backend:   o.v.backend.Kind(),
		Err:       err,
	}
}

// record appends the audit entry of the operation. Cancelling the caller's
// context does not stop the entry from being written.
func (o *operation) record(ctx context.Context, result audit.Result) error {
	err := o.v.audit.Record(context.WithoutCancel(ctx), audit.Entry{
		WorkspaceID: o.ws,
		SecretName:  o.name,
		Action:      o.action,
		Result:      result,
		Caller:      o.caller,
		Version:     o.version,
	})
	o.v.metrics.Observe(string(o.action), string(result), o.v.backend.Kind().String(), o.v.now().Sub(o.start))
	if err != nil {
		clog.FromContext(ctx).Errorf("audit log refused %s %s/%s: %v", o.action, o.ws, o.name, err)
		return fmt.Errorf("%w: audit log: %w", secrets.ErrBackendUnavailable, err)
	}
	return nil
}

// fail audits a failed operation and returns err with its context.
func (o *operation) fail(ctx context.Context, err error) error {
	result := audit.ResultError
	if errors.Is(err, secrets.ErrAccessDenied) {
		result = audit.ResultDenied
	}
	if aerr := o.record(ctx, result); aerr != nil {
		err = errors.Join(err, aerr)
	}
	return o.wrap(err)
}

// succeed audits a successful operation. An error means the entry could not
// be written and the operation's effects must be undone.
func (o *operation) succeed(ctx context.Context) error {
	return o.wrap(o.record(ctx, audit.ResultOK))
}

// undo puts the envelope of ref back to prior, or removes it when there was
// none. It runs after an unauditable mutation.
func (v *Vault) undo(ctx context.Context, ref secrets.Ref, prior *secrets.Envelope) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if prior == nil {
		err = v.backend.Delete(ctx, ref)
	} else {
		err = v.backend.Restore(ctx, prior)
	}
	if err != nil {
		clog.FromContext(ctx).Errorf("could not undo unaudited change to %s: %v", ref, err)
	}
}

// forget drops a workspace created by an operation that did not complete,
// unless a concurrent store has put a secret in it meanwhile. It takes the
// workspace lock exclusively, so callers must not hold it.
func (v *Vault) forget(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	defer v.locks.lock(workspaceKey(id))()

	if envs, err := v.backend.List(ctx, id); err != nil || len(envs) > 0 {
		return
	}
	if err := v.workspaces.Forget(ctx, id); err != nil {
		clog.FromContext(ctx).Errorf("could not drop workspace %s: %v", id, err)
	}
}

// lookup returns the envelope stored under ref, or nil when there is none.
func (v *Vault) lookup(ctx context.Context, ref secrets.Ref) (*secrets.Envelope, error) {
	env, err := retry(ctx, v, func(ctx context.Context) (*secrets.Envelope, error) {
		return v.backend.Lookup(ctx, ref)
	})
	if errors.Is(err, secrets.ErrNotFound) {
		return nil, nil
	}
	return env, err
}
