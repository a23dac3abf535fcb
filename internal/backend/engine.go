// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package backend implements the secrets.Backend contract once on top of a
// Ledger and a variant specific Sealer. The file, keychain and hardware
// packages only provide the sealing.
package backend

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/carabiner-dev/avp/secrets"
)

// Sealer encrypts and decrypts secret values for a backend variant.
type Sealer interface {
	Seal(ctx context.Context, ref secrets.Ref, version uint64, plaintext []byte) (ciphertext, nonce []byte, err error)
	Open(ctx context.Context, env *secrets.Envelope) ([]byte, error)
	Close() error
}

// Releaser is implemented by sealers holding per-secret resources that must
// be freed when a secret is deleted.
type Releaser interface {
	Release(ctx context.Context, ref secrets.Ref) error
}

// Claimer is implemented by sealers that must reacquire per-secret
// resources when an envelope is restored.
type Claimer interface {
	Claim(ctx context.Context, ref secrets.Ref) error
}

// AdditionalData binds a ciphertext to the secret it belongs to and its
// version, so envelopes cannot be swapped between names.
func AdditionalData(ref secrets.Ref, version uint64) []byte {
	return fmt.Appendf(nil, "%s#%d", ref.ID(), version)
}

var _ secrets.Backend = &Engine{}

// Engine is the common secrets.Backend implementation.
type Engine struct {
	kind   secrets.BackendKind
	ledger *Ledger
	sealer Sealer
	now    func() time.Time
}

// NewEngine assembles a backend of kind that keeps its envelopes in storage
// and seals them with sealer.
func NewEngine(kind secrets.BackendKind, storage secrets.Storage, sealer Sealer) *Engine {
	return &Engine{
		kind:   kind,
		ledger: NewLedger(kind, storage),
		sealer: sealer,
		now:    time.Now,
	}
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) Kind() secrets.BackendKind { return e.kind }

// Sealer returns the variant sealer.
func (e *Engine) Sealer() Sealer { return e.sealer }

func (e *Engine) Store(ctx context.Context, ref secrets.Ref, plaintext []byte, labels map[string]string) (*secrets.Envelope, error) {
	prior, err := e.ledger.Load(ctx, ref)
	if err != nil && !errors.Is(err, secrets.ErrNotFound) {
		return nil, err
	}
	return e.seal(ctx, ref, prior, plaintext, labels)
}

func (e *Engine) Rotate(ctx context.Context, ref secrets.Ref, plaintext []byte) (*secrets.Envelope, error) {
	prior, err := e.ledger.Load(ctx, ref)
	if err != nil {
		return nil, err
	}
	return e.seal(ctx, ref, prior, plaintext, prior.Labels)
}

func (e *Engine) seal(ctx context.Context, ref secrets.Ref, prior *secrets.Envelope, plaintext []byte, labels map[string]string) (*secrets.Envelope, error) {
	if err := secrets.ValidateLabels(labels); err != nil {
		return nil, err
	}
	now := e.now().UTC()
	env := &secrets.Envelope{
		Workspace: ref.Workspace,
		Name:      ref.Name,
		Backend:   e.kind,
		CreatedAt: now,
		Version:   1,
	}
	if len(labels) > 0 {
		env.Labels = maps.Clone(labels)
	}
	if prior != nil {
		env.CreatedAt = prior.CreatedAt
		env.RotatedAt = &now
		env.Version = prior.Version + 1
	}

	ct, nonce, err := e.sealer.Seal(ctx, ref, env.Version, plaintext)
	if err != nil {
		return nil, err
	}
	env.Ciphertext = ct
	env.Nonce = nonce

	if err := e.ledger.Save(ctx, env); err != nil {
		return nil, err
	}
	clog.FromContext(ctx).Debugf("sealed %s version %d", ref, env.Version)
	return env, nil
}

func (e *Engine) Retrieve(ctx context.Context, ref secrets.Ref) ([]byte, error) {
	env, err := e.ledger.Load(ctx, ref)
	if err != nil {
		return nil, err
	}
	return e.sealer.Open(ctx, env)
}

func (e *Engine) Delete(ctx context.Context, ref secrets.Ref) error {
	if err := e.ledger.Remove(ctx, ref); err != nil {
		return err
	}
	if r, ok := e.sealer.(Releaser); ok {
		if err := r.Release(ctx, ref); err != nil {
			clog.FromContext(ctx).Warnf("releasing resources of %s: %v", ref, err)
		}
	}
	return nil
}

func (e *Engine) Lookup(ctx context.Context, ref secrets.Ref) (*secrets.Envelope, error) {
	return e.ledger.Load(ctx, ref)
}

func (e *Engine) List(ctx context.Context, workspace string) ([]*secrets.Envelope, error) {
	refs, err := e.ledger.Refs(ctx, workspace)
	if err != nil {
		return nil, err
	}

	envs := make([]*secrets.Envelope, 0, len(refs))
	for _, ref := range refs {
		env, err := e.ledger.Load(ctx, ref)
		if err != nil {
			clog.FromContext(ctx).Warnf("skipping unreadable envelope %s: %v", ref, err)
			continue
		}
		env.Ciphertext = nil
		env.Nonce = nil
		envs = append(envs, env)
	}
	return envs, nil
}

func (e *Engine) Restore(ctx context.Context, env *secrets.Envelope) error {
	if env.Backend != e.kind {
		return fmt.Errorf("%w: cannot restore a %s envelope", secrets.ErrInvalidArgument, env.Backend)
	}
	if err := e.ledger.Restore(ctx, env); err != nil {
		return err
	}
	if c, ok := e.sealer.(Claimer); ok {
		return c.Claim(ctx, env.Ref())
	}
	return nil
}

// Close releases the sealer. It is a no-op on a nil engine.
func (e *Engine) Close() error {
	if e == nil || e.sealer == nil {
		return nil
	}
	return e.sealer.Close()
}
