// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/carabiner-dev/avp/secrets"
)

// Ledger persists envelopes on a secrets.Storage. It remembers the highest
// version it has seen for every secret so that a store handing back an older
// copy is detected as corrupt.
type Ledger struct {
	kind    secrets.BackendKind
	storage secrets.Storage

	mu    sync.Mutex
	marks map[string]uint64
}

// NewLedger returns a ledger for envelopes of kind kept in storage.
func NewLedger(kind secrets.BackendKind, storage secrets.Storage) *Ledger {
	return &Ledger{
		kind:    kind,
		storage: storage,
		marks:   map[string]uint64{},
	}
}

func (l *Ledger) mark(id string) *secrets.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.marks[id]
	if !ok {
		return nil
	}
	return &secrets.Envelope{Version: v}
}

func (l *Ledger) setMark(id string, version uint64, force bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if force || version > l.marks[id] {
		l.marks[id] = version
	}
}

// Load reads and validates the envelope stored under ref.
func (l *Ledger) Load(ctx context.Context, ref secrets.Ref) (*secrets.Envelope, error) {
	data, err := l.storage.Get(ctx, ref.ID())
	if err != nil {
		return nil, err
	}

	env, err := secrets.Deserialize(data, l.mark(ref.ID()))
	if err != nil {
		return nil, err
	}
	if env.Ref() != ref {
		return nil, fmt.Errorf("%w: envelope belongs to %s", secrets.ErrCorruptEnvelope, env.Ref())
	}
	if env.Backend != l.kind {
		return nil, fmt.Errorf("%w: envelope sealed by the %s backend", secrets.ErrCorruptEnvelope, env.Backend)
	}

	l.setMark(ref.ID(), env.Version, false)
	return env, nil
}

// Save persists a freshly sealed envelope.
func (l *Ledger) Save(ctx context.Context, env *secrets.Envelope) error {
	if prior := l.mark(env.Ref().ID()); prior != nil && env.Version <= prior.Version {
		return fmt.Errorf(
			"%w: refusing to write version %d over version %d", secrets.ErrCorruptEnvelope, env.Version, prior.Version,
		)
	}
	return l.write(ctx, env, false)
}

// Restore writes env back regardless of the versions seen since.
func (l *Ledger) Restore(ctx context.Context, env *secrets.Envelope) error {
	return l.write(ctx, env, true)
}

func (l *Ledger) write(ctx context.Context, env *secrets.Envelope, force bool) error {
	data, err := env.Serialize()
	if err != nil {
		return err
	}
	if err := l.storage.Store(ctx, env.Ref().ID(), data); err != nil {
		return err
	}
	l.setMark(env.Ref().ID(), env.Version, force)
	return nil
}

// Remove deletes the envelope stored under ref and forgets its version.
func (l *Ledger) Remove(ctx context.Context, ref secrets.Ref) error {
	if err := l.storage.Delete(ctx, ref.ID()); err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.marks, ref.ID())
	l.mu.Unlock()
	return nil
}

// Refs lists the secrets stored for a workspace.
func (l *Ledger) Refs(ctx context.Context, workspace string) ([]secrets.Ref, error) {
	ids, err := l.storage.List(ctx, workspace+"/")
	if err != nil {
		return nil, err
	}
	refs := make([]secrets.Ref, 0, len(ids))
	for _, id := range ids {
		ref, err := secrets.ParseID(id)
		if err != nil {
			continue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}
