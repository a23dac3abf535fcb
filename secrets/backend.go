// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package secrets

import "context"

// Backend seals secrets and keeps their envelopes. All methods are safe for
// concurrent use; the vault serializes conflicting calls on the same Ref.
type Backend interface {
	// Kind returns the backend variant.
	Kind() BackendKind

	// Store seals plaintext under ref with the given labels. An existing
	// envelope is replaced by one with the next version number.
	Store(ctx context.Context, ref Ref, plaintext []byte, labels map[string]string) (*Envelope, error)

	// Retrieve opens the envelope stored under ref. The caller owns the
	// returned buffer and must zero it.
	Retrieve(ctx context.Context, ref Ref) ([]byte, error)

	// Rotate replaces the sealed value of an existing secret and keeps its
	// labels. The previous ciphertext is not kept anywhere.
	Rotate(ctx context.Context, ref Ref, plaintext []byte) (*Envelope, error)

	// Delete removes the envelope stored under ref.
	Delete(ctx context.Context, ref Ref) error

	// Lookup returns the sealed envelope stored under ref.
	Lookup(ctx context.Context, ref Ref) (*Envelope, error)

	// List returns the envelopes of a workspace with their ciphertext
	// stripped.
	List(ctx context.Context, workspace string) ([]*Envelope, error)

	// Restore writes a previously looked up envelope back verbatim. It is
	// used to undo a mutation that could not be audited.
	Restore(ctx context.Context, env *Envelope) error

	// Close releases key material and connections held by the backend.
	Close() error
}
