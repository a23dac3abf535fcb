// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package secrets exposes the public types of the vault: the sealed secret
// envelope, the error taxonomy, the Backend interface implemented by the
// file, keychain and hardware drivers, and the Storage interface those
// drivers persist envelopes through.
package secrets

import (
	"context"
)

// Storage defines the interface for persisting serialized envelopes.
// Implementations only move opaque bytes around: they never see plaintext
// and never interpret the data they hold.
type Storage interface {
	// Store persists the blob under id, replacing any previous value.
	Store(context.Context, string, []byte) error

	// Get retrieves a blob. Missing ids fail with ErrNotFound.
	Get(context.Context, string) ([]byte, error)

	// Delete removes a blob. Missing ids fail with ErrNotFound.
	Delete(context.Context, string) error

	// List returns the ids that start with prefix, sorted.
	List(context.Context, string) ([]string, error)
}
