// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package secrets

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/carabiner-dev/avp/secrets"
)

// Ensure the driver implements the storage interface
var _ secrets.Storage = &KeyringStorage{}

// KeyringStorage is a Linux kernel keyring implementation of the
// secrets.Storage interface. Blobs are stored as "user" keys whose
// description is the service name followed by the blob id.
type KeyringStorage struct {
	ring    int
	service string
}

// NewKeyringStorage creates a new kernel keyring storage backend. ring
// selects the keyring: "user" (default) persists across the user's
// processes, "session" and "process" are narrower.
func NewKeyringStorage(service, ring string) (*KeyringStorage, error) {
	spec := unix.KEY_SPEC_USER_KEYRING
	switch ring {
	case "", "user":
	case "session":
		spec = unix.KEY_SPEC_SESSION_KEYRING
	case "process":
		spec = unix.KEY_SPEC_PROCESS_KEYRING
	default:
		return nil, fmt.Errorf("%w: unknown keyring %q", secrets.ErrInvalidArgument, ring)
	}

	// Request the keyring, creating it if it doesn't exist
	if _, err := unix.KeyctlGetKeyringID(spec, true); err != nil {
		return nil, fmt.Errorf("%w: failed to access/create %s keyring: %w", secrets.ErrBackendUnavailable, ring, err)
	}

	return &KeyringStorage{ring: spec, service: service}, nil
}

func (k *KeyringStorage) description(id string) string {
	return k.service + ":" + id
}

// perm returns the permission mask for new keys. Keys in the process
// keyring are only reachable by their possessor, the others are also
// readable by the owning user from later processes.
func (k *KeyringStorage) perm() uint32 {
	if k.ring == unix.KEY_SPEC_PROCESS_KEYRING {
		return 0x3f000000
	}
	return 0x3f3f0000
}

// Store persists a blob in the kernel keyring.
func (k *KeyringStorage) Store(ctx context.Context, id string, blob []byte) error {
	// Check if key already exists and delete it first
	// This ensures we're always creating a fresh key
	if existingKeyID, err := unix.KeyctlSearch(k.ring, "user", k.description(id), 0); err == nil {
		//nolint:errcheck // Don't err if key can't be removed it will be overwritten anyway.
		_, _ = unix.KeyctlInt(unix.KEYCTL_UNLINK, existingKeyID, k.ring, 0, 0)
	}

	keyID, err := unix.AddKey("user", k.description(id), blob, k.ring)
	if err != nil {
		return wrapKeyctl(id, "adding key to keyring", err)
	}

	if err := unix.KeyctlSetperm(keyID, k.perm()); err != nil {
		return wrapKeyctl(id, "setting key permissions", err)
	}

	return nil
}

// Get retrieves a blob from the kernel keyring by its ID.
func (k *KeyringStorage) Get(ctx context.Context, id string) ([]byte, error) {
	keyID, err := unix.KeyctlSearch(k.ring, "user", k.description(id), 0)
	if err != nil {
		return nil, wrapKeyctl(id, "looking up secret", err)
	}

	// First, get the size of the key data
	size, err := unix.KeyctlBuffer(unix.KEYCTL_READ, keyID, nil, 0)
	if err != nil {
		return nil, wrapKeyctl(id, "getting key size", err)
	}

	// Allocate buffer and read the key data
	buf := make([]byte, size)
	if _, err := unix.KeyctlBuffer(unix.KEYCTL_READ, keyID, buf, 0); err != nil {
		return nil, wrapKeyctl(id, "reading key from keyring", err)
	}

	return buf, nil
}

// Delete removes a blob from the kernel keyring by its ID.
func (k *KeyringStorage) Delete(ctx context.Context, id string) error {
	keyID, err := unix.KeyctlSearch(k.ring, "user", k.description(id), 0)
	if err != nil {
		return wrapKeyctl(id, "looking up secret", err)
	}

	if _, err := unix.KeyctlInt(unix.KEYCTL_UNLINK, keyID, k.ring, 0, 0); err != nil {
		return wrapKeyctl(id, "unlinking key from keyring", err)
	}

	return nil
}

// List reads the key ids linked in the keyring and returns the blob ids of
// the service's keys that start with prefix.
func (k *KeyringStorage) List(ctx context.Context, prefix string) ([]string, error) {
	ringID, err := unix.KeyctlGetKeyringID(k.ring, false)
	if err != nil {
		return nil, wrapKeyctl(prefix, "resolving keyring", err)
	}

	size, err := unix.KeyctlBuffer(unix.KEYCTL_READ, ringID, nil, 0)
	if err != nil {
		return nil, wrapKeyctl(prefix, "reading keyring size", err)
	}
	buf := make([]byte, size)
	n, err := unix.KeyctlBuffer(unix.KEYCTL_READ, ringID, buf, 0)
	if err != nil {
		return nil, wrapKeyctl(prefix, "reading keyring", err)
	}
	buf = buf[:min(n, len(buf))]

	want := k.description(prefix)
	ids := []string{}
	for i := 0; i+4 <= len(buf); i += 4 {
		keyID := int(int32(binary.NativeEndian.Uint32(buf[i:]))) //nolint:gosec
		// Description format: type;uid;gid;perm;description
		desc, err := unix.KeyctlString(unix.KEYCTL_DESCRIBE, keyID)
		if err != nil {
			continue
		}
		parts := strings.SplitN(desc, ";", 5)
		if len(parts) != 5 || parts[0] != "user" || !strings.HasPrefix(parts[4], want) {
			continue
		}
		ids = append(ids, strings.TrimPrefix(parts[4], k.service+":"))
	}
	slices.Sort(ids)
	return ids, nil
}

func wrapKeyctl(id, what string, err error) error {
	switch {
	case errors.Is(err, unix.ENOKEY):
		return fmt.Errorf("%w: %s", secrets.ErrNotFound, id)
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM),
		errors.Is(err, unix.EKEYREVOKED), errors.Is(err, unix.EKEYEXPIRED):
		return fmt.Errorf("%w: %s %s: %w", secrets.ErrAccessDenied, what, id, err)
	default:
		return fmt.Errorf("%w: %s %s: %w", secrets.ErrBackendUnavailable, what, id, err)
	}
}
