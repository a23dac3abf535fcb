// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package secrets

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/carabiner-dev/avp/secrets"
)

func newTestKeyring(t *testing.T) *KeyringStorage {
	t.Helper()
	storage, err := NewKeyringStorage("avp-test", "process")
	if err != nil {
		t.Skipf("Skipping keyring test: %v", err)
	}
	return storage
}

func TestKeyringStorageStoreAndGet(t *testing.T) {
	storage := newTestKeyring(t)
	ctx := context.Background()

	blob := []byte("sealed-envelope-bytes")

	// Store the blob
	if err := storage.Store(ctx, "dev/test-secret", blob); err != nil {
		t.Fatalf("Failed to store secret: %v", err)
	}

	// Retrieve the blob
	retrieved, err := storage.Get(ctx, "dev/test-secret")
	if err != nil {
		t.Fatalf("Failed to get secret: %v", err)
	}

	// Verify the data matches
	if !bytes.Equal(retrieved, blob) {
		t.Errorf("Blob mismatch: got %s, want %s", retrieved, blob)
	}

	// Clean up
	if err := storage.Delete(ctx, "dev/test-secret"); err != nil {
		t.Fatalf("Failed to delete secret: %v", err)
	}
}

func TestKeyringStorageDelete(t *testing.T) {
	storage := newTestKeyring(t)
	ctx := context.Background()

	if err := storage.Store(ctx, "dev/test-delete", []byte("data")); err != nil {
		t.Fatalf("Failed to store secret: %v", err)
	}

	if err := storage.Delete(ctx, "dev/test-delete"); err != nil {
		t.Fatalf("Failed to delete secret: %v", err)
	}

	// Verify it's gone
	_, err := storage.Get(ctx, "dev/test-delete")
	if !errors.Is(err, secrets.ErrNotFound) {
		t.Errorf("Expected ErrNotFound when getting deleted secret, got %v", err)
	}

	// A second delete reports the key as missing
	if err := storage.Delete(ctx, "dev/test-delete"); !errors.Is(err, secrets.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}

func TestKeyringStorageOverwrite(t *testing.T) {
	storage := newTestKeyring(t)
	ctx := context.Background()

	if err := storage.Store(ctx, "dev/test-overwrite", []byte("version-1")); err != nil {
		t.Fatalf("Failed to store secret v1: %v", err)
	}
	if err := storage.Store(ctx, "dev/test-overwrite", []byte("version-2")); err != nil {
		t.Fatalf("Failed to store secret v2: %v", err)
	}

	retrieved, err := storage.Get(ctx, "dev/test-overwrite")
	if err != nil {
		t.Fatalf("Failed to get secret: %v", err)
	}
	if string(retrieved) != "version-2" {
		t.Errorf("Expected version-2, got %s", retrieved)
	}

	_ = storage.Delete(ctx, "dev/test-overwrite") //nolint:errcheck
}

func TestKeyringStorageList(t *testing.T) {
	storage := newTestKeyring(t)
	ctx := context.Background()

	for _, id := range []string{"list/a", "list/b", "other/c"} {
		if err := storage.Store(ctx, id, []byte(id)); err != nil {
			t.Fatalf("Failed to store %s: %v", id, err)
		}
		defer storage.Delete(ctx, id) //nolint:errcheck
	}

	ids, err := storage.List(ctx, "list/")
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if !slices.Equal(ids, []string{"list/a", "list/b"}) {
		t.Errorf("Unexpected ids: %v", ids)
	}
}

func TestKeyringStorageGetNonExistent(t *testing.T) {
	storage := newTestKeyring(t)

	_, err := storage.Get(context.Background(), "dev/non-existent-key")
	if !errors.Is(err, secrets.ErrNotFound) {
		t.Errorf("Expected ErrNotFound when getting non-existent key, got %v", err)
	}
}
