// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/carabiner-dev/avp/secrets"
)

const blobSuffix = ".env"

var _ secrets.Storage = &DirStorage{}

// DirStorage keeps one file per blob in a private directory. Writes go to a
// temporary file that is renamed over the target, so a crash never leaves a
// half written blob behind.
type DirStorage struct {
	dir string
}

// NewDirStorage creates dir with owner-only permissions if it does not
// exist and returns a storage rooted there.
func NewDirStorage(dir string) (*DirStorage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("checking storage directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	return &DirStorage{dir: dir}, nil
}

// Path returns the file backing id.
func (d *DirStorage) Path(id string) string {
	return filepath.Join(d.dir, base64.RawURLEncoding.EncodeToString([]byte(id))+blobSuffix)
}

// Store writes the blob atomically with 0600 permissions.
func (d *DirStorage) Store(ctx context.Context, id string, blob []byte) error {
	target := d.Path(id)

	// Write to temp file then rename (atomic)
	tmpFile, err := os.CreateTemp(d.dir, ".avp-tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if err := tmpFile.Chmod(0o600); err != nil {
		tmpFile.Close()    //nolint:errcheck,gosec
		os.Remove(tmpPath) //nolint:errcheck,gosec
		return fmt.Errorf("failed to set file permissions: %w", err)
	}

	if _, err := tmpFile.Write(blob); err != nil {
		tmpFile.Close()    //nolint:errcheck,gosec
		os.Remove(tmpPath) //nolint:errcheck,gosec
		return fmt.Errorf("failed to write file: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()    //nolint:errcheck,gosec
		os.Remove(tmpPath) //nolint:errcheck,gosec
		return fmt.Errorf("failed to sync file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck,gosec
		return fmt.Errorf("failed to close file: %w", err)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath) //nolint:errcheck,gosec
		return fmt.Errorf("failed to rename file: %w", err)
	}

	return nil
}

// Get reads the blob stored under id.
func (d *DirStorage) Get(ctx context.Context, id string) ([]byte, error) {
	data, err := os.ReadFile(d.Path(id))
	if err != nil {
		return nil, d.wrap(id, err)
	}
	return data, nil
}

// Delete removes the file backing id.
func (d *DirStorage) Delete(ctx context.Context, id string) error {
	if err := os.Remove(d.Path(id)); err != nil {
		return d.wrap(id, err)
	}
	return nil
}

// List returns the ids starting with prefix. Files that do not decode to an
// id are skipped.
func (d *DirStorage) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, d.wrap(d.dir, err)
	}

	ids := []string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, blobSuffix) {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, blobSuffix))
		if err != nil {
			continue
		}
		if id := string(raw); strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (d *DirStorage) wrap(id string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", secrets.ErrNotFound, id)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s: %w", secrets.ErrAccessDenied, id, err)
	default:
		return fmt.Errorf("%w: %s: %w", secrets.ErrBackendUnavailable, id, err)
	}
}
