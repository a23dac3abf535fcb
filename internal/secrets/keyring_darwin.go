// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

//go:build darwin

package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"sync"

	"github.com/carabiner-dev/avp/secrets"
)

// itemNotFound is the exit code of the security tool for missing items.
const itemNotFound = 44

// indexAccount holds the newline separated list of ids of a service, the
// keychain cannot be enumerated without dumping it.
const indexAccount = "__avp_index__"

var _ secrets.Storage = &KeyringStorage{}

// KeyringStorage stores blobs as generic passwords in the login keychain
// through the security tool. Values are base64 encoded as the tool only
// handles text.
type KeyringStorage struct {
	service string
	mu      sync.Mutex
}

// NewKeyringStorage returns a keychain storage for service. The ring
// argument only applies to Linux and is ignored.
func NewKeyringStorage(service, _ string) (*KeyringStorage, error) {
	if _, err := exec.LookPath("security"); err != nil {
		return nil, fmt.Errorf("%w: security tool not found: %w", secrets.ErrBackendUnavailable, err)
	}
	return &KeyringStorage{service: service}, nil
}

func (k *KeyringStorage) Store(ctx context.Context, id string, blob []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.set(ctx, id, base64.StdEncoding.EncodeToString(blob)); err != nil {
		return err
	}
	return k.updateIndex(ctx, func(ids []string) []string {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
		return ids
	})
}

func (k *KeyringStorage) Get(ctx context.Context, id string) ([]byte, error) {
	out, err := k.get(ctx, id)
	if err != nil {
		return nil, err
	}
	blob, err := base64.StdEncoding.DecodeString(out)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding keychain item: %w", secrets.ErrCorruptEnvelope, err)
	}
	return blob, nil
}

func (k *KeyringStorage) Delete(ctx context.Context, id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	cmd := exec.CommandContext(ctx, "security", "delete-generic-password", "-a", id, "-s", k.service)
	if out, err := cmd.CombinedOutput(); err != nil {
		return wrapSecurity(id, "keychain delete", out, err)
	}
	return k.updateIndex(ctx, func(ids []string) []string {
		return slices.DeleteFunc(ids, func(s string) bool { return s == id })
	})
}

func (k *KeyringStorage) List(ctx context.Context, prefix string) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	ids, err := k.index(ctx)
	if err != nil {
		return nil, err
	}
	ret := []string{}
	for _, id := range ids {
		if strings.HasPrefix(id, prefix) {
			ret = append(ret, id)
		}
	}
	slices.Sort(ret)
	return ret, nil
}

func (k *KeyringStorage) set(ctx context.Context, account, value string) error {
	cmd := exec.CommandContext(ctx, "security", "add-generic-password",
		"-a", account,
		"-s", k.service,
		"-w", value,
		"-U", // update if exists
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return wrapSecurity(account, "keychain set", out, err)
	}
	return nil
}

func (k *KeyringStorage) get(ctx context.Context, account string) (string, error) {
	cmd := exec.CommandContext(ctx, "security", "find-generic-password",
		"-a", account,
		"-s", k.service,
		"-w", // output only the password
	)
	out, err := cmd.Output()
	if err != nil {
		return "", wrapSecurity(account, "keychain get", nil, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (k *KeyringStorage) index(ctx context.Context) ([]string, error) {
	raw, err := k.get(ctx, indexAccount)
	if errors.Is(err, secrets.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return strings.Fields(raw), nil
}

func (k *KeyringStorage) updateIndex(ctx context.Context, fn func([]string) []string) error {
	ids, err := k.index(ctx)
	if err != nil {
		return err
	}
	return k.set(ctx, indexAccount, strings.Join(fn(ids), " "))
}

func wrapSecurity(id, what string, out []byte, err error) error {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return fmt.Errorf("%w: %s: %w", secrets.ErrBackendUnavailable, what, err)
	}
	if exitErr.ExitCode() == itemNotFound {
		return fmt.Errorf("%w: %s", secrets.ErrNotFound, id)
	}
	// Any other refusal comes from the keychain's access control.
	return fmt.Errorf("%w: %s %s: %s", secrets.ErrAccessDenied, what, id, strings.TrimSpace(string(out)))
}
