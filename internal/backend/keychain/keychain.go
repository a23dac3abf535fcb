// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package keychain implements the backend that delegates storage to the
// operating system's protected store: the kernel keyring on Linux and the
// login keychain on macOS.
package keychain

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"

	"github.com/carabiner-dev/avp/internal/backend"
	"github.com/carabiner-dev/avp/internal/common"
	isecrets "github.com/carabiner-dev/avp/internal/secrets"
	"github.com/carabiner-dev/avp/secrets"
)

const (
	DefaultService = "avp"
	masterKeyID    = "master"
)

// Config selects the OS store entries used by the backend.
type Config struct {
	// Service namespaces the entries created by the vault.
	Service string

	// Keyring picks the Linux keyring: user, session or process.
	Keyring string
}

// ParseParams builds a Config from the vault's backend_params.
func ParseParams(params map[string]string) Config {
	cfg := Config{Service: params["service"], Keyring: params["keyring"]}
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	return cfg
}

type options struct {
	envelopes secrets.Storage
	keys      secrets.Storage
}

// Option customizes the backend.
type Option func(*options)

// WithStorage replaces the OS stores for envelopes and the master key.
func WithStorage(envelopes, keys secrets.Storage) Option {
	return func(o *options) {
		o.envelopes = envelopes
		o.keys = keys
	}
}

// New opens the keychain backend. The master key is created in the OS store
// on first use. Refusals by the OS surface as secrets.ErrAccessDenied.
func New(ctx context.Context, cfg Config, fns ...Option) (*backend.Engine, error) {
	opts := &options{}
	for _, fn := range fns {
		fn(opts)
	}
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}

	if opts.envelopes == nil {
		s, err := isecrets.NewKeyringStorage(cfg.Service, cfg.Keyring)
		if err != nil {
			return nil, err
		}
		opts.envelopes = s
	}
	if opts.keys == nil {
		s, err := isecrets.NewKeyringStorage(cfg.Service+".keys", cfg.Keyring)
		if err != nil {
			return nil, err
		}
		opts.keys = s
	}

	key, err := masterKey(ctx, opts.keys)
	if err != nil {
		return nil, err
	}

	return backend.NewEngine(secrets.BackendKeychain, opts.envelopes, backend.NewKeySealer(key)), nil
}

func masterKey(ctx context.Context, keys secrets.Storage) ([]byte, error) {
	key, err := keys.Get(ctx, masterKeyID)
	switch {
	case err == nil:
		if len(key) != common.KeySize {
			common.ZeroBytes(key)
			return nil, fmt.Errorf("%w: stored master key has %d bytes", secrets.ErrCorruptEnvelope, len(key))
		}
		return key, nil
	case !errors.Is(err, secrets.ErrNotFound):
		return nil, fmt.Errorf("reading master key: %w", err)
	}

	key, err = common.RandomBytes(common.KeySize)
	if err != nil {
		return nil, err
	}
	if err := keys.Store(ctx, masterKeyID, key); err != nil {
		common.ZeroBytes(key)
		return nil, fmt.Errorf("storing master key: %w", err)
	}
	clog.FromContext(ctx).Info("generated keychain master key")
	return key, nil
}
