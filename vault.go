// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package avp is an encrypted credential vault for agents.
//
// Secrets live in isolated workspaces and are sealed by one of three
// backends: a passphrase protected file store, the operating system
// keychain or an external secure element. Every access is authorized
// against the workspace grants and recorded in an append-only audit log
// before its result is released to the caller.
package avp

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/carabiner-dev/avp/internal/audit"
	"github.com/carabiner-dev/avp/internal/backend/file"
	"github.com/carabiner-dev/avp/internal/backend/hardware"
	"github.com/carabiner-dev/avp/internal/backend/keychain"
	"github.com/carabiner-dev/avp/internal/common"
	"github.com/carabiner-dev/avp/internal/metrics"
	"github.com/carabiner-dev/avp/internal/store"
	"github.com/carabiner-dev/avp/internal/workspace"
	"github.com/carabiner-dev/avp/options"
	"github.com/carabiner-dev/avp/secrets"
)

// Vault is the entry point to the credential store. It is safe for
// concurrent use.
type Vault struct {
	options    *options.Vault
	backend    secrets.Backend
	workspaces *workspace.Manager
	audit      audit.Log
	metrics    *metrics.Metrics
	locks      *lockTable
	now        func() time.Time

	// db is set when the vault opened the catalog itself.
	db        *store.DB
	closeOnce sync.Once
	closeErr  error
}

type config struct {
	backend    secrets.Backend
	audit      audit.Log
	workspaces workspace.Store
	registerer prometheus.Registerer
	passphrase []byte
	now        func() time.Time
}

// Option customizes a Vault.
type Option func(*config)

// WithBackend uses b instead of the backend named in the configuration.
// The vault takes ownership of b and closes it.
func WithBackend(b secrets.Backend) Option {
	return func(c *config) { c.backend = b }
}

// WithAuditLog records to l instead of the configured audit log.
func WithAuditLog(l audit.Log) Option {
	return func(c *config) { c.audit = l }
}

// WithWorkspaceStore keeps the workspace catalog in s.
func WithWorkspaceStore(s workspace.Store) Option {
	return func(c *config) { c.workspaces = s }
}

// WithRegisterer registers the vault metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) { c.registerer = reg }
}

// WithPassphrase unlocks the file backend with passphrase instead of the
// configured key file or environment variable. The slice is zeroed once the
// key is derived.
func WithPassphrase(passphrase []byte) Option {
	return func(c *config) { c.passphrase = passphrase }
}

// WithClock replaces the time source of the vault and the components it
// creates.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

type clockSetter interface {
	SetClock(func() time.Time)
}

// Open loads the configuration at path and opens the vault it describes.
func Open(ctx context.Context, path string, fns ...Option) (*Vault, error) {
	opts, err := options.Load(path)
	if err != nil {
		return nil, err
	}
	return New(ctx, opts, fns...)
}

// New opens a vault with the given configuration and provisions the
// workspaces it lists.
func New(ctx context.Context, opts *options.Vault, fns ...Option) (v *Vault, err error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", secrets.ErrInvalidArgument, err)
	}
	cfg := &config{now: time.Now}
	for _, fn := range fns {
		fn(cfg)
	}
	defer common.ZeroBytes(cfg.passphrase)

	v = &Vault{
		options: opts,
		locks:   newLockTable(),
		now:     cfg.now,
		audit:   cfg.audit,
		backend: cfg.backend,
	}
	defer func() {
		if err != nil {
			v.Close() //nolint:errcheck,gosec
		}
	}()

	if opts.Audit == options.AuditSQLite && (cfg.audit == nil || cfg.workspaces == nil) {
		v.db, err = store.Open(filepath.Join(opts.StateDir, store.DefaultFilename))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", secrets.ErrBackendUnavailable, err)
		}
	}

	if v.audit == nil {
		if v.db != nil {
			if v.audit, err = audit.NewSQLiteLog(ctx, v.db); err != nil {
				return nil, fmt.Errorf("%w: opening audit log: %w", secrets.ErrBackendUnavailable, err)
			}
		} else {
			v.audit = audit.NewMemoryLog()
		}
	}

	wsStore := cfg.workspaces
	if wsStore == nil {
		if v.db != nil {
			wsStore = workspace.NewSQLiteStore(v.db)
		} else {
			wsStore = workspace.NewMemoryStore()
		}
	}
	authz, err := workspace.NewAuthorizer(nil)
	if err != nil {
		return nil, err
	}
	v.workspaces = workspace.NewManager(wsStore, authz, opts.Grants)

	if v.metrics, err = metrics.New(cfg.registerer); err != nil {
		return nil, err
	}

	if v.backend == nil {
		if v.backend, err = openBackend(ctx, opts, cfg.passphrase); err != nil {
			return nil, err
		}
	}

	for _, c := range []any{v.audit, v.workspaces, v.backend} {
		if cs, ok := c.(clockSetter); ok {
			cs.SetClock(cfg.now)
		}
	}

	if err := v.provision(ctx); err != nil {
		return nil, err
	}

	clog.FromContext(ctx).Debugf("opened %s vault with %s audit log", v.backend.Kind(), opts.Audit)
	return v, nil
}

// openBackend builds the backend named in the configuration.
func openBackend(ctx context.Context, opts *options.Vault, passphrase []byte) (secrets.Backend, error) {
	kind, err := secrets.ParseBackendKind(opts.Backend)
	if err != nil {
		return nil, err
	}

	switch kind {
	case secrets.BackendFile:
		cfg, err := file.ParseParams(opts.BackendParams)
		if err != nil {
			return nil, err
		}
		if len(passphrase) > 0 {
			common.ZeroBytes(cfg.Passphrase)
			cfg.Passphrase = append([]byte(nil), passphrase...)
		}
		eng, err := file.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return eng, nil
	case secrets.BackendKeychain:
		eng, err := keychain.New(ctx, keychain.ParseParams(opts.BackendParams))
		if err != nil {
			return nil, err
		}
		return eng, nil
	case secrets.BackendHardware:
		cfg, err := hardware.ParseParams(opts.BackendParams)
		if err != nil {
			return nil, err
		}
		eng, err := hardware.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return eng, nil
	}
	return nil, fmt.Errorf("%w: backend %s", secrets.ErrInvalidArgument, kind)
}

// provision creates the workspaces listed in the configuration. Existing
// ones are left untouched.
func (v *Vault) provision(ctx context.Context) error {
	for _, ws := range v.options.Workspaces {
		owner := ws.Owner
		if owner == "" {
			owner = v.options.Caller
		}
		if _, _, err := v.workspaces.Create(ctx, ws.ID, owner); err != nil {
			if errors.Is(err, secrets.ErrAccessDenied) {
				clog.FromContext(ctx).Warnf("not provisioning deleted workspace %s", ws.ID)
				continue
			}
			return fmt.Errorf("provisioning workspace %s: %w", ws.ID, err)
		}
	}
	return nil
}

// Options returns the configuration the vault was opened with.
func (v *Vault) Options() options.Vault {
	return *v.options
}

// Backend returns the kind of backend sealing the secrets.
func (v *Vault) Backend() secrets.BackendKind {
	return v.backend.Kind()
}

// Close releases the backend key material and the catalog database.
func (v *Vault) Close() error {
	v.closeOnce.Do(func() {
		var errs []error
		if v.backend != nil {
			errs = append(errs, v.backend.Close())
		}
		if v.audit != nil {
			errs = append(errs, v.audit.Close())
		}
		if v.db != nil {
			errs = append(errs, v.db.Close())
		}
		v.closeErr = errors.Join(errs...)
	})
	return v.closeErr
}
