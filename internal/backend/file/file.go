// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package file implements the passphrase protected file backend. A vault is
// a directory holding a header with the key derivation parameters and one
// file per sealed envelope.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chainguard-dev/clog"

	"github.com/carabiner-dev/avp/internal/backend"
	"github.com/carabiner-dev/avp/internal/common"
	isecrets "github.com/carabiner-dev/avp/internal/secrets"
	"github.com/carabiner-dev/avp/secrets"
)

const (
	// MinPassphraseLength is the shortest passphrase accepted for new vaults.
	MinPassphraseLength = 8

	headerFile    = "vault.hdr"
	headerFormat  = 1
	secretsSubdir = "secrets"

	// DefaultPassphraseEnv is read when no passphrase is supplied.
	DefaultPassphraseEnv = "AVP_PASSPHRASE"
)

var checkValue = []byte("avp-vault-check-v1")

// Config configures a file vault.
type Config struct {
	// Path is the vault directory.
	Path string

	// Passphrase unlocks the vault. New zeroes it once the key is derived.
	Passphrase []byte

	// KDF selects the derivation used when a vault is created. Existing
	// vaults always use the parameters recorded in their header.
	KDF common.KDFParams
}

// DefaultKDF returns the derivation parameters for new vaults.
func DefaultKDF() common.KDFParams {
	return common.KDFParams{
		Algorithm:  common.KDFArgon2id,
		Iterations: common.DefaultPBKDF2Iterations,
		Time:       common.DefaultArgon2Time,
		MemoryKiB:  common.DefaultArgon2MemoryKiB,
		Threads:    common.DefaultArgon2Threads,
	}
}

// ParseParams builds a Config from the backend_params of the vault
// configuration. The passphrase comes from key_file when set, otherwise
// from the environment variable named by passphrase_env.
func ParseParams(params map[string]string) (Config, error) {
	cfg := Config{Path: params["path"], KDF: DefaultKDF()}
	if cfg.Path == "" {
		return cfg, fmt.Errorf("%w: file backend requires a path", secrets.ErrInvalidArgument)
	}

	if v := params["kdf"]; v != "" {
		cfg.KDF.Algorithm = common.KDF(v)
	}
	for key, dst := range map[string]func(uint64){
		"iterations":        func(n uint64) { cfg.KDF.Iterations = int(n) }, //nolint:gosec
		"argon2_time":       func(n uint64) { cfg.KDF.Time = uint32(n) },    //nolint:gosec
		"argon2_memory_kib": func(n uint64) { cfg.KDF.MemoryKiB = uint32(n) }, //nolint:gosec
		"argon2_threads":    func(n uint64) { cfg.KDF.Threads = uint8(n) },  //nolint:gosec
	} {
		v, ok := params[key]
		if !ok || v == "" {
			continue
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			return cfg, fmt.Errorf("%w: invalid %s %q", secrets.ErrInvalidArgument, key, v)
		}
		dst(n)
	}

	if keyFile := params["key_file"]; keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return cfg, fmt.Errorf("%w: reading key file: %w", secrets.ErrAccessDenied, err)
		}
		cfg.Passphrase = []byte(strings.TrimRight(string(data), "\r\n"))
		common.ZeroBytes(data)
		return cfg, nil
	}

	envVar := params["passphrase_env"]
	if envVar == "" {
		envVar = DefaultPassphraseEnv
	}
	if v := os.Getenv(envVar); v != "" {
		cfg.Passphrase = []byte(v)
	}
	return cfg, nil
}

type header struct {
	Format int              `json:"format"`
	KDF    common.KDFParams `json:"kdf"`
	Check  struct {
		Nonce      []byte `json:"nonce"`
		Ciphertext []byte `json:"ciphertext"`
	} `json:"check"`
}

// New opens the vault at cfg.Path, creating it when it has no header yet.
// A wrong passphrase for an existing vault fails with
// secrets.ErrAuthenticationFailure.
func New(ctx context.Context, cfg Config) (*backend.Engine, error) {
	defer common.ZeroBytes(cfg.Passphrase)

	if len(cfg.Passphrase) == 0 {
		return nil, fmt.Errorf("%w: no passphrase supplied", secrets.ErrAuthenticationFailure)
	}
	if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating vault directory: %w", secrets.ErrBackendUnavailable, err)
	}

	hdrPath := filepath.Join(cfg.Path, headerFile)
	data, err := os.ReadFile(hdrPath)
	var key []byte
	switch {
	case errors.Is(err, fs.ErrNotExist):
		key, err = create(hdrPath, cfg)
		if err != nil {
			return nil, err
		}
		clog.FromContext(ctx).Infof("created file vault at %s", cfg.Path)
	case err != nil:
		return nil, fmt.Errorf("%w: reading vault header: %w", secrets.ErrBackendUnavailable, err)
	default:
		key, err = unlock(data, cfg.Passphrase)
		if err != nil {
			return nil, err
		}
	}

	storage, err := isecrets.NewDirStorage(filepath.Join(cfg.Path, secretsSubdir))
	if err != nil {
		common.ZeroBytes(key)
		return nil, fmt.Errorf("%w: %w", secrets.ErrBackendUnavailable, err)
	}

	return backend.NewEngine(secrets.BackendFile, storage, backend.NewKeySealer(key)), nil
}

func create(path string, cfg Config) ([]byte, error) {
	if len(cfg.Passphrase) < MinPassphraseLength {
		return nil, fmt.Errorf(
			"%w: passphrase must be at least %d characters", secrets.ErrInvalidArgument, MinPassphraseLength,
		)
	}

	salt, err := common.GenerateSalt()
	if err != nil {
		return nil, err
	}

	var hdr header
	hdr.Format = headerFormat
	hdr.KDF = common.KDFParams{Algorithm: cfg.KDF.Algorithm, Salt: salt}
	switch cfg.KDF.Algorithm {
	case common.KDFPBKDF2:
		hdr.KDF.Iterations = cfg.KDF.Iterations
	case common.KDFArgon2id:
		hdr.KDF.Time, hdr.KDF.MemoryKiB, hdr.KDF.Threads = cfg.KDF.Time, cfg.KDF.MemoryKiB, cfg.KDF.Threads
	}

	key, err := common.DeriveKey(cfg.Passphrase, hdr.KDF)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", secrets.ErrInvalidArgument, err)
	}

	hdr.Check.Ciphertext, hdr.Check.Nonce, err = common.Seal(key, checkValue, []byte(headerFile))
	if err != nil {
		common.ZeroBytes(key)
		return nil, err
	}

	data, err := json.MarshalIndent(&hdr, "", "  ")
	if err != nil {
		common.ZeroBytes(key)
		return nil, fmt.Errorf("encoding vault header: %w", err)
	}

	// O_EXCL keeps two processes from initializing the same vault.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		common.ZeroBytes(key)
		return nil, fmt.Errorf("%w: creating vault header: %w", secrets.ErrBackendUnavailable, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()       //nolint:errcheck,gosec
		os.Remove(path) //nolint:errcheck,gosec
		common.ZeroBytes(key)
		return nil, fmt.Errorf("%w: writing vault header: %w", secrets.ErrBackendUnavailable, err)
	}
	if err := f.Close(); err != nil {
		common.ZeroBytes(key)
		return nil, fmt.Errorf("%w: writing vault header: %w", secrets.ErrBackendUnavailable, err)
	}
	return key, nil
}

func unlock(data, passphrase []byte) ([]byte, error) {
	var hdr header
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("%w: vault header: %w", secrets.ErrCorruptEnvelope, err)
	}
	if hdr.Format != headerFormat {
		return nil, fmt.Errorf("%w: unsupported vault format %d", secrets.ErrCorruptEnvelope, hdr.Format)
	}

	key, err := common.DeriveKey(passphrase, hdr.KDF)
	if err != nil {
		return nil, fmt.Errorf("%w: vault header: %w", secrets.ErrCorruptEnvelope, err)
	}

	check, err := common.Open(key, hdr.Check.Ciphertext, hdr.Check.Nonce, []byte(headerFile))
	if err != nil {
		common.ZeroBytes(key)
		return nil, fmt.Errorf("%w: wrong passphrase", secrets.ErrAuthenticationFailure)
	}
	common.ZeroBytes(check)
	return key, nil
}
