// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package options holds the vault configuration and loads it from TOML or
// YAML files and AVP_ environment variables.
package options

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/carabiner-dev/avp/secrets"
)

// EnvPrefix prefixes environment overrides. Single underscores separate
// nesting levels and double underscores stand for a literal underscore, so
// AVP_STATE__DIR sets state_dir and AVP_RETRY_ATTEMPTS sets retry.attempts.
const EnvPrefix = "AVP_"

const (
	AuditSQLite = "sqlite"
	AuditMemory = "memory"
)

// Vault is the configuration of a vault. It is read once when the vault is
// opened and never changes afterwards.
type Vault struct {
	Backend       string            `koanf:"backend" json:"backend"`
	BackendParams map[string]string `koanf:"backend_params" json:"backend_params,omitempty"`
	StateDir      string            `koanf:"state_dir" json:"state_dir"`
	Audit         string            `koanf:"audit" json:"audit"`
	Caller        string            `koanf:"caller" json:"caller"`
	Workspaces    []Workspace       `koanf:"workspaces" json:"workspaces,omitempty"`

	// Grants maps caller ids to the workspaces they may use.
	Grants  map[string][]string `koanf:"grants" json:"grants,omitempty"`
	Retry   Retry               `koanf:"retry" json:"retry"`
	Logging Logging             `koanf:"logging" json:"logging"`
}

// Workspace is a workspace provisioned when the vault opens.
type Workspace struct {
	ID    string `koanf:"id" json:"id"`
	Owner string `koanf:"owner" json:"owner"`
}

// Retry bounds the retries of transient backend failures.
type Retry struct {
	Attempts   int           `koanf:"attempts" json:"attempts"`
	BaseDelay  time.Duration `koanf:"base_delay" json:"base_delay"`
	MaxDelay   time.Duration `koanf:"max_delay" json:"max_delay"`
	Multiplier float64       `koanf:"multiplier" json:"multiplier"`
	Jitter     float64       `koanf:"jitter" json:"jitter"`
}

type Logging struct {
	Level  string `koanf:"level" json:"level"`
	Format string `koanf:"format" json:"format"`
}

// DefaultVault is the configuration used when nothing overrides it.
var DefaultVault = Vault{
	Backend:  secrets.BackendFile.String(),
	StateDir: defaultStateDir(),
	Audit:    AuditSQLite,
	Caller:   defaultCaller(),
	Retry: Retry{
		Attempts:   3,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Multiplier: 2,
		Jitter:     0.1,
	},
	Logging: Logging{
		Level:  "info",
		Format: "text",
	},
}

// New returns a copy of DefaultVault.
func New() *Vault {
	v := DefaultVault
	v.BackendParams = map[string]string{}
	v.Grants = map[string][]string{}
	return &v
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "avp")
	}
	return filepath.Join(os.TempDir(), "avp")
}

func defaultCaller() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

// Load reads the configuration file at path, if any, on top of the defaults
// and applies AVP_ environment overrides. The file format follows its
// extension: .toml, .yaml or .yml.
func Load(path string) (*Vault, error) {
	cfg := New()
	k := koanf.New(".")

	if path != "" {
		var parser koanf.Parser
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			parser = toml.Parser()
		case ".yaml", ".yml":
			parser = yaml.Parser()
		default:
			return nil, fmt.Errorf("unsupported config file format %q", filepath.Ext(path))
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envKey turns AVP_BACKEND__PARAMS_PATH into backend_params.path.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
}

// Validate checks the configuration for consistency.
func (v *Vault) Validate() error {
	var errs []error

	if _, err := secrets.ParseBackendKind(v.Backend); err != nil {
		errs = append(errs, err)
	}
	switch v.Audit {
	case AuditSQLite, AuditMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown audit log %q", v.Audit))
	}
	if v.Audit == AuditSQLite && v.StateDir == "" {
		errs = append(errs, errors.New("state_dir is required for the sqlite audit log"))
	}

	seen := map[string]bool{}
	for _, ws := range v.Workspaces {
		if !secrets.ValidWorkspaceID(ws.ID) {
			errs = append(errs, fmt.Errorf("invalid workspace id %q", ws.ID))
		}
		if seen[ws.ID] {
			errs = append(errs, fmt.Errorf("workspace %q provisioned twice", ws.ID))
		}
		seen[ws.ID] = true
	}
	for caller, ids := range v.Grants {
		for _, id := range ids {
			if !secrets.ValidWorkspaceID(id) {
				errs = append(errs, fmt.Errorf("grant for %s names invalid workspace %q", caller, id))
			}
		}
	}

	if v.Retry.Attempts < 1 {
		errs = append(errs, fmt.Errorf("retry.attempts must be at least 1, got %d", v.Retry.Attempts))
	}
	if v.Retry.BaseDelay < 0 || v.Retry.MaxDelay < v.Retry.BaseDelay {
		errs = append(errs, errors.New("retry delays must satisfy 0 <= base_delay <= max_delay"))
	}
	if v.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry.multiplier must be at least 1"))
	}
	if v.Retry.Jitter < 0 || v.Retry.Jitter > 1 {
		errs = append(errs, errors.New("retry.jitter must be between 0 and 1"))
	}

	switch v.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", v.Logging.Format))
	}

	return errors.Join(errs...)
}
