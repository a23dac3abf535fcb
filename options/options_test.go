// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package options

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestDefaultVaultOptions(t *testing.T) {
	opts := New()

	if opts.Backend != "file" {
		t.Errorf("Expected file backend, got %s", opts.Backend)
	}
	if opts.Retry.Attempts != 3 {
		t.Errorf("Expected 3 retry attempts, got %d", opts.Retry.Attempts)
	}
	if opts.Retry.BaseDelay != 200*time.Millisecond {
		t.Errorf("Expected base delay of 200ms, got %v", opts.Retry.BaseDelay)
	}
	if err := opts.Validate(); err != nil {
		t.Errorf("Default options do not validate: %v", err)
	}

	// New hands out independent copies
	opts.BackendParams["path"] = "/tmp/x"
	if _, ok := New().BackendParams["path"]; ok {
		t.Errorf("Expected defaults to be unaffected by changes to a copy")
	}
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "avp.toml", `
backend = "hardware"
state_dir = "/var/lib/avp"
caller = "agent"

[backend_params]
address = "unix:///run/avp/device.sock"
envelope_dir = "/var/lib/avp/envelopes"
presence_timeout = "10s"

[[workspaces]]
id = "dev"
owner = "agent"

[grants]
ci = ["dev", "staging"]

[retry]
attempts = 5
base_delay = "50ms"
`)

	opts, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if opts.Backend != "hardware" {
		t.Errorf("Expected hardware backend, got %s", opts.Backend)
	}
	if opts.BackendParams["presence_timeout"] != "10s" {
		t.Errorf("Unexpected backend params %v", opts.BackendParams)
	}
	if len(opts.Workspaces) != 1 || opts.Workspaces[0].Owner != "agent" {
		t.Errorf("Unexpected workspaces %+v", opts.Workspaces)
	}
	if !slices.Equal(opts.Grants["ci"], []string{"dev", "staging"}) {
		t.Errorf("Unexpected grants %v", opts.Grants)
	}
	if opts.Retry.Attempts != 5 || opts.Retry.BaseDelay != 50*time.Millisecond {
		t.Errorf("Unexpected retry settings %+v", opts.Retry)
	}
	// Untouched keys keep their defaults
	if opts.Retry.MaxDelay != 2*time.Second || opts.Audit != AuditSQLite {
		t.Errorf("Expected defaults for unset keys, got %+v", opts)
	}
}

func TestLoadYAMLWithEnv(t *testing.T) {
	path := writeConfig(t, "avp.yaml", `
backend: file
backend_params:
  path: /home/agent/.avp
audit: memory
`)
	t.Setenv("AVP_BACKEND__PARAMS_KDF", "pbkdf2")
	t.Setenv("AVP_STATE__DIR", "/srv/avp")
	t.Setenv("AVP_LOGGING_LEVEL", "debug")

	opts, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if opts.BackendParams["path"] != "/home/agent/.avp" || opts.BackendParams["kdf"] != "pbkdf2" {
		t.Errorf("Unexpected backend params %v", opts.BackendParams)
	}
	if opts.StateDir != "/srv/avp" {
		t.Errorf("Expected state dir from the environment, got %s", opts.StateDir)
	}
	if opts.Logging.Level != "debug" {
		t.Errorf("Expected debug logging, got %s", opts.Logging.Level)
	}
	if opts.Audit != AuditMemory {
		t.Errorf("Expected memory audit log, got %s", opts.Audit)
	}
}

func TestLoadRejects(t *testing.T) {
	for name, content := range map[string]string{
		"backend":   `backend = "cloud"`,
		"audit":     `audit = "syslog"`,
		"workspace": "[[workspaces]]\nid = \"../etc\"",
		"duplicate": "[[workspaces]]\nid = \"dev\"\n[[workspaces]]\nid = \"dev\"",
		"grant":     "[grants]\nagent = [\"a/b\"]",
		"attempts":  "[retry]\nattempts = 0",
		"jitter":    "[retry]\njitter = 2.0",
		"format":    "[logging]\nformat = \"xml\"",
	} {
		if _, err := Load(writeConfig(t, "avp.toml", content)); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}

	if _, err := Load(writeConfig(t, "avp.ini", "backend=file")); err == nil {
		t.Errorf("Expected an error for an unknown file format")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("Expected an error for a missing file")
	}
}

func TestEnvKey(t *testing.T) {
	for in, want := range map[string]string{
		"AVP_BACKEND":              "backend",
		"AVP_STATE__DIR":           "state_dir",
		"AVP_RETRY_BASE__DELAY":    "retry.base_delay",
		"AVP_BACKEND__PARAMS_PATH": "backend_params.path",
		"AVP_GRANTS_CI":            "grants.ci",
	} {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}
