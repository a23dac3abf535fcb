// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package cmd implements the avp command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/chainguard-dev/clog"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/carabiner-dev/avp"
	"github.com/carabiner-dev/avp/internal/backend/file"
	"github.com/carabiner-dev/avp/options"
	"github.com/carabiner-dev/avp/secrets"
)

var (
	configPath   string
	callerFlag   string
	outputFormat string
	logLevel     string
	noColor      bool

	// vaultOptions is loaded before any subcommand runs.
	vaultOptions *options.Vault
)

var rootCmd = &cobra.Command{
	Use:   "avp",
	Short: "Agent vault for credentials",
	Long: `avp keeps credentials for agents in isolated workspaces, sealed by a
passphrase protected file store, the operating system keychain or a secure
element. Every access is checked against the workspace grants and recorded
in an append-only audit log.

The configuration is read from --config (TOML or YAML) and can be overridden
with AVP_ environment variables, for example AVP_BACKEND=keychain or
AVP_STATE__DIR=/var/lib/avp.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", defaultConfigPath(), "configuration file (.toml, .yaml or .yml)")
	flags.StringVar(&callerFlag, "caller", "", "identity to act as (defaults to the configured caller)")
	flags.StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err) //nolint:errcheck,gosec
	}
	return err
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	switch secrets.KindOf(err) {
	case secrets.KindAccessDenied:
		return 3
	case secrets.KindNotFound:
		return 4
	case secrets.KindAuthenticationFailure, secrets.KindCorruptEnvelope:
		return 5
	case secrets.KindPresenceRequired, secrets.KindDeviceNotPresent:
		return 6
	case secrets.KindCancelled:
		return 130
	default:
		return 1
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("AVP_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "avp", "config.toml")
}

// setup loads the configuration and installs the logger in the command
// context.
func setup(cmd *cobra.Command, _ []string) error {
	switch outputFormat {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("%w: unknown output format %q", secrets.ErrInvalidArgument, outputFormat)
	}
	if noColor || !term.IsTerminal(int(os.Stdout.Fd())) { //nolint:gosec
		color.NoColor = true
	}

	path := configPath
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		// No configuration yet, run on defaults and the environment.
		path = ""
	}
	opts, err := options.Load(path)
	if err != nil {
		return err
	}
	if callerFlag != "" {
		opts.Caller = callerFlag
	}
	if logLevel != "" {
		opts.Logging.Level = logLevel
	}
	if opts.Backend == secrets.BackendFile.String() && opts.BackendParams["path"] == "" {
		opts.BackendParams["path"] = filepath.Join(opts.StateDir, "vault")
	}
	vaultOptions = opts

	logger, err := newLogger(opts.Logging)
	if err != nil {
		return err
	}
	cmd.SetContext(clog.WithLogger(cmd.Context(), logger))
	return nil
}

func newLogger(cfg options.Logging) (*clog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("%w: log level %q", secrets.ErrInvalidArgument, cfg.Level)
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return clog.New(slog.NewJSONHandler(os.Stderr, hopts)), nil
	}
	return clog.New(slog.NewTextHandler(os.Stderr, hopts)), nil
}

// openVault opens the configured vault, asking for the passphrase of a
// file vault when none is configured and a terminal is attached.
func openVault(cmd *cobra.Command) (*avp.Vault, error) {
	var fns []avp.Option
	if vaultOptions.Backend == secrets.BackendFile.String() && needsPassphrase(vaultOptions.BackendParams) {
		passphrase, err := promptSecret("Vault passphrase: ")
		if err != nil {
			return nil, err
		}
		fns = append(fns, avp.WithPassphrase(passphrase))
	}
	return avp.New(cmd.Context(), vaultOptions, fns...)
}

func needsPassphrase(params map[string]string) bool {
	if params["key_file"] != "" {
		return false
	}
	env := params["passphrase_env"]
	if env == "" {
		env = file.DefaultPassphraseEnv
	}
	return os.Getenv(env) == "" && term.IsTerminal(int(os.Stdin.Fd())) //nolint:gosec
}

// promptSecret reads a line from the terminal without echoing it.
func promptSecret(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd())) //nolint:gosec
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading from terminal: %w", err)
	}
	return b, nil
}
