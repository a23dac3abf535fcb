// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/carabiner-dev/avp"
	"github.com/carabiner-dev/avp/internal/common"
	"github.com/carabiner-dev/avp/secrets"
)

func init() {
	rootCmd.AddCommand(storeCmd, getCmd, rotateCmd, deleteCmd, listCmd)

	for _, c := range []*cobra.Command{storeCmd, rotateCmd} {
		c.Flags().String("from-file", "", "read the value from a file, - for stdin")
	}
	storeCmd.Flags().Bool("overwrite", false, "replace an existing secret")
	storeCmd.Flags().StringToString("label", nil, "label to attach to the secret, as key=value (repeatable)")
}

var storeCmd = &cobra.Command{
	Use:   "store <workspace> <name>",
	Short: "Store a secret",
	Long: `Store a secret in a workspace. The value is read from --from-file, or
prompted for when a terminal is attached, or read from stdin. A single
trailing newline is dropped from values read from stdin.

Examples:
  avp store dev anthropic_key
  echo -n "$TOKEN" | avp store ci github_token
  avp store dev tls_key --from-file key.pem --overwrite
  avp store dev openai_key --label provider=openai --label team=ml`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		overwrite, _ := cmd.Flags().GetBool("overwrite")
		labels, _ := cmd.Flags().GetStringToString("label")
		value, err := readValue(cmd)
		if err != nil {
			return err
		}
		defer common.ZeroBytes(value)

		v, err := openVault(cmd)
		if err != nil {
			return err
		}
		defer v.Close() //nolint:errcheck

		var opts []avp.StoreOption
		if overwrite {
			opts = append(opts, avp.Overwrite())
		}
		if len(labels) > 0 {
			opts = append(opts, avp.WithLabels(labels))
		}
		if err := v.Store(cmd.Context(), args[0], args[1], value, opts...); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Secret %s/%s stored\n", args[0], args[1])
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <workspace> <name>",
	Short: "Print a secret",
	Long: `Print the value of a secret to stdout. Nothing else is written to stdout,
so the output can be piped. On a hardware vault the command waits for the
presence button of the device to be pressed.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := openVault(cmd)
		if err != nil {
			return err
		}
		defer v.Close() //nolint:errcheck

		if v.Backend() == secrets.BackendHardware {
			fmt.Fprintln(os.Stderr, "Touch the device to confirm presence...")
		}
		s, err := v.Retrieve(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		defer s.Release()

		if _, err := os.Stdout.Write(s.Bytes()); err != nil {
			return err
		}
		if term.IsTerminal(int(os.Stdout.Fd())) { //nolint:gosec
			fmt.Println()
		}
		return nil
	},
}

var rotateCmd = &cobra.Command{
	Use:   "rotate <workspace> <name>",
	Short: "Replace the value of a secret",
	Long: `Replace the value of an existing secret. The version number is bumped and
the previous value cannot be recovered.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := readValue(cmd)
		if err != nil {
			return err
		}
		defer common.ZeroBytes(value)

		v, err := openVault(cmd)
		if err != nil {
			return err
		}
		defer v.Close() //nolint:errcheck

		if err := v.Rotate(cmd.Context(), args[0], args[1], value); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Secret %s/%s rotated\n", args[0], args[1])
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <workspace> <name>",
	Short: "Delete a secret",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := openVault(cmd)
		if err != nil {
			return err
		}
		defer v.Close() //nolint:errcheck

		if err := v.Delete(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Secret %s/%s deleted\n", args[0], args[1])
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list <workspace>",
	Short: "List the secrets of a workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := openVault(cmd)
		if err != nil {
			return err
		}
		defer v.Close() //nolint:errcheck

		list, err := v.List(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if outputFormat != "table" {
			if len(list) == 0 {
				fmt.Println("[]")
				return nil
			}
			return formatOutput(list)
		}

		if len(list) == 0 {
			fmt.Printf("No secrets in workspace %s.\n", args[0])
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVERSION\tCREATED\tROTATED\tLABELS")
		for _, m := range list {
			rotated := "never"
			if m.RotatedAt != nil {
				rotated = m.RotatedAt.Local().Format(time.RFC3339)
			}
			fmt.Fprintf(
				w, "%s\t%d\t%s\t%s\t%s\n",
				m.Name, m.Version, m.CreatedAt.Local().Format(time.RFC3339), rotated, formatLabels(m.Labels),
			)
		}
		return w.Flush()
	},
}

// formatLabels renders labels as sorted key=value pairs.
func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return "-"
	}
	pairs := make([]string, 0, len(labels))
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		pairs = append(pairs, k+"="+labels[k])
	}
	return strings.Join(pairs, ",")
}

// readValue reads the secret value for store and rotate.
func readValue(cmd *cobra.Command) ([]byte, error) {
	path, _ := cmd.Flags().GetString("from-file")
	switch {
	case path != "" && path != "-":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading value: %w", err)
		}
		return b, nil
	case path == "" && term.IsTerminal(int(os.Stdin.Fd())): //nolint:gosec
		return promptSecret("Secret value: ")
	}

	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("reading value from stdin: %w", err)
	}
	if bytes.HasSuffix(b, []byte("\r\n")) {
		return b[:len(b)-2], nil
	}
	return bytes.TrimSuffix(b, []byte("\n")), nil
}
