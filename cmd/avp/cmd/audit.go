// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/carabiner-dev/avp/secrets"
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().String("since", "", "only entries newer than a duration (24h) or an RFC 3339 time")
}

var auditCmd = &cobra.Command{
	Use:   "audit [workspace]",
	Short: "Export the audit log",
	Long: `Print the audit log, oldest entry first. Without a workspace every entry
is printed. The json output has one entry per line and the yaml output one
document per entry, so large logs stream without being held in memory.

Examples:
  avp audit dev --since 24h
  avp audit -o json | jq 'select(.result == "denied")'`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ws string
		if len(args) == 1 {
			ws = args[0]
		}
		sinceFlag, _ := cmd.Flags().GetString("since")
		since, err := parseSince(sinceFlag, time.Now())
		if err != nil {
			return err
		}

		v, err := openVault(cmd)
		if err != nil {
			return err
		}
		defer v.Close() //nolint:errcheck

		entries := v.Audit(cmd.Context(), ws, since)
		switch outputFormat {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			for e, err := range entries {
				if err != nil {
					return err
				}
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			for e, err := range entries {
				if err != nil {
					return err
				}
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return enc.Close()
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tWORKSPACE\tSECRET\tACTION\tCALLER\tVERSION\tRESULT")
		for e, err := range entries {
			if err != nil {
				w.Flush() //nolint:errcheck,gosec
				return err
			}
			version := "-"
			if e.Version > 0 {
				version = fmt.Sprint(e.Version)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				e.Timestamp.Local().Format(time.RFC3339), e.WorkspaceID, e.SecretName,
				e.Action, e.Caller, version, colorResult(e.Result))
		}
		return w.Flush()
	},
}

// parseSince accepts a duration back from now or an absolute time.
func parseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: --since %q is neither a duration nor an RFC 3339 time", secrets.ErrInvalidArgument, s)
	}
	return t, nil
}
