// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(workspaceCmd)
	workspaceCmd.AddCommand(workspaceCreateCmd, workspaceDeleteCmd, workspaceListCmd)
	workspaceDeleteCmd.Flags().Bool("yes", false, "do not ask for confirmation")
}

var workspaceCmd = &cobra.Command{
	Use:     "workspace",
	Aliases: []string{"ws"},
	Short:   "Manage workspaces",
	Long: `Workspaces isolate secrets from each other. The callers granted access to
a workspace are fixed when it is created: its owner plus the callers the
configuration grants it at that time.`,
}

var workspaceCreateCmd = &cobra.Command{
	Use:   "create <id>",
	Short: "Create a workspace owned by the caller",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := openVault(cmd)
		if err != nil {
			return err
		}
		defer v.Close() //nolint:errcheck

		ws, err := v.CreateWorkspace(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outputFormat != "table" {
			return formatOutput(ws)
		}
		fmt.Printf("Workspace %s owned by %s, granted to %s\n", ws.ID, ws.Owner, strings.Join(ws.Grants, ", "))
		return nil
	},
}

var workspaceDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a workspace and all of its secrets",
	Long: `Delete every secret of a workspace and then the workspace itself. Only the
owner can delete a workspace, and a deleted id cannot be created again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			fmt.Fprintf(os.Stderr, "Delete workspace %s and all of its secrets? [y/N] ", args[0])
			var answer string
			fmt.Scanln(&answer) //nolint:errcheck,gosec
			if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
				return fmt.Errorf("aborted")
			}
		}

		v, err := openVault(cmd)
		if err != nil {
			return err
		}
		defer v.Close() //nolint:errcheck

		if err := v.DeleteWorkspace(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Workspace %s deleted\n", args[0])
		return nil
	},
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		v, err := openVault(cmd)
		if err != nil {
			return err
		}
		defer v.Close() //nolint:errcheck

		all, err := v.Workspaces(cmd.Context())
		if err != nil {
			return err
		}

		if outputFormat != "table" {
			if len(all) == 0 {
				fmt.Println("[]")
				return nil
			}
			return formatOutput(all)
		}

		if len(all) == 0 {
			fmt.Println("No workspaces. Use 'avp workspace create' to create one.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tOWNER\tSTATE\tCREATED\tGRANTS")
		for _, ws := range all {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				ws.ID, ws.Owner, ws.State, ws.CreatedAt.Local().Format(time.RFC3339), strings.Join(ws.Grants, ","))
		}
		return w.Flush()
	},
}
