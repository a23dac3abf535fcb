// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/carabiner-dev/avp/internal/audit"
)

// formatOutput prints v in the selected machine readable format.
func formatOutput(v any) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unsupported output format %q", outputFormat)
}

var (
	okColor     = color.New(color.FgGreen).SprintFunc()
	deniedColor = color.New(color.FgRed, color.Bold).SprintFunc()
	errorColor  = color.New(color.FgYellow).SprintFunc()
)

func colorResult(r audit.Result) string {
	switch r {
	case audit.ResultOK:
		return okColor(string(r))
	case audit.ResultDenied:
		return deniedColor(string(r))
	default:
		return errorColor(string(r))
	}
}
