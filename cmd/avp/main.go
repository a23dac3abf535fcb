// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Command avp stores and retrieves agent credentials in an encrypted vault.
package main

import (
	"os"

	"github.com/carabiner-dev/avp/cmd/avp/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(cmd.ExitCode(err))
	}
}
