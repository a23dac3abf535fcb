// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/carabiner-dev/avp/internal/backend/hardware"
	"github.com/carabiner-dev/avp/internal/device"
)

func init() {
	rootCmd.AddCommand(deviceCmd)
	deviceCmd.AddCommand(deviceInfoCmd)
}

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Inspect the secure element of a hardware vault",
}

var deviceInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the state of the secure element",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := hardware.ParseParams(vaultOptions.BackendParams)
		if err != nil {
			return err
		}
		conn, err := device.Dial(cfg.Address)
		if err != nil {
			return err
		}
		defer conn.Close() //nolint:errcheck

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.CallTimeout)
		defer cancel()
		info, err := device.NewClient(conn).Info(ctx)
		if err != nil {
			return fmt.Errorf("querying device at %s: %w", cfg.Address, err)
		}

		if outputFormat != "table" {
			return formatOutput(info)
		}
		fmt.Printf("Device:        %s\n", info.DeviceID)
		fmt.Printf("Element:       %s (firmware %s)\n", info.SecureElement, info.Firmware)
		fmt.Printf("Slots:         %d/%d used\n", info.SlotsUsed, info.SlotsTotal)
		fmt.Printf("Locked:        %t\n", info.Locked)
		fmt.Printf("PIN attempts:  %d left\n", info.PINAttemptsLeft)
		if info.Tamper {
			fmt.Println(deniedColor("Tamper:        device was wiped after repeated PIN failures"))
		}
		return nil
	},
}
