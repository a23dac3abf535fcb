// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Command avp-device runs an emulated secure element for the hardware
// backend of avp and lets a user press its presence button.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/carabiner-dev/avp/internal/device"
)

var (
	socketPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:           "avp-device",
	Short:         "Emulated secure element for avp",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		level := slog.LevelInfo
		if debug {
			level = slog.LevelDebug
		}
		logger := clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		cmd.SetContext(clog.WithLogger(cmd.Context(), logger))
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the secure element daemon",
	Long: `Run an emulated secure element on a unix socket. The master key is
generated at startup and never leaves the process, so envelopes sealed by a
previous run cannot be opened again.

Retrievals wait for the presence button. Press it with 'avp-device touch'
or pass --auto-confirm for unattended use.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		pinEnv, _ := cmd.Flags().GetString("pin-env")
		autoConfirm, _ := cmd.Flags().GetBool("auto-confirm")
		slots, _ := cmd.Flags().GetInt("slots")
		allowed, _ := cmd.Flags().GetStringSlice("allow")
		tokenTTL, _ := cmd.Flags().GetDuration("presence-ttl")

		el, err := device.NewElement(device.Config{
			PIN:         os.Getenv(pinEnv),
			AutoConfirm: autoConfirm,
			Slots:       slots,
			TokenTTL:    tokenTTL,
		})
		if err != nil {
			return err
		}
		return device.NewServer(el, device.ServerOptions{
			SocketPath:     socketPath,
			AllowedClients: allowed,
		}).Run(cmd.Context())
	},
}

var touchCmd = &cobra.Command{
	Use:   "touch",
	Short: "Press the presence button",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *device.Client) error {
			n, err := c.Touch(ctx)
			if err != nil {
				return err
			}
			if n == 0 {
				fmt.Println("No presence request was pending.")
				return nil
			}
			color.New(color.FgGreen).Printf("Confirmed %d presence request(s).\n", n) //nolint:errcheck,gosec
			return nil
		})
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the state of the secure element",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *device.Client) error {
			info, err := c.Info(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Device:        %s\n", info.DeviceID)
			fmt.Printf("Element:       %s (firmware %s)\n", info.SecureElement, info.Firmware)
			fmt.Printf("Slots:         %d/%d used\n", info.SlotsUsed, info.SlotsTotal)
			fmt.Printf("Locked:        %t\n", info.Locked)
			fmt.Printf("PIN attempts:  %d left\n", info.PINAttemptsLeft)
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", defaultSocket(), "unix socket of the device")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	serveCmd.Flags().String("pin-env", "AVP_DEVICE_PIN", "environment variable holding the device PIN")
	serveCmd.Flags().Bool("auto-confirm", false, "confirm every presence request without a touch")
	serveCmd.Flags().Int("slots", device.DefaultSlots, "number of key slots")
	serveCmd.Flags().StringSlice("allow", nil, "SHA256 digests of client binaries allowed to connect")
	serveCmd.Flags().Duration("presence-ttl", device.DefaultTokenTTL, "lifetime of a presence confirmation")

	rootCmd.AddCommand(serveCmd, touchCmd, infoCmd)
}

func defaultSocket() string {
	if p := os.Getenv("AVP_DEVICE_SOCKET"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "avp-device.sock")
}

func withClient(ctx context.Context, fn func(context.Context, *device.Client) error) error {
	conn, err := device.Dial(socketPath)
	if err != nil {
		return err
	}
	defer conn.Close() //nolint:errcheck

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := fn(ctx, device.NewClient(conn)); err != nil {
		return fmt.Errorf("device at %s: %w", socketPath, err)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !term.IsTerminal(int(os.Stdout.Fd())) { //nolint:gosec
		color.NoColor = true
	}
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err) //nolint:errcheck,gosec
		stop()
		os.Exit(1)
	}
}
