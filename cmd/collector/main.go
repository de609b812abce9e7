package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command when called without any subcommands, matching
// the teacher's cmd/blim/main.go shape: a single persistent --log-level flag
// and subcommands registered in init.
var rootCmd = &cobra.Command{
	Use:   "ble-collector",
	Short: "Bluetooth Low Energy peripheral collector",
	Long: `A long-running service that discovers BLE peripherals, matches them
against a declarative configuration, maintains per-characteristic read/
subscribe data flows, and fans decoded values out to an in-memory API store,
a Prometheus metrics registry, and an MQTT broker.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently.
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence cobra's own "Error:" prefix - main() prints its own clean
	// message instead.
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(serveCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); falls back to $BLE_LOG")
}
