package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion renders "1.2.0" as "v1.2.0" and leaves "dev" alone.
func formatVersion(ver string) string {
	if ver == "" || !unicode.IsDigit(rune(ver[0])) {
		return ver
	}
	return "v" + ver
}

var rootCmd = &cobra.Command{
	Use:   "blebridge",
	Short: "Bluetooth Low Energy bridge for application runtimes",
	Long: `Bluetooth Low Energy (BLE) bridge that serves a message based API:

- Adapter availability, power state and power control
- Scanning with duplicate filtering and service UUID filters
- Connections, pairing and bonds
- Service discovery, characteristic and descriptor reads and writes
- Notifications, indications, MTU negotiation and RSSI

Calls are read as JSON lines on stdin; results and events are written as JSON lines on stdout.`,
	Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
}

func main() {
	err := rootCmd.Execute()
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		// interrupted serve sessions end quietly
	default:
		fmt.Fprintf(os.Stderr, "%s %s\n", color.New(color.FgRed, color.Bold).Sprint("ERROR:"), FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// main prints errors through FormatUserError
	rootCmd.SilenceErrors = true
	rootCmd.AddCommand(serveCmd, stateCmd, methodsCmd)

	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	flags.String("config", "", "Path to a YAML configuration file")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
