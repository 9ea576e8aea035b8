package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blebridge/internal/bridge"
	"github.com/srg/blebridge/internal/device"
)

// stateCmd represents the state command
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the Bluetooth adapter state",
	Long: `Queries the adapter once and prints its availability and power state.

Example:
  blebridge state
  blebridge state --config blebridge.yaml`,
	Args: cobra.NoArgs,
	RunE: runState,
}

// methodsCmd represents the methods command
var methodsCmd = &cobra.Command{
	Use:   "methods",
	Short: "List the method names served by 'serve'",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(bridge.Methods(), "\n"))
	},
}

func runState(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	b, cleanup, err := openBridge(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if !b.IsAvailable() {
		return device.ErrUnavailable
	}
	state, err := b.State()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Adapter: %s\n", stateColor(state).Sprint(state.String()))
	return nil
}

func stateColor(state device.AdapterState) *color.Color {
	switch state {
	case device.AdapterStateOn:
		return color.New(color.FgGreen)
	case device.AdapterStateOff, device.AdapterStateUnauthorized, device.AdapterStateUnavailable:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgYellow)
	}
}
