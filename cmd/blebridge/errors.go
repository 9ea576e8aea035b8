package main

import (
	"errors"
	"fmt"

	"github.com/srg/blebridge/internal/device"
)

// Command-level errors
var (
	// ErrInputClosed indicates stdin was closed while calls were still pending.
	ErrInputClosed = errors.New("input closed")
)

// FormatUserError turns an error into a one-line message for the terminal.
func FormatUserError(err error) string {
	switch device.Category(err) {
	case device.CategoryUnavailable:
		return "Bluetooth is not available on this machine"
	case device.CategoryNoPermission:
		return fmt.Sprintf("Permission required: %v", err)
	case device.CategoryUnauthorized:
		return "Access to the Bluetooth adapter was denied; check the D-Bus policy or system settings"
	case device.CategoryUnsupported:
		return fmt.Sprintf("Not supported on this platform: %v", err)
	case device.CategoryNotConnected:
		return fmt.Sprintf("Device is not connected: %v", err)
	case device.CategoryHardwareRejected:
		return fmt.Sprintf("Bluetooth stack refused the request: %v", err)
	default:
		return err.Error()
	}
}
