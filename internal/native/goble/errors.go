package goble

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/blebridge/internal/device"
)

// ErrPoweredOff is reported when the native stack refuses work because the radio is off.
var ErrPoweredOff = errors.New("bluetooth is turned off")

// NormalizeError maps known go-ble error strings to the bridge error kinds.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "central manager has invalid state: have=4 want=5"),
		containsIgnoreCase(msg, "bluetooth is turned off"):
		return &device.HardwareError{Op: "bluetooth", Reason: msg, Err: fmt.Errorf("%w: %v", ErrPoweredOff, err)}
	case containsIgnoreCase(msg, "unauthorized"), containsIgnoreCase(msg, "have=3 want=5"):
		return fmt.Errorf("%w: %v", device.ErrUnauthorized, err)
	case containsIgnoreCase(msg, "unsupported"), containsIgnoreCase(msg, "have=2 want=5"):
		return fmt.Errorf("%w: %v", device.ErrUnsupported, err)
	default:
		return device.NormalizeError(err)
	}
}

// statusOf turns the result of a native call into the completion status.
// ATT protocol errors keep their code; everything else is a generic failure.
func statusOf(err error) device.GattStatus {
	if err == nil {
		return device.StatusSuccess
	}
	var attErr ble.ATTError
	if errors.As(err, &attErr) && attErr != 0 {
		return device.GattStatus(attErr)
	}
	if errors.Is(NormalizeError(err), device.ErrNotConnected) {
		return device.StatusDisconnected
	}
	return device.StatusFailure
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
