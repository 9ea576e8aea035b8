//go:build !darwin && !linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blebridge/internal/device"
)

// DeviceFactory reports that this platform has no supported BLE stack.
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return nil, device.ErrUnavailable
}
