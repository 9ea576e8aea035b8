//go:build test

package bluez

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/srg/blebridge/internal/device"
	"github.com/stretchr/testify/assert"
)

const adapterPath = dbus.ObjectPath("/org/bluez/hci0")

func TestDevicePath(t *testing.T) {
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"), devicePath(adapterPath, "aa:bb:cc:dd:ee:ff"))
}

func TestPowerState(t *testing.T) {
	tests := []struct {
		name  string
		props map[string]dbus.Variant
		want  device.AdapterState
		found bool
	}{
		{"power state on", map[string]dbus.Variant{"PowerState": dbus.MakeVariant("on")}, device.AdapterStateOn, true},
		{"enabling", map[string]dbus.Variant{"PowerState": dbus.MakeVariant("off-enabling")}, device.AdapterStateTurningOn, true},
		{"disabling", map[string]dbus.Variant{"PowerState": dbus.MakeVariant("on-disabling")}, device.AdapterStateTurningOff, true},
		{"blocked", map[string]dbus.Variant{"PowerState": dbus.MakeVariant("off-blocked")}, device.AdapterStateOff, true},
		{"powered fallback", map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)}, device.AdapterStateOn, true},
		{"power state wins", map[string]dbus.Variant{"Powered": dbus.MakeVariant(true), "PowerState": dbus.MakeVariant("on-disabling")}, device.AdapterStateTurningOff, true},
		{"unrelated", map[string]dbus.Variant{"Discovering": dbus.MakeVariant(true)}, device.AdapterStateUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := powerState(tt.props)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.found, found)
		})
	}
}

func TestParseSignal(t *testing.T) {
	c := &Client{adapter: adapterPath}

	sig := &dbus.Signal{
		Path: adapterPath,
		Name: propsInterface + ".PropertiesChanged",
		Body: []interface{}{adapterInterface, map[string]dbus.Variant{"Powered": dbus.MakeVariant(false)}, []string{}},
	}
	state, ok := c.parseSignal(sig)
	assert.True(t, ok, "MUST accept adapter power changes")
	assert.Equal(t, device.AdapterStateOff, state)

	other := *sig
	other.Path = devicePath(adapterPath, "AA:BB:CC:DD:EE:FF")
	_, ok = c.parseSignal(&other)
	assert.False(t, ok, "MUST ignore other objects")

	_, ok = c.parseSignal(nil)
	assert.False(t, ok)
}

func TestBondedDevices(t *testing.T) {
	objects := map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		adapterPath: {adapterInterface: {"Powered": dbus.MakeVariant(true)}},
		devicePath(adapterPath, "11:22:33:44:55:66"): {deviceInterface: {
			"Address":     dbus.MakeVariant("11:22:33:44:55:66"),
			"Name":        dbus.MakeVariant("HRM"),
			"Paired":      dbus.MakeVariant(true),
			"AddressType": dbus.MakeVariant("random"),
		}},
		devicePath(adapterPath, "AA:AA:AA:AA:AA:AA"): {deviceInterface: {
			"Address": dbus.MakeVariant("AA:AA:AA:AA:AA:AA"),
			"Paired":  dbus.MakeVariant(false),
		}},
		devicePath("/org/bluez/hci1", "BB:BB:BB:BB:BB:BB"): {deviceInterface: {
			"Address": dbus.MakeVariant("BB:BB:BB:BB:BB:BB"),
			"Paired":  dbus.MakeVariant(true),
		}},
	}

	got := bondedDevices(adapterPath, objects)
	assert.Equal(t, []device.DeviceInfo{{RemoteID: "11:22:33:44:55:66", Name: "HRM", Type: device.DeviceTypeLE}}, got,
		"MUST list only paired devices of this adapter")
}

func TestNormalizeError(t *testing.T) {
	denied := dbus.Error{Name: "org.freedesktop.DBus.Error.AccessDenied", Body: []interface{}{"denied"}}
	assert.ErrorIs(t, normalizeError(denied), device.ErrUnauthorized)

	notReady := dbus.Error{Name: "org.bluez.Error.NotReady"}
	assert.ErrorIs(t, normalizeError(notReady), device.ErrHardwareRejected)

	assert.ErrorIs(t, normalizeError(errors.New("broken pipe")), device.ErrHardwareRejected)
	assert.NoError(t, normalizeError(nil))
}
