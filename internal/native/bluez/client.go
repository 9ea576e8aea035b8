// Package bluez controls the host radio through the BlueZ D-Bus API: power
// state, power broadcasts, pairing and bonds.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/device"
	"github.com/srg/blebridge/internal/groutine"
)

const (
	busName          = "org.bluez"
	adapterInterface = "org.bluez.Adapter1"
	deviceInterface  = "org.bluez.Device1"
	propsInterface   = "org.freedesktop.DBus.Properties"
	objectManager    = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"

	// DefaultAdapter is the adapter used when none is configured.
	DefaultAdapter = "hci0"
)

// Client talks to one BlueZ adapter object.
type Client struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
	logger  *logrus.Logger
}

// Open connects to the system bus and checks that the adapter exists.
func Open(name string, logger *logrus.Logger) (*Client, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if name == "" {
		name = DefaultAdapter
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: system bus: %v", device.ErrUnavailable, err)
	}
	c := &Client{conn: conn, adapter: dbus.ObjectPath("/org/bluez/" + name), logger: logger}
	if _, err := c.object().GetProperty(adapterInterface + ".Address"); err != nil {
		return nil, fmt.Errorf("%w: adapter %s: %v", device.ErrUnavailable, name, err)
	}
	return c, nil
}

func (c *Client) object() dbus.BusObject {
	return c.conn.Object(busName, c.adapter)
}

// State reads PowerState, falling back to Powered on BlueZ versions without it.
func (c *Client) State() (device.AdapterState, error) {
	props := make(map[string]dbus.Variant, 2)
	if v, err := c.object().GetProperty(adapterInterface + ".PowerState"); err == nil {
		props["PowerState"] = v
	} else {
		v, err := c.object().GetProperty(adapterInterface + ".Powered")
		if err != nil {
			return device.AdapterStateUnknown, normalizeError(err)
		}
		props["Powered"] = v
	}
	state, _ := powerState(props)
	return state, nil
}

// WatchState forwards adapter power changes to onChange until stop is called.
// The match rule is added on subscribe and removed on stop.
func (c *Client) WatchState(onChange func(device.AdapterState)) (func(), error) {
	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(c.adapter),
		dbus.WithMatchInterface(propsInterface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if err := c.conn.AddMatchSignal(match...); err != nil {
		return nil, normalizeError(err)
	}

	signals := make(chan *dbus.Signal, 16)
	c.conn.Signal(signals)
	ctx, cancel := context.WithCancel(context.Background())

	groutine.Go(ctx, "bluez-power-watch", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if state, ok := c.parseSignal(sig); ok {
					onChange(state)
				}
			}
		}
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			c.conn.RemoveSignal(signals)
			if err := c.conn.RemoveMatchSignal(match...); err != nil {
				c.logger.WithError(err).Debug("Failed to remove power match rule")
			}
		})
	}, nil
}

func (c *Client) parseSignal(sig *dbus.Signal) (device.AdapterState, bool) {
	if sig == nil || sig.Path != c.adapter || sig.Name != propsInterface+".PropertiesChanged" || len(sig.Body) < 2 {
		return device.AdapterStateUnknown, false
	}
	if iface, _ := sig.Body[0].(string); iface != adapterInterface {
		return device.AdapterStateUnknown, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return device.AdapterStateUnknown, false
	}
	return powerState(changed)
}

// SetPowered switches the radio; completion is observed through WatchState.
func (c *Client) SetPowered(on bool) error {
	c.logger.WithField("powered", on).Info("Switching adapter power")
	return normalizeError(c.object().SetProperty(adapterInterface+".Powered", dbus.MakeVariant(on)))
}

// BondedDevices lists the paired devices known to the adapter.
func (c *Client) BondedDevices() ([]device.DeviceInfo, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := c.conn.Object(busName, "/").Call(objectManager, 0).Store(&objects)
	if err != nil {
		return nil, normalizeError(err)
	}
	return bondedDevices(c.adapter, objects), nil
}

// Pair starts bonding with address. The outcome is only logged.
func (c *Client) Pair(address string) error {
	path := devicePath(c.adapter, address)
	log := c.logger.WithField("address", address)

	groutine.Go(context.Background(), "bluez-pair", func(context.Context) {
		if err := c.conn.Object(busName, path).Call(deviceInterface+".Pair", 0).Err; err != nil {
			log.WithError(normalizeError(err)).Warn("Pairing failed")
			return
		}
		log.Info("Paired")
	})
	return nil
}

// RemoveBond removes the device object, and with it the bond.
func (c *Client) RemoveBond(address string) (bool, error) {
	path := devicePath(c.adapter, address)
	if err := c.object().Call(adapterInterface+".RemoveDevice", 0, path).Err; err != nil {
		return false, normalizeError(err)
	}
	return true, nil
}

// Close releases the bus connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// devicePath builds the BlueZ object path of a remote: /org/bluez/hci0/dev_AA_BB_...
func devicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_"))
}

// powerState reads PowerState or Powered out of a property set.
func powerState(props map[string]dbus.Variant) (device.AdapterState, bool) {
	if v, ok := props["PowerState"]; ok {
		s, _ := v.Value().(string)
		switch s {
		case "on":
			return device.AdapterStateOn, true
		case "off", "off-blocked":
			return device.AdapterStateOff, true
		case "off-enabling":
			return device.AdapterStateTurningOn, true
		case "on-disabling":
			return device.AdapterStateTurningOff, true
		default:
			return device.AdapterStateUnknown, true
		}
	}
	if v, ok := props["Powered"]; ok {
		if on, _ := v.Value().(bool); on {
			return device.AdapterStateOn, true
		}
		return device.AdapterStateOff, true
	}
	return device.AdapterStateUnknown, false
}

func bondedDevices(adapter dbus.ObjectPath, objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant) []device.DeviceInfo {
	prefix := string(adapter) + "/"
	var out []device.DeviceInfo
	for path, ifaces := range objects {
		props, ok := ifaces[deviceInterface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if paired, _ := props["Paired"].Value().(bool); !paired {
			continue
		}
		info := device.DeviceInfo{Type: device.DeviceTypeUnknown}
		info.RemoteID, _ = props["Address"].Value().(string)
		if name, ok := props["Alias"].Value().(string); ok {
			info.Name = name
		}
		if name, ok := props["Name"].Value().(string); ok {
			info.Name = name
		}
		if kind, _ := props["AddressType"].Value().(string); kind == "random" {
			info.Type = device.DeviceTypeLE
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

// normalizeError maps BlueZ error names onto the bridge error kinds.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	var dbusErr dbus.Error
	if !errors.As(err, &dbusErr) {
		var ptr *dbus.Error
		if !errors.As(err, &ptr) {
			return device.NewHardwareError("bluez", err)
		}
		dbusErr = *ptr
	}
	switch {
	case strings.HasSuffix(dbusErr.Name, "AccessDenied"), strings.HasSuffix(dbusErr.Name, "NotAuthorized"):
		return fmt.Errorf("%w: %v", device.ErrUnauthorized, err)
	case strings.HasSuffix(dbusErr.Name, "NotSupported"):
		return fmt.Errorf("%w: %v", device.ErrUnsupported, err)
	case strings.HasSuffix(dbusErr.Name, "DoesNotExist"), strings.HasSuffix(dbusErr.Name, "UnknownObject"):
		return &device.NotFoundError{Resource: "device"}
	default:
		return device.NewHardwareError("bluez", err)
	}
}
