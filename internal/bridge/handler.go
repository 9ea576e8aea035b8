package bridge

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/device"
)

// Call is one method invocation from the caller.
type Call struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// Result receives the outcome of one call exactly once. Gated methods answer
// from the goroutine that resumed them.
type Result interface {
	Success(value any)
	Error(category, detail string)
	NotImplemented()
}

// ConnectRequest is the argument of "connect".
type ConnectRequest struct {
	RemoteID    string `json:"remote_id"`
	AutoConnect bool   `json:"auto_connect"`
}

// WriteCharacteristicRequest is the argument of "writeCharacteristic".
type WriteCharacteristicRequest struct {
	device.GattPath
	Value     []byte           `json:"value"`
	WriteType device.WriteType `json:"write_type"`
}

// WriteDescriptorRequest is the argument of "writeDescriptor".
type WriteDescriptorRequest struct {
	device.GattPath
	Value []byte `json:"value"`
}

// SetNotificationRequest is the argument of "setNotification".
type SetNotificationRequest struct {
	device.GattPath
	Enable bool `json:"enable"`
}

// MtuRequest is the argument of "requestMtu".
type MtuRequest struct {
	RemoteID string `json:"remote_id"`
	MTU      int    `json:"mtu"`
}

type handlerFunc func(b *Bridge, args json.RawMessage, r Result)

// methods maps the caller's method names onto bridge operations.
var methods = map[string]handlerFunc{
	"setLogLevel": func(b *Bridge, args json.RawMessage, r Result) {
		var level int
		if decode(args, &level, r) {
			reply(r, nil, b.SetLogLevel(level))
		}
	},
	"state": func(b *Bridge, _ json.RawMessage, r Result) {
		state, err := b.State()
		reply(r, state, err)
	},
	"isAvailable": func(b *Bridge, _ json.RawMessage, r Result) {
		r.Success(b.IsAvailable())
	},
	"isOn": func(b *Bridge, _ json.RawMessage, r Result) {
		on, err := b.IsOn()
		reply(r, on, err)
	},
	"turnOn": func(b *Bridge, _ json.RawMessage, r Result) {
		ok, err := b.TurnOn()
		reply(r, ok, err)
	},
	"turnOff": func(b *Bridge, _ json.RawMessage, r Result) {
		ok, err := b.TurnOff()
		reply(r, ok, err)
	},
	"pair": withAddress(func(b *Bridge, address string, r Result) {
		reply(r, nil, b.Pair(address))
	}),
	"removeBond": withAddress(func(b *Bridge, address string, r Result) {
		removed, err := b.RemoveBond(address)
		reply(r, removed, err)
	}),
	"startScan": func(b *Bridge, args json.RawMessage, r Result) {
		var settings device.ScanSettings
		if len(args) > 0 && !decode(args, &settings, r) {
			return
		}
		b.StartScan(settings, func(err error) { reply(r, nil, err) })
	},
	"stopScan": func(b *Bridge, _ json.RawMessage, r Result) {
		reply(r, nil, b.StopScan())
	},
	"getConnectedDevices": func(b *Bridge, _ json.RawMessage, r Result) {
		b.ConnectedDevices(func(devices []device.DeviceInfo, err error) {
			reply(r, devices, err)
		})
	},
	"getBondedDevices": func(b *Bridge, _ json.RawMessage, r Result) {
		devices, err := b.BondedDevices()
		reply(r, devices, err)
	},
	"connect": func(b *Bridge, args json.RawMessage, r Result) {
		var req ConnectRequest
		if decode(args, &req, r) {
			b.Connect(req.RemoteID, req.AutoConnect, func(err error) { reply(r, nil, err) })
		}
	},
	"disconnect": withAddress(func(b *Bridge, address string, r Result) {
		reply(r, nil, b.Disconnect(address))
	}),
	"deviceState": withAddress(func(b *Bridge, address string, r Result) {
		state, err := b.DeviceState(address)
		reply(r, state, err)
	}),
	"discoverServices": withAddress(func(b *Bridge, address string, r Result) {
		reply(r, nil, b.DiscoverServices(address))
	}),
	"services": withAddress(func(b *Bridge, address string, r Result) {
		services, err := b.Services(address)
		reply(r, device.DiscoverServicesResult{RemoteID: address, Services: services}, err)
	}),
	"readCharacteristic": withPath(func(b *Bridge, path device.GattPath, r Result) {
		reply(r, nil, b.ReadCharacteristic(path))
	}),
	"readDescriptor": withPath(func(b *Bridge, path device.GattPath, r Result) {
		reply(r, nil, b.ReadDescriptor(path))
	}),
	"writeCharacteristic": func(b *Bridge, args json.RawMessage, r Result) {
		var req WriteCharacteristicRequest
		if decode(args, &req, r) {
			reply(r, nil, b.WriteCharacteristic(req.GattPath, req.Value, req.WriteType))
		}
	},
	"writeDescriptor": func(b *Bridge, args json.RawMessage, r Result) {
		var req WriteDescriptorRequest
		if decode(args, &req, r) {
			reply(r, nil, b.WriteDescriptor(req.GattPath, req.Value))
		}
	},
	"setNotification": func(b *Bridge, args json.RawMessage, r Result) {
		var req SetNotificationRequest
		if decode(args, &req, r) {
			reply(r, nil, b.SetNotification(req.GattPath, req.Enable))
		}
	},
	"mtu": withAddress(func(b *Bridge, address string, r Result) {
		mtu, err := b.MTU(address)
		reply(r, device.MtuSizeResponse{RemoteID: address, MTU: mtu}, err)
	}),
	"requestMtu": func(b *Bridge, args json.RawMessage, r Result) {
		var req MtuRequest
		if decode(args, &req, r) {
			reply(r, nil, b.RequestMTU(req.RemoteID, req.MTU))
		}
	},
	"readRssi": withAddress(func(b *Bridge, address string, r Result) {
		reply(r, nil, b.ReadRSSI(address))
	}),
}

// Handle dispatches call to its operation. Without a radio only "isAvailable"
// is served; unknown methods answer NotImplemented.
func (b *Bridge) Handle(call Call, r Result) {
	b.logger.WithFields(logrus.Fields{"method": call.Method, "id": call.ID}).Debug("Handling call")

	if !b.IsAvailable() && call.Method != "isAvailable" {
		fail(r, device.ErrUnavailable)
		return
	}
	handler, ok := methods[call.Method]
	if !ok {
		r.NotImplemented()
		return
	}
	handler(b, call.Args, r)
}

// Methods lists the method names Handle serves, sorted.
func Methods() []string {
	names := make([]string, 0, len(methods))
	for name := range methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetLogLevel maps the caller's eight levels (0 emergency .. 7 debug) onto the logger.
func (b *Bridge) SetLogLevel(level int) error {
	levels := []logrus.Level{
		logrus.PanicLevel, // emergency
		logrus.FatalLevel, // alert
		logrus.ErrorLevel, // critical
		logrus.ErrorLevel,
		logrus.WarnLevel,
		logrus.InfoLevel, // notice
		logrus.InfoLevel,
		logrus.DebugLevel,
	}
	if level < 0 || level >= len(levels) {
		return fmt.Errorf("%w: log level must be in 0..7, got %d", device.ErrInvalidArgument, level)
	}
	b.logger.SetLevel(levels[level])
	return nil
}

func withAddress(fn func(b *Bridge, address string, r Result)) handlerFunc {
	return func(b *Bridge, args json.RawMessage, r Result) {
		var address string
		if decode(args, &address, r) {
			fn(b, address, r)
		}
	}
}

func withPath(fn func(b *Bridge, path device.GattPath, r Result)) handlerFunc {
	return func(b *Bridge, args json.RawMessage, r Result) {
		var path device.GattPath
		if decode(args, &path, r) {
			fn(b, path, r)
		}
	}
}

func decode(args json.RawMessage, v any, r Result) bool {
	if len(args) == 0 {
		fail(r, fmt.Errorf("%w: missing arguments", device.ErrInvalidArgument))
		return false
	}
	if err := json.Unmarshal(args, v); err != nil {
		fail(r, fmt.Errorf("%w: %v", device.ErrInvalidArgument, err))
		return false
	}
	return true
}

func reply(r Result, value any, err error) {
	if err != nil {
		fail(r, err)
		return
	}
	r.Success(value)
}

func fail(r Result, err error) {
	r.Error(device.Category(err), err.Error())
}
