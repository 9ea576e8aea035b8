// Package bridge is the caller-facing operation surface. It gates requests
// behind runtime permissions, routes them through the connection cache and the
// GATT correlator, and pushes every asynchronous result to one attached sink.
package bridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/adapterstate"
	"github.com/srg/blebridge/internal/connection"
	"github.com/srg/blebridge/internal/device"
	"github.com/srg/blebridge/internal/dispatch"
	"github.com/srg/blebridge/internal/gatt"
	"github.com/srg/blebridge/internal/permission"
	"github.com/srg/blebridge/internal/scanner"
)

const (
	// DefaultEventBuffer is the default depth of the ordered event queue.
	DefaultEventBuffer = 256

	// DefaultScanRingSize is the default capacity of the scan result ring.
	DefaultScanRingSize = 1024
)

// Options contains all the configuration for creating a bridge
type Options struct {
	Adapter      device.Adapter      // Native radio (nil when the host has no Bluetooth)
	Permissions  permission.Platform // Runtime permission platform (nil = nothing is gated)
	Logger       *logrus.Logger      // Logger instance
	DefaultMTU   int                 // MTU assumed until renegotiated (0 = 20)
	GattTimeout  time.Duration       // GATT operation timeout (0 = wait forever)
	EventBuffer  int                 // Ordered event queue depth (0 = use default)
	ScanRingSize uint32              // Scan result ring capacity (0 = use default)
}

// Bridge serves the operations of one caller.
type Bridge struct {
	adapter    device.Adapter
	logger     *logrus.Logger
	gate       *permission.Gate
	dedup      *scanner.Deduplicator
	cache      *connection.Cache
	gatt       *gatt.Correlator
	dispatcher *dispatch.Dispatcher
	observer   *adapterstate.Observer

	mu       sync.Mutex
	stateSub *adapterstate.Subscription
	closed   bool
}

// New creates a bridge and starts its event pump.
func New(opts *Options) (*Bridge, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	eventBuffer := opts.EventBuffer
	if eventBuffer == 0 {
		eventBuffer = DefaultEventBuffer
	}
	ringSize := opts.ScanRingSize
	if ringSize == 0 {
		ringSize = DefaultScanRingSize
	}

	dispatcher, err := dispatch.New(eventBuffer, ringSize, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create event dispatcher: %w", err)
	}

	b := &Bridge{
		adapter:    opts.Adapter,
		logger:     logger,
		gate:       permission.NewGate(opts.Permissions, logger),
		dedup:      scanner.NewDeduplicator(logger),
		dispatcher: dispatcher,
	}
	b.cache = connection.NewCache(opts.Adapter, opts.DefaultMTU, logger)
	b.gatt = gatt.New(b.cache, dispatcher.Publish, opts.GattTimeout, logger)

	var src adapterstate.Source
	if opts.Adapter != nil {
		src = opts.Adapter
	}
	b.observer = adapterstate.New(src, dispatcher.Publish, logger)
	b.observer.OnChange(b.onAdapterState)

	// A platform answering prompts on its own needs the gate's result entry point.
	if binder, ok := opts.Permissions.(interface {
		Bind(respond func(token int, capability string, granted bool) bool)
	}); ok {
		binder.Bind(b.gate.OnResult)
	}

	if err := dispatcher.Start(); err != nil {
		return nil, fmt.Errorf("failed to start event dispatcher: %w", err)
	}
	return b, nil
}

// Attach makes sink the receiver of every event and starts watching the
// adapter power state on its behalf.
func (b *Bridge) Attach(sink dispatch.Sink) error {
	b.dispatcher.Attach(sink)
	if !b.IsAvailable() {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stateSub != nil {
		return nil
	}
	sub, err := b.observer.Listen()
	if err != nil {
		return fmt.Errorf("failed to watch adapter state: %w", err)
	}
	b.stateSub = sub
	return nil
}

// Detach drops the sink; events published afterwards are discarded.
func (b *Bridge) Detach() {
	b.mu.Lock()
	sub := b.stateSub
	b.stateSub = nil
	b.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	b.dispatcher.Detach()
}

// OnPermissionResult is the entry point for the platform's asynchronous
// permission answers.
func (b *Bridge) OnPermissionResult(token int, capability string, granted bool) bool {
	return b.gate.OnResult(token, capability, granted)
}

// IsAvailable reports whether the host has a Bluetooth radio.
func (b *Bridge) IsAvailable() bool {
	return b.adapter != nil
}

func (b *Bridge) State() (device.AdapterState, error) {
	if err := b.available(); err != nil {
		return device.AdapterStateUnavailable, err
	}
	return b.observer.Current(), nil
}

// AdapterStates subscribes to power state transitions.
func (b *Bridge) AdapterStates() (*adapterstate.Subscription, error) {
	if err := b.available(); err != nil {
		return nil, err
	}
	return b.observer.Listen()
}

func (b *Bridge) IsOn() (bool, error) {
	state, err := b.State()
	if err != nil {
		return false, err
	}
	return state == device.AdapterStateOn, nil
}

// TurnOn powers the radio on. An adapter that is already on reports true.
func (b *Bridge) TurnOn() (bool, error) {
	return b.setPowered(true)
}

// TurnOff powers the radio off. An adapter that is already off reports true.
func (b *Bridge) TurnOff() (bool, error) {
	return b.setPowered(false)
}

func (b *Bridge) setPowered(on bool) (bool, error) {
	state, err := b.State()
	if err != nil {
		return false, err
	}
	if (on && state == device.AdapterStateOn) || (!on && state == device.AdapterStateOff) {
		return true, nil
	}

	b.logger.WithField("on", on).Info("Changing adapter power")
	if err := b.adapter.SetPowered(on); err != nil {
		if errors.Is(err, device.ErrUnsupported) || errors.Is(err, device.ErrUnauthorized) {
			return false, err
		}
		return false, device.NewHardwareError("set_powered", err)
	}
	return true, nil
}

func (b *Bridge) Pair(address string) error {
	if err := b.checkAddress(address); err != nil {
		return err
	}
	if err := b.adapter.Pair(address); err != nil {
		if errors.Is(err, device.ErrUnsupported) {
			return err
		}
		return device.NewHardwareError("pair", err)
	}
	return nil
}

// RemoveBond forgets the bond with address. A native failure reports false.
func (b *Bridge) RemoveBond(address string) (bool, error) {
	if err := b.checkAddress(address); err != nil {
		return false, err
	}
	removed, err := b.adapter.RemoveBond(address)
	if err != nil {
		if errors.Is(err, device.ErrUnsupported) {
			return false, err
		}
		b.logger.WithError(err).WithField("address", address).Debug("Remove bond failed")
		return false, nil
	}
	return removed, nil
}

// StartScan starts a scan session once the scan and connect capabilities are
// granted. done receives the outcome and may run on another goroutine.
func (b *Bridge) StartScan(settings device.ScanSettings, done func(error)) {
	if err := b.available(); err != nil {
		complete(done, err)
		return
	}
	b.withPermissions("scanning", []string{permission.BluetoothScan, permission.BluetoothConnect}, func() error {
		return b.startScan(settings)
	}, done)
}

func (b *Bridge) startScan(settings device.ScanSettings) error {
	settings.ServiceUUIDs = device.NormalizeUUIDs(settings.ServiceUUIDs)
	b.dedup.Start(settings.AllowDuplicates)

	b.logger.WithFields(logrus.Fields{
		"allow_duplicates": settings.AllowDuplicates,
		"services":         settings.ServiceUUIDs,
	}).Info("Starting scan")
	if err := b.adapter.StartScan(settings, b.onScanResult); err != nil {
		b.dedup.Stop()
		return device.NewHardwareError("start_scan", err)
	}
	return nil
}

func (b *Bridge) onScanResult(r device.ScanResult) {
	if !b.dedup.Admit(r.Device.RemoteID) {
		return
	}
	b.dispatcher.Publish(r)
}

func (b *Bridge) StopScan() error {
	if err := b.available(); err != nil {
		return err
	}
	defer b.dedup.Stop()
	if err := b.adapter.StopScan(); err != nil {
		return device.NewHardwareError("stop_scan", err)
	}
	b.logger.WithField("reported", b.dedup.Seen()).Info("Scan stopped")
	return nil
}

// ConnectedDevices lists the devices the platform has a link with once the
// connect capability is granted.
func (b *Bridge) ConnectedDevices(done func([]device.DeviceInfo, error)) {
	if done == nil {
		done = func([]device.DeviceInfo, error) {}
	}
	if err := b.available(); err != nil {
		done(nil, err)
		return
	}
	var devices []device.DeviceInfo
	b.withPermissions("obtaining connected devices", []string{permission.BluetoothConnect}, func() error {
		var err error
		devices, err = b.adapter.ConnectedDevices()
		if err != nil {
			return device.NewHardwareError("connected_devices", err)
		}
		return nil
	}, func(err error) {
		done(devices, err)
	})
}

func (b *Bridge) BondedDevices() ([]device.DeviceInfo, error) {
	if err := b.available(); err != nil {
		return nil, err
	}
	devices, err := b.adapter.BondedDevices()
	if err != nil {
		if errors.Is(err, device.ErrUnsupported) {
			return nil, err
		}
		return nil, device.NewHardwareError("bonded_devices", err)
	}
	return devices, nil
}

// Connect connects to address once the connect capability is granted. done
// reports whether the attempt started; the link state arrives as DeviceState events.
func (b *Bridge) Connect(address string, autoReconnect bool, done func(error)) {
	if err := b.checkAddress(address); err != nil {
		complete(done, err)
		return
	}
	b.withPermissions("new connection", []string{permission.BluetoothConnect}, func() error {
		_, err := b.cache.Connect(address, autoReconnect, b.gatt)
		return err
	}, done)
}

// Disconnect drops the connection to address. Unknown addresses are a no-op.
func (b *Bridge) Disconnect(address string) error {
	if err := b.checkAddress(address); err != nil {
		return err
	}
	e, released := b.cache.Disconnect(address)
	if e == nil {
		return nil
	}
	b.gatt.AbortPending(e, device.StatusDisconnected)
	if released {
		// No native callback reported this link going down.
		b.dispatcher.Publish(device.DeviceStateEvent{RemoteID: address, State: device.LinkDisconnected})
	}
	return nil
}

// DeviceState reports the native link state of address.
func (b *Bridge) DeviceState(address string) (device.DeviceStateEvent, error) {
	if err := b.checkAddress(address); err != nil {
		return device.DeviceStateEvent{}, err
	}
	return device.DeviceStateEvent{RemoteID: address, State: b.adapter.ConnectionState(address)}, nil
}

func (b *Bridge) DiscoverServices(address string) error {
	if err := b.available(); err != nil {
		return err
	}
	return b.gatt.DiscoverServices(address)
}

func (b *Bridge) Services(address string) ([]device.ServiceSnapshot, error) {
	if err := b.available(); err != nil {
		return nil, err
	}
	return b.gatt.Services(address)
}

func (b *Bridge) ReadCharacteristic(path device.GattPath) error {
	if err := b.available(); err != nil {
		return err
	}
	return b.gatt.ReadCharacteristic(path)
}

func (b *Bridge) WriteCharacteristic(path device.GattPath, value []byte, writeType device.WriteType) error {
	if err := b.available(); err != nil {
		return err
	}
	return b.gatt.WriteCharacteristic(path, value, writeType)
}

func (b *Bridge) ReadDescriptor(path device.GattPath) error {
	if err := b.available(); err != nil {
		return err
	}
	return b.gatt.ReadDescriptor(path)
}

func (b *Bridge) WriteDescriptor(path device.GattPath, value []byte) error {
	if err := b.available(); err != nil {
		return err
	}
	return b.gatt.WriteDescriptor(path, value)
}

func (b *Bridge) SetNotification(path device.GattPath, enable bool) error {
	if err := b.available(); err != nil {
		return err
	}
	return b.gatt.SetNotification(path, enable)
}

// MTU returns the cached MTU of address.
func (b *Bridge) MTU(address string) (int, error) {
	if err := b.available(); err != nil {
		return 0, err
	}
	return b.gatt.MTU(address)
}

func (b *Bridge) RequestMTU(address string, mtu int) error {
	if err := b.available(); err != nil {
		return err
	}
	return b.gatt.RequestMTU(address, mtu)
}

func (b *Bridge) ReadRSSI(address string) error {
	if err := b.available(); err != nil {
		return err
	}
	return b.gatt.ReadRSSI(address)
}

// EventMetrics returns the event pump counters.
func (b *Bridge) EventMetrics() dispatch.Metrics {
	return b.dispatcher.GetMetrics()
}

// Close tears the bridge down: the sink is detached first so nothing is
// delivered during teardown, then scanning, the state watch and every
// connection are stopped.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.Detach()
	if b.adapter != nil {
		if b.dedup.Active() {
			if err := b.adapter.StopScan(); err != nil {
				b.logger.WithError(err).Warn("Failed to stop scan during teardown")
			}
			b.dedup.Stop()
		}
		b.cache.Close()
	}
	b.observer.Close()

	if err := b.dispatcher.Stop(); err != nil {
		return fmt.Errorf("failed to stop event dispatcher: %w", err)
	}
	b.logger.Debug("Bridge closed")
	return nil
}

// onAdapterState discards the scan session once the radio goes down.
func (b *Bridge) onAdapterState(state device.AdapterState) {
	if state != device.AdapterStateOff && state != device.AdapterStateTurningOff {
		return
	}
	if b.dedup.Active() {
		b.logger.WithField("state", state.String()).Info("Adapter going down, discarding scan session")
		b.dedup.Stop()
	}
}

// withPermissions runs op after every capability in caps was granted, in order.
func (b *Bridge) withPermissions(op string, caps []string, run func() error, done func(error)) {
	if len(caps) == 0 {
		complete(done, run())
		return
	}
	b.gate.Ensure(caps[0], func(granted bool, capability string) {
		if !granted {
			complete(done, &device.PermissionError{Capability: capability, Op: op})
			return
		}
		b.withPermissions(op, caps[1:], run, done)
	})
}

func (b *Bridge) available() error {
	if b.adapter == nil {
		return device.ErrUnavailable
	}
	return nil
}

func (b *Bridge) checkAddress(address string) error {
	if err := b.available(); err != nil {
		return err
	}
	if address == "" {
		return fmt.Errorf("%w: remote id is required", device.ErrInvalidArgument)
	}
	return nil
}

func complete(done func(error), err error) {
	if done != nil {
		done(err)
	}
}
