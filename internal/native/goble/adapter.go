// Package goble implements the native adapter over the go-ble central stack.
package goble

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/device"
	"github.com/srg/blebridge/internal/groutine"
)

// DefaultConnectTimeout bounds a direct connection attempt.
const DefaultConnectTimeout = 30 * time.Second

// Central is the part of ble.Device the adapter drives.
type Central interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Dial(ctx context.Context, a ble.Addr) (ble.Client, error)
	Stop() error
}

// Client is the part of ble.Client a connection handle drives.
type Client interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	ReadDescriptor(d *ble.Descriptor) ([]byte, error)
	WriteDescriptor(d *ble.Descriptor, value []byte) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	ExchangeMTU(rxMTU int) (txMTU int, err error)
	ReadRSSI() int
	CancelConnection() error
}

// Platform is the host radio control go-ble does not offer: power, bonds and
// pairing. The BlueZ D-Bus client provides it on Linux.
type Platform interface {
	State() (device.AdapterState, error)
	WatchState(onChange func(device.AdapterState)) (stop func(), err error)
	SetPowered(on bool) error
	BondedDevices() ([]device.DeviceInfo, error)
	Pair(address string) error
	RemoveBond(address string) (bool, error)
}

// Options configures an Adapter.
type Options struct {
	// Platform is optional. Without it the radio is assumed on and power and
	// bond management report ErrUnsupported.
	Platform       Platform
	ConnectTimeout time.Duration
	Logger         *logrus.Logger
}

// Adapter implements device.Adapter on top of a go-ble central.
type Adapter struct {
	central        Central
	dial           func(ctx context.Context, address string) (Client, error)
	platform       Platform
	connectTimeout time.Duration
	logger         *logrus.Logger

	mu         sync.Mutex
	scanCancel context.CancelFunc
	links      map[string]*Gatt
}

// NewAdapter opens the native central through DeviceFactory.
func NewAdapter(opts Options) (*Adapter, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, err
	}
	return newAdapter(dev, opts), nil
}

func newAdapter(central Central, opts Options) *Adapter {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	a := &Adapter{
		central:        central,
		platform:       opts.Platform,
		connectTimeout: opts.ConnectTimeout,
		logger:         opts.Logger,
		links:          make(map[string]*Gatt),
	}
	a.dial = func(ctx context.Context, address string) (Client, error) {
		return central.Dial(ctx, ble.NewAddr(address))
	}
	return a
}

func (a *Adapter) State() (device.AdapterState, error) {
	if a.platform == nil {
		return device.AdapterStateOn, nil
	}
	return a.platform.State()
}

func (a *Adapter) WatchState(onChange func(device.AdapterState)) (func(), error) {
	if a.platform == nil {
		return func() {}, nil
	}
	return a.platform.WatchState(onChange)
}

func (a *Adapter) SetPowered(on bool) error {
	if a.platform == nil {
		return device.ErrUnsupported
	}
	return a.platform.SetPowered(on)
}

func (a *Adapter) BondedDevices() ([]device.DeviceInfo, error) {
	if a.platform == nil {
		return nil, device.ErrUnsupported
	}
	return a.platform.BondedDevices()
}

func (a *Adapter) Pair(address string) error {
	if a.platform == nil {
		return device.ErrUnsupported
	}
	return a.platform.Pair(address)
}

func (a *Adapter) RemoveBond(address string) (bool, error) {
	if a.platform == nil {
		return false, device.ErrUnsupported
	}
	return a.platform.RemoveBond(address)
}

// StartScan replaces any running scan session. Duplicates are always
// requested from the stack; filtering them is the caller's business.
func (a *Adapter) StartScan(settings device.ScanSettings, onResult func(device.ScanResult)) error {
	filter := device.NormalizeUUIDs(settings.ServiceUUIDs)
	ctx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	if a.scanCancel != nil {
		a.scanCancel()
	}
	a.scanCancel = cancel
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"service_uuids": filter,
		"scan_mode":     settings.ScanMode,
	}).Debug("Starting native scan")

	groutine.Go(ctx, "ble-scan", func(scanCtx context.Context) {
		err := a.central.Scan(scanCtx, true, func(adv ble.Advertisement) {
			result := scanResult(adv)
			if advertises(result, filter) {
				onResult(result)
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.WithError(NormalizeError(err)).Warn("Native scan stopped")
		}
	})
	return nil
}

func (a *Adapter) StopScan() error {
	a.mu.Lock()
	cancel := a.scanCancel
	a.scanCancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// ConnectedDevices lists the handles of this process whose link is up.
func (a *Adapter) ConnectedDevices() ([]device.DeviceInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]device.DeviceInfo, 0, len(a.links))
	for address, g := range a.links {
		if g.linkState() == device.LinkConnected {
			out = append(out, device.DeviceInfo{RemoteID: address, Type: device.DeviceTypeLE})
		}
	}
	return out, nil
}

func (a *Adapter) ConnectionState(address string) device.LinkState {
	a.mu.Lock()
	g, ok := a.links[address]
	a.mu.Unlock()

	if !ok {
		return device.LinkDisconnected
	}
	return g.linkState()
}

// Connect allocates a handle and starts dialing in the background. With
// autoConnect the attempt waits for the peripheral without a deadline.
func (a *Adapter) Connect(address string, autoConnect bool, cb device.GattCallback) (device.Gatt, error) {
	g := newGatt(a, address, autoConnect, cb)

	a.mu.Lock()
	a.links[address] = g
	a.mu.Unlock()

	g.connect()
	return g, nil
}

// Close stops scanning and the native central.
func (a *Adapter) Close() error {
	_ = a.StopScan()
	return NormalizeError(a.central.Stop())
}

func (a *Adapter) forget(g *Gatt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.links[g.address] == g {
		delete(a.links, g.address)
	}
}
