package goble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/device"
	"github.com/srg/blebridge/internal/groutine"
)

// CCCD values written by the caller to enable updates.
const (
	cccdNotify   = 0x0001
	cccdIndicate = 0x0002
)

// Gatt is one go-ble connection handle. GATT work runs on a named goroutine
// and completes through the handle's callback.
type Gatt struct {
	adapter     *Adapter
	address     string
	autoConnect bool
	cb          device.GattCallback
	logger      *logrus.Entry

	state  atomic.Int32 // device.LinkState
	busy   atomic.Bool
	closed atomic.Bool

	mu          sync.RWMutex
	client      Client
	dialCancel  context.CancelFunc
	services    []*device.Service
	chars       map[*device.Characteristic]*ble.Characteristic
	descs       map[*device.Descriptor]*ble.Descriptor
	subscribed  map[*device.Characteristic]bool // remote CCCD enabled
	notifying   map[*device.Characteristic]bool // local delivery enabled
	connVersion uint64
}

func newGatt(a *Adapter, address string, autoConnect bool, cb device.GattCallback) *Gatt {
	return &Gatt{
		adapter:     a,
		address:     address,
		autoConnect: autoConnect,
		cb:          cb,
		logger:      a.logger.WithField("address", address),
		chars:       make(map[*device.Characteristic]*ble.Characteristic),
		descs:       make(map[*device.Descriptor]*ble.Descriptor),
		subscribed:  make(map[*device.Characteristic]bool),
		notifying:   make(map[*device.Characteristic]bool),
	}
}

func (g *Gatt) Address() string { return g.address }

func (g *Gatt) linkState() device.LinkState {
	return device.LinkState(g.state.Load())
}

// connect dials on a named goroutine and reports the outcome through the callback.
func (g *Gatt) connect() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if g.autoConnect {
		ctx, cancel = context.WithCancel(context.Background())
	} else {
		ctx, cancel = context.WithTimeout(context.Background(), g.adapter.connectTimeout)
	}

	g.mu.Lock()
	g.dialCancel = cancel
	g.connVersion++
	version := g.connVersion
	g.mu.Unlock()
	g.state.Store(int32(device.LinkConnecting))

	g.logger.WithField("auto_connect", g.autoConnect).Info("Connecting to BLE device...")

	groutine.Go(ctx, "ble-connect", func(dialCtx context.Context) {
		defer cancel()

		client, err := g.adapter.dial(dialCtx, g.address)

		g.mu.Lock()
		current := version == g.connVersion && !g.closed.Load()
		if err == nil && current {
			g.client = client
		}
		g.mu.Unlock()

		if err != nil {
			if !current {
				return
			}
			g.logger.WithError(err).Warn("Failed to dial BLE device")
			if g.state.CompareAndSwap(int32(device.LinkConnecting), int32(device.LinkDisconnected)) {
				g.cb.OnConnectionStateChange(g, statusOf(err), device.LinkDisconnected)
			}
			return
		}
		if !current {
			// Disconnected or closed while dialing.
			_ = client.CancelConnection()
			return
		}

		if !g.state.CompareAndSwap(int32(device.LinkConnecting), int32(device.LinkConnected)) {
			_ = client.CancelConnection()
			return
		}
		g.logger.Info("BLE device connected")
		g.monitor(client, version)
		g.cb.OnConnectionStateChange(g, device.StatusSuccess, device.LinkConnected)
	})
}

// monitor watches the client's Disconnected() channel when the platform has one.
func (g *Gatt) monitor(client Client, version uint64) {
	watched, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		g.logger.Debug("Client does not support Disconnected() channel")
		return
	}
	groutine.Go(context.Background(), "ble-connection-monitor", func(context.Context) {
		<-watched.Disconnected()
		g.logger.Debug("Native stack reported disconnection")
		g.markDisconnected(version, device.StatusSuccess)
	})
}

// markDisconnected moves the link down exactly once per connection.
func (g *Gatt) markDisconnected(version uint64, status device.GattStatus) {
	g.mu.Lock()
	if version != g.connVersion {
		g.mu.Unlock()
		return
	}
	g.client = nil
	clear(g.subscribed)
	g.mu.Unlock()

	for {
		s := g.state.Load()
		if device.LinkState(s) == device.LinkDisconnected {
			return
		}
		if g.state.CompareAndSwap(s, int32(device.LinkDisconnected)) {
			break
		}
	}
	g.busy.Store(false)
	g.logger.Info("BLE device disconnected")
	g.cb.OnConnectionStateChange(g, status, device.LinkDisconnected)
}

// Reconnect dials again on this handle after its link dropped.
func (g *Gatt) Reconnect() error {
	if g.closed.Load() {
		return device.ErrNotInitialized
	}
	if g.linkState() != device.LinkDisconnected {
		return device.ErrAlreadyConnected
	}
	g.connect()
	return nil
}

// Disconnect cancels a pending dial or tears the link down. Platforms without
// a disconnection channel report the transition from here.
func (g *Gatt) Disconnect() error {
	g.mu.Lock()
	client := g.client
	cancel := g.dialCancel
	version := g.connVersion
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client == nil {
		if g.state.CompareAndSwap(int32(device.LinkConnecting), int32(device.LinkDisconnected)) {
			g.mu.Lock()
			g.connVersion++
			g.mu.Unlock()
			g.cb.OnConnectionStateChange(g, device.StatusSuccess, device.LinkDisconnected)
		}
		return nil
	}

	g.state.CompareAndSwap(int32(device.LinkConnected), int32(device.LinkDisconnecting))
	err := NormalizeError(client.CancelConnection())
	if _, ok := client.(interface{ Disconnected() <-chan struct{} }); !ok || err != nil {
		g.markDisconnected(version, device.StatusSuccess)
	}
	return err
}

// Close releases the handle. It must not be used afterwards.
func (g *Gatt) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	g.mu.Lock()
	client := g.client
	g.client = nil
	g.connVersion++
	if g.dialCancel != nil {
		g.dialCancel()
	}
	g.mu.Unlock()

	g.adapter.forget(g)
	if client != nil {
		return NormalizeError(client.CancelConnection())
	}
	return nil
}

// begin claims the single operation slot of the handle.
func (g *Gatt) begin() (Client, error) {
	g.mu.RLock()
	client := g.client
	g.mu.RUnlock()

	if client == nil || g.linkState() != device.LinkConnected {
		return nil, device.ErrNotConnected
	}
	if !g.busy.CompareAndSwap(false, true) {
		return nil, device.ErrOperationInFlight
	}
	return client, nil
}

// run executes op on a named goroutine; the slot is free again before done is called.
func (g *Gatt) run(name string, op func() func()) {
	groutine.Go(context.Background(), name, func(context.Context) {
		done := op()
		g.busy.Store(false)
		done()
	})
}

// DiscoverServices rebuilds the attribute tree from a forced profile discovery.
func (g *Gatt) DiscoverServices() error {
	client, err := g.begin()
	if err != nil {
		return err
	}
	g.run("ble-discover", func() func() {
		profile, err := client.DiscoverProfile(true)
		if err != nil {
			g.logger.WithError(err).Warn("Failed to discover profile")
			return func() { g.cb.OnServicesDiscovered(g, statusOf(err)) }
		}
		g.adopt(profile)
		return func() { g.cb.OnServicesDiscovered(g, device.StatusSuccess) }
	})
	return nil
}

// adopt replaces the tree and the native lookup tables with profile.
func (g *Gatt) adopt(profile *ble.Profile) {
	services := make([]*device.Service, 0, len(profile.Services))
	chars := make(map[*device.Characteristic]*ble.Characteristic)
	descs := make(map[*device.Descriptor]*ble.Descriptor)

	for _, bs := range profile.Services {
		svc := &device.Service{UUID: device.NormalizeUUID(bs.UUID.String()), Primary: true}
		for _, bc := range bs.Characteristics {
			c := &device.Characteristic{
				UUID:       device.NormalizeUUID(bc.UUID.String()),
				Properties: device.Property(bc.Property),
				Service:    svc,
			}
			hasCCCD := false
			for _, bd := range bc.Descriptors {
				d := &device.Descriptor{UUID: device.NormalizeUUID(bd.UUID.String()), Characteristic: c}
				hasCCCD = hasCCCD || d.IsCCCD()
				c.Descriptors = append(c.Descriptors, d)
				descs[d] = bd
			}
			if bc.CCCD != nil && !hasCCCD {
				d := &device.Descriptor{UUID: device.ClientCharacteristicConfigUUID, Characteristic: c}
				c.Descriptors = append(c.Descriptors, d)
				descs[d] = bc.CCCD
			}
			svc.Characteristics = append(svc.Characteristics, c)
			chars[c] = bc
		}
		services = append(services, svc)
	}

	g.mu.Lock()
	g.services = services
	g.chars = chars
	g.descs = descs
	clear(g.subscribed)
	clear(g.notifying)
	g.mu.Unlock()

	g.logger.WithField("services", len(services)).Debug("Profile discovered")
}

func (g *Gatt) Services() []*device.Service {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.services
}

func (g *Gatt) characteristic(c *device.Characteristic) (*ble.Characteristic, error) {
	g.mu.RLock()
	bc, ok := g.chars[c]
	g.mu.RUnlock()
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{c.UUID}}
	}
	return bc, nil
}

func (g *Gatt) descriptor(d *device.Descriptor) (*ble.Descriptor, error) {
	g.mu.RLock()
	bd, ok := g.descs[d]
	g.mu.RUnlock()
	if !ok {
		return nil, &device.NotFoundError{Resource: "descriptor", UUIDs: []string{d.UUID}}
	}
	return bd, nil
}

func (g *Gatt) ReadCharacteristic(c *device.Characteristic) error {
	bc, err := g.characteristic(c)
	if err != nil {
		return err
	}
	client, err := g.begin()
	if err != nil {
		return err
	}
	g.run("ble-read", func() func() {
		value, err := client.ReadCharacteristic(bc)
		return func() { g.cb.OnCharacteristicRead(g, c, value, statusOf(err)) }
	})
	return nil
}

func (g *Gatt) WriteCharacteristic(c *device.Characteristic, value []byte, writeType device.WriteType) error {
	bc, err := g.characteristic(c)
	if err != nil {
		return err
	}
	client, err := g.begin()
	if err != nil {
		return err
	}
	data := append([]byte(nil), value...)
	g.run("ble-write", func() func() {
		err := client.WriteCharacteristic(bc, data, writeType == device.WriteWithoutResponse)
		return func() { g.cb.OnCharacteristicWrite(g, c, statusOf(err)) }
	})
	return nil
}

func (g *Gatt) ReadDescriptor(d *device.Descriptor) error {
	bd, err := g.descriptor(d)
	if err != nil {
		return err
	}
	client, err := g.begin()
	if err != nil {
		return err
	}
	g.run("ble-read-descriptor", func() func() {
		value, err := client.ReadDescriptor(bd)
		return func() { g.cb.OnDescriptorRead(g, d, value, statusOf(err)) }
	})
	return nil
}

// WriteDescriptor writes d. go-ble owns the CCCD of a characteristic, so a
// CCCD write is carried out as a subscription change.
func (g *Gatt) WriteDescriptor(d *device.Descriptor, value []byte) error {
	bd, err := g.descriptor(d)
	if err != nil {
		return err
	}
	var bc *ble.Characteristic
	if d.IsCCCD() {
		if bc, err = g.characteristic(d.Characteristic); err != nil {
			return err
		}
		if len(value) != 2 {
			return fmt.Errorf("%w: CCCD value must be 2 bytes, got %d", device.ErrInvalidArgument, len(value))
		}
	}
	client, err := g.begin()
	if err != nil {
		return err
	}
	data := append([]byte(nil), value...)
	g.run("ble-write-descriptor", func() func() {
		var err error
		if bc != nil {
			err = g.configure(client, d.Characteristic, bc, uint16(data[0])|uint16(data[1])<<8)
		} else {
			err = client.WriteDescriptor(bd, data)
		}
		return func() { g.cb.OnDescriptorWrite(g, d, statusOf(err)) }
	})
	return nil
}

func (g *Gatt) configure(client Client, c *device.Characteristic, bc *ble.Characteristic, cccd uint16) error {
	if cccd&(cccdNotify|cccdIndicate) == 0 {
		return g.unsubscribe(client, c, bc)
	}
	indicate := cccd&cccdIndicate != 0
	err := client.Subscribe(bc, indicate, func(data []byte) {
		g.mu.RLock()
		deliver := g.notifying[c]
		g.mu.RUnlock()
		if deliver {
			g.cb.OnCharacteristicChanged(g, c, append([]byte(nil), data...))
		}
	})
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.subscribed[c] = true
	g.mu.Unlock()
	return nil
}

// unsubscribe tries both kinds; only one of them was enabled.
func (g *Gatt) unsubscribe(client Client, c *device.Characteristic, bc *ble.Characteristic) error {
	g.mu.Lock()
	wasSubscribed := g.subscribed[c]
	delete(g.subscribed, c)
	g.mu.Unlock()
	if !wasSubscribed {
		return nil
	}

	err1 := client.Unsubscribe(bc, false) // notify
	err2 := client.Unsubscribe(bc, true)  // indicate
	if err1 != nil && err2 != nil {
		return err1
	}
	return nil
}

// SetCharacteristicNotification toggles local delivery only; it claims no slot.
func (g *Gatt) SetCharacteristicNotification(c *device.Characteristic, enable bool) error {
	if _, err := g.characteristic(c); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if enable {
		g.notifying[c] = true
	} else {
		delete(g.notifying, c)
	}
	return nil
}

func (g *Gatt) RequestMTU(mtu int) error {
	client, err := g.begin()
	if err != nil {
		return err
	}
	g.run("ble-exchange-mtu", func() func() {
		tx, err := client.ExchangeMTU(mtu)
		return func() { g.cb.OnMtuChanged(g, tx, statusOf(err)) }
	})
	return nil
}

func (g *Gatt) ReadRemoteRSSI() error {
	client, err := g.begin()
	if err != nil {
		return err
	}
	g.run("ble-read-rssi", func() func() {
		rssi := client.ReadRSSI()
		return func() { g.cb.OnReadRemoteRssi(g, rssi, device.StatusSuccess) }
	})
	return nil
}
