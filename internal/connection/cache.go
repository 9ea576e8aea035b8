// Package connection owns the table of device connections and their native handles.
package connection

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultMTU is the BLE minimum ATT MTU assumed until renegotiated.
const DefaultMTU = 20

// Cache is the authoritative address → connection table. Handles never leave
// the package except through Entry.Gatt, which callers obtain via Lookup.
type Cache struct {
	mu       sync.Mutex
	entries  *orderedmap.OrderedMap[string, *Entry]
	detached map[device.Gatt]*Entry // removed from the table, waiting for native teardown

	adapter    device.Adapter
	defaultMTU int
	logger     *logrus.Logger
}

// NewCache creates an empty table over adapter. A non-positive mtu selects DefaultMTU.
func NewCache(adapter device.Adapter, mtu int, logger *logrus.Logger) *Cache {
	if logger == nil {
		logger = logrus.New()
	}
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &Cache{
		entries:    orderedmap.New[string, *Entry](),
		detached:   make(map[device.Gatt]*Entry),
		adapter:    adapter,
		defaultMTU: mtu,
		logger:     logger,
	}
}

// Connect establishes the link to address. An existing entry whose link is up
// fails with ErrAlreadyConnected; an existing entry whose link is down is
// reconnected on its own handle. Otherwise a new handle is allocated.
func (c *Cache) Connect(address string, autoReconnect bool, cb device.GattCallback) (*Entry, error) {
	log := c.logger.WithField("address", address)

	c.mu.Lock()
	if e, ok := c.entries.Get(address); ok {
		c.mu.Unlock()
		return e, c.reconnect(e, log)
	}
	e := newEntry(address, c.defaultMTU)
	c.entries.Set(address, e)
	c.mu.Unlock()

	log.WithField("auto_reconnect", autoReconnect).Info("Allocating connection")
	g, err := c.adapter.Connect(address, autoReconnect, cb)
	if err != nil {
		c.mu.Lock()
		if cur, ok := c.entries.Get(address); ok && cur == e {
			c.entries.Delete(address)
		}
		c.mu.Unlock()
		return nil, device.NewHardwareError("connect", err)
	}

	c.mu.Lock()
	cur, ok := c.entries.Get(address)
	if ok && cur == e {
		e.setGatt(g)
	}
	c.mu.Unlock()

	if !ok || cur != e {
		// Disconnected while the handle was being allocated.
		log.Warn("Connection removed while connecting, releasing new handle")
		_ = g.Disconnect()
		_ = g.Close()
		return nil, &device.ConnectionError{State: device.NotConnected, Msg: "disconnected while connecting"}
	}
	return e, nil
}

func (c *Cache) reconnect(e *Entry, log *logrus.Entry) error {
	g := e.Gatt()
	if g == nil {
		return &device.ConnectionError{State: device.AlreadyConnected, Msg: "connection attempt in progress"}
	}
	if c.adapter.ConnectionState(e.address) == device.LinkConnected {
		return device.ErrAlreadyConnected
	}

	log.Info("Reconnecting on existing handle")
	e.SetState(device.LinkConnecting)
	if err := g.Reconnect(); err != nil {
		e.SetState(device.LinkDisconnected)
		return device.NewHardwareError("reconnect", err)
	}
	return nil
}

// Lookup returns the entry for address or ErrNotConnected.
func (c *Cache) Lookup(address string) (*Entry, error) {
	c.mu.Lock()
	e, ok := c.entries.Get(address)
	c.mu.Unlock()

	if !ok {
		return nil, &device.ConnectionError{State: device.NotConnected, Msg: fmt.Sprintf("no connection to %s", address)}
	}
	if e.Gatt() == nil {
		return nil, &device.ConnectionError{State: device.NotConnected, Msg: fmt.Sprintf("connection to %s is being established", address)}
	}
	return e, nil
}

// EntryFor returns the live entry owning g, if any.
func (c *Cache) EntryFor(g device.Gatt) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Get(g.Address())
	if !ok || e.Gatt() != g {
		return nil, false
	}
	return e, true
}

// Disconnect removes the entry for address and asks its handle to disconnect.
// The handle is released at once if the native link is already down; otherwise
// ReleaseIfDetached releases it from the state change callback. Returns the
// removed entry, or nil when there was none, and whether this call released
// the handle itself. A release done by a callback that fired inside the native
// Disconnect is not counted.
func (c *Cache) Disconnect(address string) (*Entry, bool) {
	c.mu.Lock()
	e, ok := c.entries.Delete(address)
	if ok {
		if g := e.Gatt(); g != nil {
			c.detached[g] = e
		}
	}
	c.mu.Unlock()

	if !ok {
		return nil, false
	}
	e.SetState(device.LinkDisconnecting)
	g := e.Gatt()
	if g == nil {
		return e, false
	}

	log := c.logger.WithField("address", address)
	log.Info("Disconnecting")
	if err := g.Disconnect(); err != nil {
		log.WithError(err).Warn("Native disconnect failed")
	}
	if c.adapter.ConnectionState(address) == device.LinkDisconnected {
		e.SetState(device.LinkDisconnected)
		return e, c.releaseDetached(g)
	}
	return e, false
}

// ReleaseIfDetached releases g once its native link is down, unless g is still
// the live handle of its address. It reports whether g was released now.
func (c *Cache) ReleaseIfDetached(g device.Gatt) bool {
	c.mu.Lock()
	e, parked := c.detached[g]
	if parked {
		if live, ok := c.entries.Get(g.Address()); ok && live.Gatt() == g {
			parked = false
		} else {
			delete(c.detached, g)
		}
	}
	c.mu.Unlock()

	if !parked {
		return false
	}
	c.logger.WithField("address", g.Address()).Debug("Releasing detached handle")
	return e.releaseHandle()
}

func (c *Cache) releaseDetached(g device.Gatt) bool {
	c.mu.Lock()
	e, ok := c.detached[g]
	delete(c.detached, g)
	c.mu.Unlock()

	return ok && e.releaseHandle()
}

// MTU returns the negotiated MTU of address.
func (c *Cache) MTU(address string) (int, error) {
	e, err := c.Lookup(address)
	if err != nil {
		return 0, err
	}
	return e.MTU(), nil
}

// SetMTU records a renegotiated MTU for address.
func (c *Cache) SetMTU(address string, mtu int) error {
	e, err := c.Lookup(address)
	if err != nil {
		return err
	}
	e.SetMTU(mtu)
	return nil
}

// State returns the link state of address; absent entries are disconnected.
func (c *Cache) State(address string) device.LinkState {
	c.mu.Lock()
	e, ok := c.entries.Get(address)
	c.mu.Unlock()

	if !ok {
		return device.LinkDisconnected
	}
	return e.State()
}

// SetState records the link state pushed by a native callback.
func (c *Cache) SetState(address string, state device.LinkState) {
	c.mu.Lock()
	e, ok := c.entries.Get(address)
	c.mu.Unlock()

	if ok {
		e.SetState(state)
	}
}

// Addresses lists the cached addresses in connect order.
func (c *Cache) Addresses() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, c.entries.Len())
	for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Len returns the number of cached connections.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Close disconnects every connection and releases every handle, including the
// ones still waiting for native teardown.
func (c *Cache) Close() {
	for _, address := range c.Addresses() {
		c.Disconnect(address)
	}

	c.mu.Lock()
	parked := make([]*Entry, 0, len(c.detached))
	for g, e := range c.detached {
		parked = append(parked, e)
		delete(c.detached, g)
	}
	c.mu.Unlock()

	for _, e := range parked {
		e.releaseHandle()
	}
}
