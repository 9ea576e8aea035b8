//go:build test

package testutils

import (
	"sync"

	"github.com/srg/blebridge/internal/device"
	"github.com/stretchr/testify/mock"
)

var gattMethodArity = map[string]int{
	"Reconnect":                     0,
	"Disconnect":                    0,
	"Close":                         0,
	"DiscoverServices":              0,
	"ReadCharacteristic":            1,
	"WriteCharacteristic":           3,
	"ReadDescriptor":                1,
	"WriteDescriptor":               2,
	"SetCharacteristicNotification": 2,
	"RequestMTU":                    1,
	"ReadRemoteRSSI":                0,
}

// MockGatt is a testify mock of a native connection handle. Every call succeeds
// unless a failure is queued with Fail. Completions are fired by the test with
// the Complete* helpers, the way the native stack would.
type MockGatt struct {
	mock.Mock

	address string
	cb      device.GattCallback

	mu         sync.Mutex
	tree       []*device.Service
	discovered bool
}

// NewMockGatt creates a handle for address whose discovery yields tree.
func NewMockGatt(address string, tree []*device.Service, cb device.GattCallback) *MockGatt {
	g := &MockGatt{address: address, tree: tree, cb: cb}
	for method, arity := range gattMethodArity {
		g.On(method, anyArgs(arity)...).Return(nil).Maybe()
	}
	return g
}

func anyArgs(n int) []interface{} {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = mock.Anything
	}
	return args
}

// Fail makes the next call of method return err.
func (g *MockGatt) Fail(method string, err error) {
	call := g.On(method, anyArgs(gattMethodArity[method])...).Return(err).Once()
	// The permissive defaults were registered first; move the failure in front of them.
	g.ExpectedCalls = append([]*mock.Call{call}, g.ExpectedCalls[:len(g.ExpectedCalls)-1]...)
}

// OnDisconnect runs fn inside every later Disconnect call, for stacks that
// report the link going down before Disconnect returns.
func (g *MockGatt) OnDisconnect(fn func()) {
	call := g.On("Disconnect").Run(func(mock.Arguments) { fn() }).Return(nil)
	g.ExpectedCalls = append([]*mock.Call{call}, g.ExpectedCalls[:len(g.ExpectedCalls)-1]...)
}

func (g *MockGatt) Address() string { return g.address }

func (g *MockGatt) Reconnect() error { return g.Called().Error(0) }

func (g *MockGatt) Disconnect() error { return g.Called().Error(0) }

func (g *MockGatt) Close() error { return g.Called().Error(0) }

func (g *MockGatt) DiscoverServices() error { return g.Called().Error(0) }

func (g *MockGatt) Services() []*device.Service {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.discovered {
		return nil
	}
	return g.tree
}

func (g *MockGatt) ReadCharacteristic(c *device.Characteristic) error {
	return g.Called(c).Error(0)
}

func (g *MockGatt) WriteCharacteristic(c *device.Characteristic, value []byte, writeType device.WriteType) error {
	return g.Called(c, value, writeType).Error(0)
}

func (g *MockGatt) ReadDescriptor(d *device.Descriptor) error {
	return g.Called(d).Error(0)
}

func (g *MockGatt) WriteDescriptor(d *device.Descriptor, value []byte) error {
	return g.Called(d, value).Error(0)
}

func (g *MockGatt) SetCharacteristicNotification(c *device.Characteristic, enable bool) error {
	return g.Called(c, enable).Error(0)
}

func (g *MockGatt) RequestMTU(mtu int) error { return g.Called(mtu).Error(0) }

func (g *MockGatt) ReadRemoteRSSI() error { return g.Called().Error(0) }

// Tree returns the peripheral's attribute tree regardless of discovery.
func (g *MockGatt) Tree() []*device.Service {
	return g.tree
}

// Characteristic resolves "service[/secondary]/characteristic" in the tree.
func (g *MockGatt) Characteristic(path string) *device.Characteristic {
	return FindCharacteristic(g.tree, path)
}

func (g *MockGatt) CompleteConnect(status device.GattStatus, state device.LinkState) {
	g.cb.OnConnectionStateChange(g, status, state)
}

// CompleteDiscovery publishes the tree and fires the discovery callback.
func (g *MockGatt) CompleteDiscovery(status device.GattStatus) {
	g.mu.Lock()
	g.discovered = status.OK()
	g.mu.Unlock()
	g.cb.OnServicesDiscovered(g, status)
}

func (g *MockGatt) CompleteRead(c *device.Characteristic, value []byte, status device.GattStatus) {
	g.cb.OnCharacteristicRead(g, c, value, status)
}

func (g *MockGatt) CompleteWrite(c *device.Characteristic, status device.GattStatus) {
	g.cb.OnCharacteristicWrite(g, c, status)
}

func (g *MockGatt) CompleteDescriptorRead(d *device.Descriptor, value []byte, status device.GattStatus) {
	g.cb.OnDescriptorRead(g, d, value, status)
}

func (g *MockGatt) CompleteDescriptorWrite(d *device.Descriptor, status device.GattStatus) {
	g.cb.OnDescriptorWrite(g, d, status)
}

func (g *MockGatt) Notify(c *device.Characteristic, value []byte) {
	g.cb.OnCharacteristicChanged(g, c, value)
}

func (g *MockGatt) CompleteMTU(mtu int, status device.GattStatus) {
	g.cb.OnMtuChanged(g, mtu, status)
}

func (g *MockGatt) CompleteRSSI(rssi int, status device.GattStatus) {
	g.cb.OnReadRemoteRssi(g, rssi, status)
}
