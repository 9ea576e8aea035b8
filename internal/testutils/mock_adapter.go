//go:build test

package testutils

import (
	"sync"

	"github.com/srg/blebridge/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockAdapter is a testify mock of the native radio. Connect hands out a new
// MockGatt per call, built from the peripheral registered for the address, and
// ConnectionState reports what the test set with SetLinkState.
//
// Expectations for the remaining methods are set with On, e.g.
//
//	adapter.On("State").Return(device.AdapterStateOn, nil)
type MockAdapter struct {
	mock.Mock

	mu          sync.Mutex
	peripherals map[string][]*device.Service
	handles     map[string][]*MockGatt
	links       map[string]device.LinkState
	connectErr  error
}

// NewMockAdapter creates an adapter with no peripherals.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		peripherals: make(map[string][]*device.Service),
		handles:     make(map[string][]*MockGatt),
		links:       make(map[string]device.LinkState),
	}
}

// WithPeripheral registers the attribute tree served at address.
func (a *MockAdapter) WithPeripheral(address string, b *PeripheralBuilder) *MockAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peripherals[address] = b.Build()
	return a
}

// FailConnect makes every following Connect fail with err (nil restores).
func (a *MockAdapter) FailConnect(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectErr = err
}

// SetLinkState sets what ConnectionState reports for address.
func (a *MockAdapter) SetLinkState(address string, state device.LinkState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.links[address] = state
}

// Handles returns every handle allocated for address, oldest first.
func (a *MockAdapter) Handles(address string) []*MockGatt {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*MockGatt(nil), a.handles[address]...)
}

// Handle returns the latest handle of address, or nil.
func (a *MockAdapter) Handle(address string) *MockGatt {
	hs := a.Handles(address)
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

func (a *MockAdapter) Connect(address string, autoConnect bool, cb device.GattCallback) (device.Gatt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connectErr != nil {
		return nil, a.connectErr
	}
	g := NewMockGatt(address, a.peripherals[address], cb)
	a.handles[address] = append(a.handles[address], g)
	a.links[address] = device.LinkConnecting
	return g, nil
}

func (a *MockAdapter) ConnectionState(address string) device.LinkState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.links[address]
}

func (a *MockAdapter) State() (device.AdapterState, error) {
	args := a.Called()
	return args.Get(0).(device.AdapterState), args.Error(1)
}

func (a *MockAdapter) WatchState(onChange func(device.AdapterState)) (func(), error) {
	args := a.Called(onChange)
	stop, _ := args.Get(0).(func())
	return stop, args.Error(1)
}

func (a *MockAdapter) SetPowered(on bool) error {
	return a.Called(on).Error(0)
}

func (a *MockAdapter) StartScan(settings device.ScanSettings, onResult func(device.ScanResult)) error {
	return a.Called(settings, onResult).Error(0)
}

func (a *MockAdapter) StopScan() error {
	return a.Called().Error(0)
}

func (a *MockAdapter) ConnectedDevices() ([]device.DeviceInfo, error) {
	args := a.Called()
	devices, _ := args.Get(0).([]device.DeviceInfo)
	return devices, args.Error(1)
}

func (a *MockAdapter) BondedDevices() ([]device.DeviceInfo, error) {
	args := a.Called()
	devices, _ := args.Get(0).([]device.DeviceInfo)
	return devices, args.Error(1)
}

func (a *MockAdapter) Pair(address string) error {
	return a.Called(address).Error(0)
}

func (a *MockAdapter) RemoveBond(address string) (bool, error) {
	args := a.Called(address)
	return args.Bool(0), args.Error(1)
}
