//go:build test

package goble

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blebridge/internal/device"
	"github.com/srg/blebridge/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const peripheralAddr = "AA:BB:CC:DD:EE:FF"

type mockClient struct {
	mock.Mock
}

func (m *mockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *mockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *mockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *mockClient) ReadDescriptor(d *ble.Descriptor) ([]byte, error) {
	args := m.Called(d)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *mockClient) WriteDescriptor(d *ble.Descriptor, value []byte) error {
	return m.Called(d, value).Error(0)
}

func (m *mockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return m.Called(c, ind, h).Error(0)
}

func (m *mockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	return m.Called(c, ind).Error(0)
}

func (m *mockClient) ExchangeMTU(rxMTU int) (int, error) {
	args := m.Called(rxMTU)
	return args.Int(0), args.Error(1)
}

func (m *mockClient) ReadRSSI() int { return m.Called().Int(0) }

func (m *mockClient) CancelConnection() error { return m.Called().Error(0) }

// watchedClient adds the disconnection channel darwin and linux clients expose.
type watchedClient struct {
	*mockClient
	gone chan struct{}
}

func (c *watchedClient) Disconnected() <-chan struct{} { return c.gone }

type callRecord struct {
	name   string
	status device.GattStatus
	state  device.LinkState
	char   *device.Characteristic
	value  []byte
	number int
}

type callbackRecorder struct {
	calls chan callRecord
}

func newCallbackRecorder() *callbackRecorder {
	return &callbackRecorder{calls: make(chan callRecord, 64)}
}

func (r *callbackRecorder) OnConnectionStateChange(_ device.Gatt, status device.GattStatus, state device.LinkState) {
	r.calls <- callRecord{name: "state", status: status, state: state}
}
func (r *callbackRecorder) OnServicesDiscovered(_ device.Gatt, status device.GattStatus) {
	r.calls <- callRecord{name: "discovered", status: status}
}
func (r *callbackRecorder) OnCharacteristicRead(_ device.Gatt, c *device.Characteristic, value []byte, status device.GattStatus) {
	r.calls <- callRecord{name: "read", status: status, char: c, value: value}
}
func (r *callbackRecorder) OnCharacteristicWrite(_ device.Gatt, c *device.Characteristic, status device.GattStatus) {
	r.calls <- callRecord{name: "write", status: status, char: c}
}
func (r *callbackRecorder) OnCharacteristicChanged(_ device.Gatt, c *device.Characteristic, value []byte) {
	r.calls <- callRecord{name: "changed", char: c, value: value}
}
func (r *callbackRecorder) OnDescriptorRead(_ device.Gatt, _ *device.Descriptor, value []byte, status device.GattStatus) {
	r.calls <- callRecord{name: "descriptor_read", status: status, value: value}
}
func (r *callbackRecorder) OnDescriptorWrite(_ device.Gatt, _ *device.Descriptor, status device.GattStatus) {
	r.calls <- callRecord{name: "descriptor_write", status: status}
}
func (r *callbackRecorder) OnMtuChanged(_ device.Gatt, mtu int, status device.GattStatus) {
	r.calls <- callRecord{name: "mtu", status: status, number: mtu}
}
func (r *callbackRecorder) OnReadRemoteRssi(_ device.Gatt, rssi int, status device.GattStatus) {
	r.calls <- callRecord{name: "rssi", status: status, number: rssi}
}

// fakeCentral replays advertisements and then scans until cancelled.
type fakeCentral struct {
	adverts []ble.Advertisement
}

func (f *fakeCentral) Scan(ctx context.Context, _ bool, h ble.AdvHandler) error {
	for _, adv := range f.adverts {
		h(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeCentral) Dial(context.Context, ble.Addr) (ble.Client, error) {
	return nil, device.ErrUnsupported
}

func (f *fakeCentral) Stop() error { return nil }

type fakeAdvertisement struct {
	name     string
	manuf    []byte
	services []ble.UUID
	txPower  int
	rssi     int
	addr     string
}

func (a *fakeAdvertisement) LocalName() string              { return a.name }
func (a *fakeAdvertisement) ManufacturerData() []byte       { return a.manuf }
func (a *fakeAdvertisement) ServiceData() []ble.ServiceData { return nil }
func (a *fakeAdvertisement) Services() []ble.UUID           { return a.services }
func (a *fakeAdvertisement) OverflowService() []ble.UUID    { return nil }
func (a *fakeAdvertisement) TxPowerLevel() int              { return a.txPower }
func (a *fakeAdvertisement) Connectable() bool              { return true }
func (a *fakeAdvertisement) SolicitedService() []ble.UUID   { return nil }
func (a *fakeAdvertisement) RSSI() int                      { return a.rssi }
func (a *fakeAdvertisement) Addr() ble.Addr                 { return ble.NewAddr(a.addr) }

type GattTestSuite struct {
	suite.Suite
	helper   *testutils.TestHelper
	adapter  *Adapter
	client   *mockClient
	recorder *callbackRecorder
	profile  *ble.Profile
	hrm      *ble.Characteristic
	cccd     *ble.Descriptor
}

func (s *GattTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.client = &mockClient{}
	s.recorder = newCallbackRecorder()

	s.cccd = &ble.Descriptor{UUID: ble.MustParse("2902")}
	s.hrm = &ble.Characteristic{
		UUID:        ble.MustParse("2A37"),
		Property:    ble.CharRead | ble.CharNotify | ble.CharIndicate,
		Descriptors: []*ble.Descriptor{s.cccd},
	}
	s.profile = &ble.Profile{Services: []*ble.Service{{
		UUID:            ble.MustParse("180D"),
		Characteristics: []*ble.Characteristic{s.hrm},
	}}}

	s.adapter = newAdapter(&fakeCentral{}, Options{Logger: s.helper.Logger, ConnectTimeout: time.Second})
	s.adapter.dial = func(context.Context, string) (Client, error) { return s.client, nil }
}

func (s *GattTestSuite) next() callRecord {
	select {
	case rec := <-s.recorder.calls:
		return rec
	case <-time.After(2 * time.Second):
		s.FailNow("MUST receive a callback")
		return callRecord{}
	}
}

func (s *GattTestSuite) connect() *Gatt {
	g, err := s.adapter.Connect(peripheralAddr, false, s.recorder)
	s.Require().NoError(err, "MUST allocate a handle")
	rec := s.next()
	s.Require().Equal("state", rec.name)
	s.Require().Equal(device.LinkConnected, rec.state, "MUST report the link up")
	return g.(*Gatt)
}

func (s *GattTestSuite) discover(g *Gatt) *device.Characteristic {
	s.client.On("DiscoverProfile", true).Return(s.profile, nil).Once()
	s.Require().NoError(g.DiscoverServices())
	rec := s.next()
	s.Require().Equal("discovered", rec.name)
	s.Require().True(rec.status.OK(), "MUST complete discovery")

	services := g.Services()
	s.Require().Len(services, 1)
	s.Require().Len(services[0].Characteristics, 1)
	return services[0].Characteristics[0]
}

func (s *GattTestSuite) TestConnectReportsLinkUp() {
	// GOAL: Verify a successful dial moves the handle to connected
	//
	// TEST SCENARIO: Connect → callback connected → adapter lists the device

	s.connect()

	s.Equal(device.LinkConnected, s.adapter.ConnectionState(peripheralAddr), "MUST track the link state")
	devices, err := s.adapter.ConnectedDevices()
	s.Require().NoError(err)
	s.Equal([]device.DeviceInfo{{RemoteID: peripheralAddr, Type: device.DeviceTypeLE}}, devices)
}

func (s *GattTestSuite) TestDialFailureReportsDisconnected() {
	// GOAL: Verify a failed dial reports the link down with a failure status
	//
	// TEST SCENARIO: Dial fails → callback disconnected with non-success status

	s.adapter.dial = func(context.Context, string) (Client, error) { return nil, context.DeadlineExceeded }

	_, err := s.adapter.Connect(peripheralAddr, false, s.recorder)
	s.Require().NoError(err)

	rec := s.next()
	s.Equal(device.LinkDisconnected, rec.state, "MUST report the link down")
	s.False(rec.status.OK(), "MUST carry a failure status")
}

func (s *GattTestSuite) TestDiscoveryBuildsTree() {
	// GOAL: Verify a go-ble profile becomes the bridge attribute tree
	//
	// TEST SCENARIO: Discover → normalized UUIDs, properties and CCCD preserved

	g := s.connect()
	c := s.discover(g)

	s.Equal("180d", c.Service.UUID)
	s.Equal("2a37", c.UUID)
	s.True(c.Properties.Has(device.PropNotify|device.PropIndicate), "MUST keep property bits")
	s.NotNil(c.CCCD(), "MUST expose the CCCD")
}

func (s *GattTestSuite) TestReadCompletesAndFreesSlot() {
	// GOAL: Verify a read completes through the callback and frees the operation slot
	//
	// TEST SCENARIO: Read → callback with value → next read is accepted

	g := s.connect()
	c := s.discover(g)

	s.client.On("ReadCharacteristic", s.hrm).Return([]byte{0x06, 0x48}, nil).Twice()

	s.Require().NoError(g.ReadCharacteristic(c))
	rec := s.next()
	s.Equal("read", rec.name)
	s.Same(c, rec.char, "MUST report the requested characteristic")
	s.Equal([]byte{0x06, 0x48}, rec.value)

	s.Require().NoError(g.ReadCharacteristic(c), "MUST accept the next operation after completion")
	s.next()
}

func (s *GattTestSuite) TestSecondOperationRejectedWhileBusy() {
	// GOAL: Verify the handle allows one outstanding operation
	//
	// TEST SCENARIO: Read blocks natively → write attempt → ErrOperationInFlight

	g := s.connect()
	c := s.discover(g)

	release := make(chan time.Time)
	s.client.On("ReadCharacteristic", s.hrm).WaitUntil(release).Return([]byte{0x01}, nil).Once()

	s.Require().NoError(g.ReadCharacteristic(c))
	err := g.WriteCharacteristic(c, []byte{0x01}, device.WriteWithResponse)
	s.ErrorIs(err, device.ErrOperationInFlight, "MUST reject a concurrent operation")

	close(release)
	s.Equal("read", s.next().name)
}

func (s *GattTestSuite) TestWriteWithoutResponse() {
	// GOAL: Verify the write type selects the go-ble no-response flag
	//
	// TEST SCENARIO: Write without response → WriteCharacteristic(noRsp=true) → callback success

	g := s.connect()
	c := s.discover(g)

	s.client.On("WriteCharacteristic", s.hrm, []byte{0x01}, true).Return(nil).Once()

	s.Require().NoError(g.WriteCharacteristic(c, []byte{0x01}, device.WriteWithoutResponse))
	rec := s.next()
	s.Equal("write", rec.name)
	s.True(rec.status.OK())
	s.client.AssertExpectations(s.T())
}

func (s *GattTestSuite) TestAttErrorStatusPassesThrough() {
	// GOAL: Verify ATT error codes reach the callback verbatim
	//
	// TEST SCENARIO: Read fails with ATT 0x02 → callback status 0x02

	g := s.connect()
	c := s.discover(g)

	s.client.On("ReadCharacteristic", s.hrm).Return(nil, ble.ATTError(0x02)).Once()

	s.Require().NoError(g.ReadCharacteristic(c))
	s.Equal(device.GattStatus(0x02), s.next().status, "MUST keep the ATT code")
}

func (s *GattTestSuite) TestCCCDWriteSubscribes() {
	// GOAL: Verify CCCD writes become go-ble subscriptions and local delivery gates notifications
	//
	// TEST SCENARIO: enable local → write 0x0002 → indication delivered → write 0x0000 → both kinds unsubscribed

	g := s.connect()
	c := s.discover(g)

	var (
		mu      sync.Mutex
		handler ble.NotificationHandler
	)
	s.client.On("Subscribe", s.hrm, true, mock.Anything).Run(func(args mock.Arguments) {
		mu.Lock()
		handler = args.Get(2).(ble.NotificationHandler)
		mu.Unlock()
	}).Return(nil).Once()

	s.Require().NoError(g.SetCharacteristicNotification(c, true))
	s.Require().NoError(g.WriteDescriptor(c.CCCD(), []byte{0x02, 0x00}))
	rec := s.next()
	s.Equal("descriptor_write", rec.name)
	s.True(rec.status.OK())

	mu.Lock()
	deliver := handler
	mu.Unlock()
	s.Require().NotNil(deliver, "MUST subscribe for indications")
	deliver([]byte{0x10})

	rec = s.next()
	s.Equal("changed", rec.name)
	s.Equal([]byte{0x10}, rec.value)

	s.client.On("Unsubscribe", s.hrm, false).Return(ble.ATTError(0x0a)).Once()
	s.client.On("Unsubscribe", s.hrm, true).Return(nil).Once()
	s.Require().NoError(g.WriteDescriptor(c.CCCD(), []byte{0x00, 0x00}))
	rec = s.next()
	s.True(rec.status.OK(), "MUST succeed when one kind unsubscribes")
	s.client.AssertExpectations(s.T())
}

func (s *GattTestSuite) TestNotificationsSuppressedWithoutLocalFlag() {
	// GOAL: Verify value changes are dropped while local delivery is disabled
	//
	// TEST SCENARIO: subscribe without local flag → native notification → no callback

	g := s.connect()
	c := s.discover(g)

	var handler ble.NotificationHandler
	s.client.On("Subscribe", s.hrm, false, mock.Anything).Run(func(args mock.Arguments) {
		handler = args.Get(2).(ble.NotificationHandler)
	}).Return(nil).Once()

	s.Require().NoError(g.WriteDescriptor(c.CCCD(), []byte{0x01, 0x00}))
	s.next()

	handler([]byte{0x01})
	select {
	case rec := <-s.recorder.calls:
		s.Failf("MUST NOT deliver", "unexpected %s callback", rec.name)
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *GattTestSuite) TestMtuAndRssi() {
	// GOAL: Verify MTU exchange and RSSI reads complete through the callback
	//
	// TEST SCENARIO: RequestMTU(247) → callback 185 → ReadRemoteRSSI → callback -60

	g := s.connect()

	s.client.On("ExchangeMTU", 247).Return(185, nil).Once()
	s.Require().NoError(g.RequestMTU(247))
	rec := s.next()
	s.Equal("mtu", rec.name)
	s.Equal(185, rec.number)

	s.client.On("ReadRSSI").Return(-60).Once()
	s.Require().NoError(g.ReadRemoteRSSI())
	rec = s.next()
	s.Equal("rssi", rec.name)
	s.Equal(-60, rec.number)
}

func (s *GattTestSuite) TestDisconnectWithoutChannel() {
	// GOAL: Verify clients without a disconnection channel report the transition from Disconnect
	//
	// TEST SCENARIO: Disconnect → callback disconnected → operations refused

	g := s.connect()
	s.client.On("CancelConnection").Return(nil).Once()

	s.Require().NoError(g.Disconnect())
	rec := s.next()
	s.Equal(device.LinkDisconnected, rec.state)
	s.Equal(device.LinkDisconnected, s.adapter.ConnectionState(peripheralAddr))
	s.ErrorIs(g.ReadRemoteRSSI(), device.ErrNotConnected, "MUST refuse work on a down link")
}

func (s *GattTestSuite) TestDisconnectedChannelReportsOnce() {
	// GOAL: Verify a peripheral-initiated disconnection is reported exactly once
	//
	// TEST SCENARIO: channel closes → one disconnected callback → reconnect dials again

	watched := &watchedClient{mockClient: s.client, gone: make(chan struct{})}
	s.adapter.dial = func(context.Context, string) (Client, error) { return watched, nil }

	g := s.connect()
	close(watched.gone)

	rec := s.next()
	s.Equal(device.LinkDisconnected, rec.state)
	select {
	case extra := <-s.recorder.calls:
		s.Failf("MUST report once", "unexpected %s callback", extra.name)
	case <-time.After(50 * time.Millisecond):
	}

	watched2 := &watchedClient{mockClient: s.client, gone: make(chan struct{})}
	s.adapter.dial = func(context.Context, string) (Client, error) { return watched2, nil }
	s.Require().NoError(g.Reconnect())
	s.Equal(device.LinkConnected, s.next().state, "MUST reconnect on the same handle")
}

func (s *GattTestSuite) TestCloseForgetsHandle() {
	// GOAL: Verify Close releases the handle from the adapter
	//
	// TEST SCENARIO: Close → adapter reports disconnected → Reconnect refused

	g := s.connect()
	s.client.On("CancelConnection").Return(nil).Once()

	s.Require().NoError(g.Close())
	s.Equal(device.LinkDisconnected, s.adapter.ConnectionState(peripheralAddr))
	s.Error(g.Reconnect(), "MUST refuse a closed handle")
}

func TestGattTestSuite(t *testing.T) {
	suite.Run(t, new(GattTestSuite))
}

func TestAdapter_ScanFiltersAndConverts(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	central := &fakeCentral{adverts: []ble.Advertisement{
		&fakeAdvertisement{name: "HRM", manuf: []byte{0x4c, 0x00, 0x02}, services: []ble.UUID{ble.MustParse("180D")}, txPower: 127, rssi: -50, addr: "aa:aa:aa:aa:aa:aa"},
		&fakeAdvertisement{name: "Other", services: []ble.UUID{ble.MustParse("180F")}, txPower: -4, rssi: -70, addr: "bb:bb:bb:bb:bb:bb"},
	}}
	adapter := newAdapter(central, Options{Logger: helper.Logger})

	results := make(chan device.ScanResult, 4)
	err := adapter.StartScan(device.ScanSettings{ServiceUUIDs: []string{"0000180d-0000-1000-8000-00805f9b34fb"}}, func(r device.ScanResult) {
		results <- r
	})
	require.NoError(t, err)
	defer adapter.StopScan()

	select {
	case r := <-results:
		require.Equal(t, "HRM", r.Device.Name)
		require.Nil(t, r.Advertisement.TxPowerLevel, "MUST treat 127 as absent")
		require.Equal(t, map[uint16][]byte{0x004c: {0x02}}, r.Advertisement.ManufacturerData)
		require.Equal(t, []string{"180d"}, r.Advertisement.ServiceUUIDs)
		require.Equal(t, -50, r.RSSI)
	case <-time.After(2 * time.Second):
		t.Fatal("MUST deliver the matching advertisement")
	}

	select {
	case r := <-results:
		t.Fatalf("MUST filter out %s", r.Device.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAdapter_NoPlatform(t *testing.T) {
	adapter := newAdapter(&fakeCentral{}, Options{})

	state, err := adapter.State()
	if err != nil || state != device.AdapterStateOn {
		t.Fatalf("MUST assume the radio on, got %v %v", state, err)
	}
	if err := adapter.SetPowered(false); err != device.ErrUnsupported {
		t.Fatalf("MUST report power control unsupported, got %v", err)
	}
	if removed, err := adapter.RemoveBond(peripheralAddr); removed || err != device.ErrUnsupported {
		t.Fatalf("MUST report bond removal unsupported, got %v %v", removed, err)
	}
}
