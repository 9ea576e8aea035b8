package device

// Adapter is the platform radio as the core drives it. Calls return once the
// native stack accepted or refused the request; results arrive through callbacks.
type Adapter interface {
	// State queries the radio power state. Returns ErrUnauthorized when the
	// capability check itself is refused by the platform.
	State() (AdapterState, error)
	// WatchState subscribes to power state broadcasts until stop is called.
	WatchState(onChange func(AdapterState)) (stop func(), err error)
	SetPowered(on bool) error

	StartScan(settings ScanSettings, onResult func(ScanResult)) error
	StopScan() error

	ConnectedDevices() ([]DeviceInfo, error)
	BondedDevices() ([]DeviceInfo, error)
	Pair(address string) error
	RemoveBond(address string) (bool, error)

	// ConnectionState reports the native link state of address.
	ConnectionState(address string) LinkState
	// Connect allocates a new native handle for address and starts connecting.
	// Every later event of that handle is reported to cb.
	Connect(address string, autoConnect bool, cb GattCallback) (Gatt, error)
}

// Gatt is a native connection handle. It permits one outstanding GATT
// operation at a time; a second one fails with ErrOperationInFlight.
type Gatt interface {
	Address() string

	// Reconnect restarts connecting on this handle after the link dropped.
	Reconnect() error
	Disconnect() error
	// Close releases the native resources of the handle. The handle is unusable afterwards.
	Close() error

	DiscoverServices() error
	// Services returns the tree of the last completed discovery.
	Services() []*Service

	ReadCharacteristic(c *Characteristic) error
	WriteCharacteristic(c *Characteristic, value []byte, writeType WriteType) error
	ReadDescriptor(d *Descriptor) error
	WriteDescriptor(d *Descriptor, value []byte) error
	// SetCharacteristicNotification toggles local delivery of value changes.
	// It does not touch the remote CCCD.
	SetCharacteristicNotification(c *Characteristic, enable bool) error

	RequestMTU(mtu int) error
	ReadRemoteRSSI() error
}

// GattCallback receives the asynchronous completions of a Gatt handle. Methods
// may be called from any goroutine.
type GattCallback interface {
	OnConnectionStateChange(g Gatt, status GattStatus, state LinkState)
	OnServicesDiscovered(g Gatt, status GattStatus)
	OnCharacteristicRead(g Gatt, c *Characteristic, value []byte, status GattStatus)
	OnCharacteristicWrite(g Gatt, c *Characteristic, status GattStatus)
	OnCharacteristicChanged(g Gatt, c *Characteristic, value []byte)
	OnDescriptorRead(g Gatt, d *Descriptor, value []byte, status GattStatus)
	OnDescriptorWrite(g Gatt, d *Descriptor, status GattStatus)
	OnMtuChanged(g Gatt, mtu int, status GattStatus)
	OnReadRemoteRssi(g Gatt, rssi int, status GattStatus)
}
