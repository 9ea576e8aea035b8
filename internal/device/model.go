package device

import "strings"

// AdapterState is the radio power state reported by the platform.
type AdapterState int

const (
	AdapterStateUnknown AdapterState = iota
	AdapterStateUnavailable
	AdapterStateUnauthorized
	AdapterStateTurningOn
	AdapterStateOn
	AdapterStateTurningOff
	AdapterStateOff
)

func (s AdapterState) String() string {
	switch s {
	case AdapterStateUnavailable:
		return "unavailable"
	case AdapterStateUnauthorized:
		return "unauthorized"
	case AdapterStateTurningOn:
		return "turning_on"
	case AdapterStateOn:
		return "on"
	case AdapterStateTurningOff:
		return "turning_off"
	case AdapterStateOff:
		return "off"
	default:
		return "unknown"
	}
}

func (s AdapterState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// LinkState is the lifecycle state of one connection.
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
	LinkDisconnecting
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

func (s LinkState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// GattStatus is the status a native completion callback carries. Values other
// than the named ones are native codes passed through verbatim.
type GattStatus int

const (
	StatusSuccess      GattStatus = 0
	StatusFailure      GattStatus = 0x101
	StatusTimeout      GattStatus = -1
	StatusDisconnected GattStatus = -2
)

// OK reports whether the native operation succeeded.
func (s GattStatus) OK() bool { return s == StatusSuccess }

// WriteType selects acknowledged or unacknowledged characteristic writes.
type WriteType int

const (
	WriteWithResponse WriteType = iota
	WriteWithoutResponse
)

// Property is the characteristic property bit field from the Bluetooth Core attribute layout.
type Property uint8

const (
	PropBroadcast       Property = 0x01
	PropRead            Property = 0x02
	PropWriteNoResponse Property = 0x04
	PropWrite           Property = 0x08
	PropNotify          Property = 0x10
	PropIndicate        Property = 0x20
	PropSignedWrite     Property = 0x40
	PropExtended        Property = 0x80
)

// Has reports whether every bit of f is set.
func (p Property) Has(f Property) bool { return p&f == f }

var propertyNames = []struct {
	bit  Property
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteNoResponse, "write_without_response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropSignedWrite, "authenticated_signed_writes"},
	{PropExtended, "extended_properties"},
}

func (p Property) String() string {
	var names []string
	for _, pn := range propertyNames {
		if p.Has(pn.bit) {
			names = append(names, pn.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseProperties parses a comma separated property list, e.g. "read,notify".
// Unknown names are ignored.
func ParseProperties(s string) Property {
	var p Property
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		for _, pn := range propertyNames {
			if pn.name == part {
				p |= pn.bit
			}
		}
	}
	return p
}

// DeviceType distinguishes LE, classic and dual mode remotes.
type DeviceType int

const (
	DeviceTypeUnknown DeviceType = iota
	DeviceTypeLE
	DeviceTypeClassic
	DeviceTypeDual
)

// DeviceInfo identifies a remote device.
type DeviceInfo struct {
	RemoteID string     `json:"remote_id"`
	Name     string     `json:"name,omitempty"`
	Type     DeviceType `json:"type"`
}

// Advertisement is the decoded advertising payload of a scan result.
type Advertisement struct {
	LocalName        string            `json:"local_name,omitempty"`
	TxPowerLevel     *int              `json:"tx_power_level,omitempty"`
	Connectable      bool              `json:"connectable"`
	ManufacturerData map[uint16][]byte `json:"manufacturer_data,omitempty"`
	ServiceData      map[string][]byte `json:"service_data,omitempty"`
	ServiceUUIDs     []string          `json:"service_uuids,omitempty"`
}

// ScanSettings configures one scan session.
type ScanSettings struct {
	AllowDuplicates bool     `json:"allow_duplicates"`
	ServiceUUIDs    []string `json:"service_uuids,omitempty"`
	// ScanMode is the platform scan mode hint (0 low power .. 2 low latency).
	ScanMode int `json:"scan_mode,omitempty"`
}

// Service is one node of a connection's discovered attribute tree.
type Service struct {
	UUID            string
	Primary         bool
	Characteristics []*Characteristic
	Included        []*Service
}

// Characteristic belongs to exactly one Service.
type Characteristic struct {
	UUID        string
	Properties  Property
	Descriptors []*Descriptor
	Service     *Service
}

// Descriptor returns the descriptor with the given UUID, or nil.
func (c *Characteristic) Descriptor(uuid string) *Descriptor {
	for _, d := range c.Descriptors {
		if SameUUID(d.UUID, uuid) {
			return d
		}
	}
	return nil
}

// CCCD returns the client characteristic configuration descriptor, or nil.
func (c *Characteristic) CCCD() *Descriptor {
	return c.Descriptor(ClientCharacteristicConfigUUID)
}

// Descriptor belongs to exactly one Characteristic.
type Descriptor struct {
	UUID           string
	Characteristic *Characteristic
}

// IsCCCD reports whether d is a client characteristic configuration descriptor.
func (d *Descriptor) IsCCCD() bool {
	return SameUUID(d.UUID, ClientCharacteristicConfigUUID)
}

// NewService builds a service node and links the back references of its children.
func NewService(uuid string, primary bool, chars ...*Characteristic) *Service {
	s := &Service{UUID: NormalizeUUID(uuid), Primary: primary}
	for _, c := range chars {
		c.Service = s
		s.Characteristics = append(s.Characteristics, c)
	}
	return s
}

// NewCharacteristic builds a characteristic node with its descriptors.
func NewCharacteristic(uuid string, props Property, descriptorUUIDs ...string) *Characteristic {
	c := &Characteristic{UUID: NormalizeUUID(uuid), Properties: props}
	for _, du := range descriptorUUIDs {
		c.Descriptors = append(c.Descriptors, &Descriptor{UUID: NormalizeUUID(du), Characteristic: c})
	}
	return c
}
