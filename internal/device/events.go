package device

// Event names as seen by the caller's sink.
const (
	EventScanResult                  = "ScanResult"
	EventDeviceState                 = "DeviceState"
	EventDiscoverServicesResult      = "DiscoverServicesResult"
	EventReadCharacteristicResponse  = "ReadCharacteristicResponse"
	EventWriteCharacteristicResponse = "WriteCharacteristicResponse"
	EventReadDescriptorResponse      = "ReadDescriptorResponse"
	EventWriteDescriptorResponse     = "WriteDescriptorResponse"
	EventSetNotificationResponse     = "SetNotificationResponse"
	EventCharacteristicChanged       = "OnCharacteristicChanged"
	EventMtuSize                     = "MtuSize"
	EventReadRssiResult              = "ReadRssiResult"
	EventAdapterState                = "AdapterState"
)

// Event is anything pushed to the caller's sink.
type Event interface {
	EventName() string
}

// ScanResult is one advertisement received while scanning.
type ScanResult struct {
	Device        DeviceInfo    `json:"device"`
	Advertisement Advertisement `json:"advertisement"`
	RSSI          int           `json:"rssi"`
}

func (ScanResult) EventName() string { return EventScanResult }

// DeviceStateEvent reports a connection state transition.
type DeviceStateEvent struct {
	RemoteID string     `json:"remote_id"`
	State    LinkState  `json:"state"`
	Status   GattStatus `json:"status"`
}

func (DeviceStateEvent) EventName() string { return EventDeviceState }

// DiscoverServicesResult carries the discovered tree once discovery completed.
type DiscoverServicesResult struct {
	RemoteID string            `json:"remote_id"`
	Services []ServiceSnapshot `json:"services"`
	Status   GattStatus        `json:"status"`
}

func (DiscoverServicesResult) EventName() string { return EventDiscoverServicesResult }

type ReadCharacteristicResponse struct {
	Path   GattPath   `json:"path"`
	Value  []byte     `json:"value,omitempty"`
	Status GattStatus `json:"status"`
}

func (ReadCharacteristicResponse) EventName() string { return EventReadCharacteristicResponse }

type WriteCharacteristicResponse struct {
	Path    GattPath   `json:"path"`
	Status  GattStatus `json:"status"`
	Success bool       `json:"success"`
}

func (WriteCharacteristicResponse) EventName() string { return EventWriteCharacteristicResponse }

type ReadDescriptorResponse struct {
	Path   GattPath   `json:"path"`
	Value  []byte     `json:"value,omitempty"`
	Status GattStatus `json:"status"`
}

func (ReadDescriptorResponse) EventName() string { return EventReadDescriptorResponse }

type WriteDescriptorResponse struct {
	Path    GattPath   `json:"path"`
	Status  GattStatus `json:"status"`
	Success bool       `json:"success"`
}

func (WriteDescriptorResponse) EventName() string { return EventWriteDescriptorResponse }

// SetNotificationResponse follows every CCCD write.
type SetNotificationResponse struct {
	Path    GattPath   `json:"path"`
	Enabled bool       `json:"enabled"`
	Status  GattStatus `json:"status"`
	Success bool       `json:"success"`
}

func (SetNotificationResponse) EventName() string { return EventSetNotificationResponse }

// CharacteristicChanged is an unsolicited notification or indication.
type CharacteristicChanged struct {
	Path  GattPath `json:"path"`
	Value []byte   `json:"value"`
}

func (CharacteristicChanged) EventName() string { return EventCharacteristicChanged }

type MtuSizeResponse struct {
	RemoteID string     `json:"remote_id"`
	MTU      int        `json:"mtu"`
	Status   GattStatus `json:"status"`
}

func (MtuSizeResponse) EventName() string { return EventMtuSize }

type ReadRssiResult struct {
	RemoteID string `json:"remote_id"`
	RSSI     int    `json:"rssi"`
}

func (ReadRssiResult) EventName() string { return EventReadRssiResult }

type AdapterStateEvent struct {
	State AdapterState `json:"state"`
}

func (AdapterStateEvent) EventName() string { return EventAdapterState }

// ServiceSnapshot is the immutable, serializable copy of a discovered service.
type ServiceSnapshot struct {
	RemoteID         string                   `json:"remote_id"`
	UUID             string                   `json:"uuid"`
	IsPrimary        bool                     `json:"is_primary"`
	Characteristics  []CharacteristicSnapshot `json:"characteristics"`
	IncludedServices []ServiceSnapshot        `json:"included_services,omitempty"`
}

type CharacteristicSnapshot struct {
	RemoteID             string               `json:"remote_id"`
	ServiceUUID          string               `json:"service_uuid"`
	SecondaryServiceUUID string               `json:"secondary_service_uuid,omitempty"`
	UUID                 string               `json:"uuid"`
	Properties           Property             `json:"properties"`
	Descriptors          []DescriptorSnapshot `json:"descriptors"`
}

type DescriptorSnapshot struct {
	RemoteID           string `json:"remote_id"`
	ServiceUUID        string `json:"service_uuid"`
	CharacteristicUUID string `json:"characteristic_uuid"`
	UUID               string `json:"uuid"`
}

// Snapshot copies a discovered tree for publication.
func Snapshot(remoteID string, services []*Service) []ServiceSnapshot {
	out := make([]ServiceSnapshot, 0, len(services))
	for _, s := range services {
		out = append(out, snapshotService(remoteID, services, s))
	}
	return out
}

func snapshotService(remoteID string, top []*Service, s *Service) ServiceSnapshot {
	snap := ServiceSnapshot{
		RemoteID:        remoteID,
		UUID:            s.UUID,
		IsPrimary:       s.Primary,
		Characteristics: make([]CharacteristicSnapshot, 0, len(s.Characteristics)),
	}
	for _, c := range s.Characteristics {
		p := PathOf(remoteID, top, c)
		cs := CharacteristicSnapshot{
			RemoteID:             remoteID,
			ServiceUUID:          p.ServiceUUID,
			SecondaryServiceUUID: p.SecondaryServiceUUID,
			UUID:                 c.UUID,
			Properties:           c.Properties,
			Descriptors:          make([]DescriptorSnapshot, 0, len(c.Descriptors)),
		}
		for _, d := range c.Descriptors {
			cs.Descriptors = append(cs.Descriptors, DescriptorSnapshot{
				RemoteID:           remoteID,
				ServiceUUID:        s.UUID,
				CharacteristicUUID: c.UUID,
				UUID:               d.UUID,
			})
		}
		snap.Characteristics = append(snap.Characteristics, cs)
	}
	for _, inc := range s.Included {
		snap.IncludedServices = append(snap.IncludedServices, snapshotService(remoteID, top, inc))
	}
	return snap
}
