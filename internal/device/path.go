package device

import (
	"fmt"
	"strings"
)

// GattPath addresses one attribute inside a connection's discovered tree.
// SecondaryServiceUUID is set only when the characteristic lives in a service
// included by ServiceUUID.
type GattPath struct {
	RemoteID             string `json:"remote_id"`
	ServiceUUID          string `json:"service_uuid"`
	SecondaryServiceUUID string `json:"secondary_service_uuid,omitempty"`
	CharacteristicUUID   string `json:"characteristic_uuid"`
	DescriptorUUID       string `json:"descriptor_uuid,omitempty"`
}

// String renders the path as "service[/secondary]/characteristic[/descriptor]".
func (p GattPath) String() string {
	parts := []string{p.ServiceUUID}
	if p.SecondaryServiceUUID != "" {
		parts = append(parts, p.SecondaryServiceUUID)
	}
	parts = append(parts, p.CharacteristicUUID)
	if p.DescriptorUUID != "" {
		parts = append(parts, p.DescriptorUUID)
	}
	return strings.Join(parts, "/")
}

// Validate checks the mandatory segments and the UUID syntax of every segment present.
// A descriptor segment is required only when needDescriptor is set.
func (p GattPath) Validate(needDescriptor bool) error {
	if p.RemoteID == "" {
		return fmt.Errorf("%w: remote id is required", ErrInvalidArgument)
	}
	if _, err := ValidateUUID(p.ServiceUUID, p.CharacteristicUUID); err != nil {
		return fmt.Errorf("path %s: %w", p, err)
	}
	if p.SecondaryServiceUUID != "" && NormalizeUUID(p.SecondaryServiceUUID) == "" {
		return fmt.Errorf("%w: invalid secondary service UUID: %s", ErrInvalidArgument, p.SecondaryServiceUUID)
	}
	if needDescriptor {
		if _, err := ValidateUUID(p.DescriptorUUID); err != nil {
			return fmt.Errorf("path %s: %w", p, err)
		}
	}
	return nil
}

// FindService returns the service with the given UUID among services.
func FindService(services []*Service, uuid string) *Service {
	for _, s := range services {
		if SameUUID(s.UUID, uuid) {
			return s
		}
	}
	return nil
}

// ResolveCharacteristic walks the path through the discovered tree. The secondary
// service is searched only among the services included by the primary one.
func ResolveCharacteristic(services []*Service, p GattPath) (*Characteristic, error) {
	primary := FindService(services, p.ServiceUUID)
	if primary == nil {
		return nil, &NotFoundError{Resource: "service", UUIDs: []string{p.ServiceUUID}}
	}

	owner := primary
	chain := []string{p.ServiceUUID}
	if p.SecondaryServiceUUID != "" {
		owner = FindService(primary.Included, p.SecondaryServiceUUID)
		if owner == nil {
			return nil, &NotFoundError{Resource: "secondary service", UUIDs: []string{p.ServiceUUID, p.SecondaryServiceUUID}}
		}
		chain = append(chain, p.SecondaryServiceUUID)
	}

	for _, c := range owner.Characteristics {
		if SameUUID(c.UUID, p.CharacteristicUUID) {
			return c, nil
		}
	}
	return nil, &NotFoundError{Resource: "characteristic", UUIDs: append(chain, p.CharacteristicUUID)}
}

// ResolveDescriptor resolves the characteristic first, then the descriptor in it.
func ResolveDescriptor(services []*Service, p GattPath) (*Descriptor, error) {
	c, err := ResolveCharacteristic(services, p)
	if err != nil {
		return nil, err
	}
	if d := c.Descriptor(p.DescriptorUUID); d != nil {
		return d, nil
	}
	return nil, &NotFoundError{Resource: "descriptor", UUIDs: []string{p.CharacteristicUUID, p.DescriptorUUID}}
}

// PathOf rebuilds the path of a characteristic discovered on the given device.
// For a characteristic of an included service the including primary is looked up
// among the top level services.
func PathOf(remoteID string, services []*Service, c *Characteristic) GattPath {
	p := GattPath{RemoteID: remoteID, CharacteristicUUID: c.UUID}
	owner := c.Service
	if owner == nil {
		return p
	}
	if owner.Primary {
		p.ServiceUUID = owner.UUID
		return p
	}
	for _, s := range services {
		for _, inc := range s.Included {
			if inc == owner || SameUUID(inc.UUID, owner.UUID) {
				p.ServiceUUID = s.UUID
				p.SecondaryServiceUUID = owner.UUID
				return p
			}
		}
	}
	p.ServiceUUID = owner.UUID
	return p
}

// PathOfDescriptor is PathOf plus the descriptor segment.
func PathOfDescriptor(remoteID string, services []*Service, d *Descriptor) GattPath {
	if d.Characteristic == nil {
		return GattPath{RemoteID: remoteID, DescriptorUUID: d.UUID}
	}
	p := PathOf(remoteID, services, d.Characteristic)
	p.DescriptorUUID = d.UUID
	return p
}
