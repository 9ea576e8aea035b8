//go:build test

package testutils

import (
	"fmt"
	"strings"

	"github.com/srg/blebridge/internal/device"
)

// PeripheralBuilder builds the discovered attribute tree of a mocked peripheral.
//
//	tree := testutils.NewPeripheralBuilder().
//	    WithService("180D").
//	    WithCharacteristic("2A37", "read,notify", "2902").
//	    WithIncludedService("1801").
//	    WithCharacteristic("2A05", "indicate", "2902").
//	    Build()
type PeripheralBuilder struct {
	services []*device.Service
	current  *device.Service
}

// NewPeripheralBuilder creates an empty builder.
func NewPeripheralBuilder() *PeripheralBuilder {
	return &PeripheralBuilder{}
}

// WithService adds a primary service; following characteristics go into it.
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	s := device.NewService(uuid, true)
	b.services = append(b.services, s)
	b.current = s
	return b
}

// WithIncludedService adds a secondary service included by the last primary service.
func (b *PeripheralBuilder) WithIncludedService(uuid string) *PeripheralBuilder {
	if len(b.services) == 0 {
		panic("WithIncludedService: no service added yet, call WithService first")
	}
	parent := b.services[len(b.services)-1]
	s := device.NewService(uuid, false)
	parent.Included = append(parent.Included, s)
	b.current = s
	return b
}

// WithCharacteristic adds a characteristic to the last added service.
func (b *PeripheralBuilder) WithCharacteristic(uuid, properties string, descriptors ...string) *PeripheralBuilder {
	if b.current == nil {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	c := device.NewCharacteristic(uuid, device.ParseProperties(properties), descriptors...)
	c.Service = b.current
	b.current.Characteristics = append(b.current.Characteristics, c)
	return b
}

// Build returns the tree.
func (b *PeripheralBuilder) Build() []*device.Service {
	return b.services
}

// FindCharacteristic resolves "service[/secondary]/characteristic" in a tree, panicking when absent.
func FindCharacteristic(services []*device.Service, path string) *device.Characteristic {
	c, err := device.ResolveCharacteristic(services, ParsePath("", path))
	if err != nil {
		panic(fmt.Sprintf("FindCharacteristic(%q): %v", path, err))
	}
	return c
}

// ParsePath parses "service/characteristic", "service/secondary/characteristic" or
// either form followed by "#descriptor".
func ParsePath(remoteID, path string) device.GattPath {
	p := device.GattPath{RemoteID: remoteID}
	if i := strings.IndexByte(path, '#'); i >= 0 {
		p.DescriptorUUID = path[i+1:]
		path = path[:i]
	}
	parts := strings.Split(path, "/")
	switch len(parts) {
	case 2:
		p.ServiceUUID, p.CharacteristicUUID = parts[0], parts[1]
	case 3:
		p.ServiceUUID, p.SecondaryServiceUUID, p.CharacteristicUUID = parts[0], parts[1], parts[2]
	default:
		panic(fmt.Sprintf("ParsePath: malformed path %q", path))
	}
	return p
}
