package gatt

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/connection"
	"github.com/srg/blebridge/internal/device"
)

func (c *Correlator) OnConnectionStateChange(g device.Gatt, status device.GattStatus, state device.LinkState) {
	log := c.logger.WithFields(logrus.Fields{
		"address": g.Address(),
		"state":   state.String(),
		"status":  status,
	})
	log.Debug("Connection state changed")

	e, live := c.cache.EntryFor(g)
	if live {
		e.SetState(state)
	}

	if state == device.LinkDisconnected {
		if c.cache.ReleaseIfDetached(g) {
			log.Debug("Released native handle")
		}
		if live {
			c.AbortPending(e, device.StatusDisconnected)
		}
	}

	c.publish(device.DeviceStateEvent{RemoteID: g.Address(), State: state, Status: status})
}

func (c *Correlator) OnServicesDiscovered(g device.Gatt, status device.GattStatus) {
	op, ok := c.finish(g, "services discovered", func(op *connection.Operation) bool {
		return op.Kind == connection.OpDiscoverServices
	})
	if !ok {
		return
	}

	result := device.DiscoverServicesResult{RemoteID: g.Address(), Status: status}
	if status.OK() {
		result.Services = device.Snapshot(op.Path.RemoteID, g.Services())
	}
	c.publish(result)
}

func (c *Correlator) OnCharacteristicRead(g device.Gatt, ch *device.Characteristic, value []byte, status device.GattStatus) {
	op, ok := c.finish(g, "characteristic read", func(op *connection.Operation) bool {
		return op.Kind == connection.OpReadCharacteristic && sameCharacteristic(op.Characteristic, ch)
	})
	if !ok {
		return
	}
	c.publish(device.ReadCharacteristicResponse{Path: op.Path, Value: clone(value), Status: status})
}

func (c *Correlator) OnCharacteristicWrite(g device.Gatt, ch *device.Characteristic, status device.GattStatus) {
	op, ok := c.finish(g, "characteristic write", func(op *connection.Operation) bool {
		return op.Kind == connection.OpWriteCharacteristic && sameCharacteristic(op.Characteristic, ch)
	})
	if !ok {
		return
	}
	c.publish(device.WriteCharacteristicResponse{Path: op.Path, Status: status, Success: status.OK()})
}

func (c *Correlator) OnCharacteristicChanged(g device.Gatt, ch *device.Characteristic, value []byte) {
	if _, live := c.cache.EntryFor(g); !live {
		c.logger.WithField("address", g.Address()).Debug("Dropping notification of a released connection")
		return
	}
	c.publish(device.CharacteristicChanged{
		Path:  device.PathOf(g.Address(), g.Services(), ch),
		Value: clone(value),
	})
}

func (c *Correlator) OnDescriptorRead(g device.Gatt, d *device.Descriptor, value []byte, status device.GattStatus) {
	op, ok := c.finish(g, "descriptor read", func(op *connection.Operation) bool {
		return op.Kind == connection.OpReadDescriptor && sameDescriptor(op.Descriptor, d)
	})
	if !ok {
		return
	}
	c.publish(device.ReadDescriptorResponse{Path: op.Path, Value: clone(value), Status: status})
}

func (c *Correlator) OnDescriptorWrite(g device.Gatt, d *device.Descriptor, status device.GattStatus) {
	op, ok := c.finish(g, "descriptor write", func(op *connection.Operation) bool {
		return (op.Kind == connection.OpWriteDescriptor || op.Kind == connection.OpSetNotification) &&
			sameDescriptor(op.Descriptor, d)
	})
	if !ok {
		return
	}

	if op.Kind == connection.OpSetNotification {
		c.publishNotification(op, status)
		return
	}
	c.publish(device.WriteDescriptorResponse{Path: op.Path, Status: status, Success: status.OK()})
}

// OnMtuChanged updates the cached MTU on success even when the exchange was
// started by the peripheral.
func (c *Correlator) OnMtuChanged(g device.Gatt, mtu int, status device.GattStatus) {
	e, live := c.cache.EntryFor(g)
	if !live {
		c.logger.WithField("address", g.Address()).Debug("Dropping MTU change of a released connection")
		return
	}
	_, matched := e.Finish(func(op *connection.Operation) bool {
		return op.Kind == connection.OpRequestMTU
	})

	if status.OK() {
		e.SetMTU(mtu)
		c.publish(device.MtuSizeResponse{RemoteID: g.Address(), MTU: mtu, Status: status})
		return
	}
	if !matched {
		c.logger.WithFields(logrus.Fields{"address": g.Address(), "status": status}).Debug("Dropping unmatched MTU failure")
		return
	}
	c.publish(device.MtuSizeResponse{RemoteID: g.Address(), MTU: e.MTU(), Status: status})
}

func (c *Correlator) OnReadRemoteRssi(g device.Gatt, rssi int, status device.GattStatus) {
	_, ok := c.finish(g, "rssi read", func(op *connection.Operation) bool {
		return op.Kind == connection.OpReadRSSI
	})
	if !ok {
		return
	}
	if !status.OK() {
		c.logger.WithFields(logrus.Fields{"address": g.Address(), "status": status}).Warn("RSSI read failed")
		return
	}
	c.publish(device.ReadRssiResult{RemoteID: g.Address(), RSSI: rssi})
}

// finish frees the slot of g's connection when its occupant satisfies match.
// Completions nobody waits for are dropped.
func (c *Correlator) finish(g device.Gatt, what string, match func(*connection.Operation) bool) (connection.Operation, bool) {
	e, live := c.cache.EntryFor(g)
	if !live {
		c.logger.WithField("address", g.Address()).Debugf("Dropping %s of a released connection", what)
		return connection.Operation{}, false
	}
	op, ok := e.Finish(match)
	if !ok {
		c.logger.WithField("address", g.Address()).Debugf("Dropping unmatched %s", what)
	}
	return op, ok
}

func sameCharacteristic(a, b *device.Characteristic) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil || !device.SameUUID(a.UUID, b.UUID) {
		return false
	}
	return sameService(a.Service, b.Service)
}

func sameService(a, b *device.Service) bool {
	if a == b {
		return true
	}
	return a != nil && b != nil && device.SameUUID(a.UUID, b.UUID)
}

func sameDescriptor(a, b *device.Descriptor) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil || !device.SameUUID(a.UUID, b.UUID) {
		return false
	}
	return sameCharacteristic(a.Characteristic, b.Characteristic)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
