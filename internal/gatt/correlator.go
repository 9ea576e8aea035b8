// Package gatt issues GATT requests on cached connections and correlates the
// native completion callbacks back to the request they answer.
package gatt

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/connection"
	"github.com/srg/blebridge/internal/device"
)

// Correlator is the request side and the native callback side of every GATT
// operation. It is the device.GattCallback handed to the native adapter on connect.
//
// The native layer does not tag completions, so correlation relies on the one
// in-flight slot of each connection: a completion is matched against the
// operation kind and the attribute identity of the slot's occupant.
type Correlator struct {
	cache   *connection.Cache
	publish func(device.Event)
	timeout time.Duration
	logger  *logrus.Logger
}

var _ device.GattCallback = (*Correlator)(nil)

// New creates a correlator over cache. A positive timeout answers operations
// whose completion never arrives with StatusTimeout.
func New(cache *connection.Cache, publish func(device.Event), timeout time.Duration, logger *logrus.Logger) *Correlator {
	if logger == nil {
		logger = logrus.New()
	}
	if publish == nil {
		publish = func(device.Event) {}
	}
	return &Correlator{
		cache:   cache,
		publish: publish,
		timeout: timeout,
		logger:  logger,
	}
}

// DiscoverServices starts service discovery; the tree is published as a
// DiscoverServicesResult.
func (c *Correlator) DiscoverServices(address string) error {
	e, err := c.cache.Lookup(address)
	if err != nil {
		return err
	}

	gen, err := c.begin(e, connection.Operation{
		Kind: connection.OpDiscoverServices,
		Path: device.GattPath{RemoteID: address},
	})
	if err != nil {
		return err
	}

	c.logger.WithField("address", address).Debug("Discovering services")
	if err := e.Gatt().DiscoverServices(); err != nil {
		e.Cancel(gen)
		return device.NewHardwareError("discover_services", err)
	}
	return nil
}

// Services returns a snapshot of the tree discovered last on address.
func (c *Correlator) Services(address string) ([]device.ServiceSnapshot, error) {
	e, err := c.cache.Lookup(address)
	if err != nil {
		return nil, err
	}
	return device.Snapshot(address, e.Gatt().Services()), nil
}

func (c *Correlator) ReadCharacteristic(path device.GattPath) error {
	e, ch, err := c.resolveCharacteristic(path)
	if err != nil {
		return err
	}

	gen, err := c.begin(e, connection.Operation{Kind: connection.OpReadCharacteristic, Path: path, Characteristic: ch})
	if err != nil {
		return err
	}
	c.traceRequest(path, "Reading characteristic")
	if err := e.Gatt().ReadCharacteristic(ch); err != nil {
		e.Cancel(gen)
		return device.NewHardwareError("read_characteristic", err)
	}
	return nil
}

func (c *Correlator) WriteCharacteristic(path device.GattPath, value []byte, writeType device.WriteType) error {
	e, ch, err := c.resolveCharacteristic(path)
	if err != nil {
		return err
	}

	gen, err := c.begin(e, connection.Operation{
		Kind:           connection.OpWriteCharacteristic,
		Path:           path,
		Characteristic: ch,
		Value:          value,
	})
	if err != nil {
		return err
	}
	c.traceRequest(path, "Writing characteristic")
	if err := e.Gatt().WriteCharacteristic(ch, value, writeType); err != nil {
		e.Cancel(gen)
		return device.NewHardwareError("write_characteristic", err)
	}
	return nil
}

func (c *Correlator) ReadDescriptor(path device.GattPath) error {
	e, d, err := c.resolveDescriptor(path)
	if err != nil {
		return err
	}

	gen, err := c.begin(e, connection.Operation{Kind: connection.OpReadDescriptor, Path: path, Descriptor: d})
	if err != nil {
		return err
	}
	c.traceRequest(path, "Reading descriptor")
	if err := e.Gatt().ReadDescriptor(d); err != nil {
		e.Cancel(gen)
		return device.NewHardwareError("read_descriptor", err)
	}
	return nil
}

func (c *Correlator) WriteDescriptor(path device.GattPath, value []byte) error {
	e, d, err := c.resolveDescriptor(path)
	if err != nil {
		return err
	}

	gen, err := c.begin(e, connection.Operation{
		Kind:       connection.OpWriteDescriptor,
		Path:       path,
		Descriptor: d,
		Value:      value,
	})
	if err != nil {
		return err
	}
	c.traceRequest(path, "Writing descriptor")
	if err := e.Gatt().WriteDescriptor(d, value); err != nil {
		e.Cancel(gen)
		return device.NewHardwareError("write_descriptor", err)
	}
	return nil
}

// SetNotification toggles value change delivery for the characteristic at path.
// The native local flag is always set; the CCCD is written only when the
// characteristic has one, and its completion publishes a SetNotificationResponse.
func (c *Correlator) SetNotification(path device.GattPath, enable bool) error {
	e, ch, err := c.resolveCharacteristic(path)
	if err != nil {
		return err
	}

	value := device.DisableNotificationValue
	if enable {
		switch {
		case ch.Properties.Has(device.PropIndicate):
			value = device.EnableIndicationValue
		case ch.Properties.Has(device.PropNotify):
			value = device.EnableNotificationValue
		default:
			return &device.HardwareError{Op: "set_notification", Reason: "the characteristic cannot notify or indicate"}
		}
	}

	log := c.logger.WithFields(logrus.Fields{
		"address":      path.RemoteID,
		"service_uuid": path.ServiceUUID,
		"char_uuid":    path.CharacteristicUUID,
		"enable":       enable,
	})

	cccd := ch.CCCD()
	if cccd == nil {
		if err := e.Gatt().SetCharacteristicNotification(ch, enable); err != nil {
			return device.NewHardwareError("set_notification", err)
		}
		log.Info("could not locate CCCD descriptor, notification set locally only")
		return nil
	}

	gen, err := c.begin(e, connection.Operation{
		Kind:           connection.OpSetNotification,
		Path:           path,
		Characteristic: ch,
		Descriptor:     cccd,
		Value:          value,
		Enable:         enable,
	})
	if err != nil {
		return err
	}
	if err := e.Gatt().SetCharacteristicNotification(ch, enable); err != nil {
		e.Cancel(gen)
		return device.NewHardwareError("set_notification", fmt.Errorf("could not set characteristic notifications to %t: %w", enable, err))
	}

	log.WithField("value", fmt.Sprintf("%x", value)).Debug("Writing CCCD")
	if err := e.Gatt().WriteDescriptor(cccd, value); err != nil {
		e.Cancel(gen)
		return device.NewHardwareError("set_notification", err)
	}
	return nil
}

// MTU returns the cached MTU of address.
func (c *Correlator) MTU(address string) (int, error) {
	return c.cache.MTU(address)
}

// RequestMTU asks the native layer to renegotiate the MTU of address.
func (c *Correlator) RequestMTU(address string, mtu int) error {
	if mtu <= 0 {
		return fmt.Errorf("%w: mtu must be positive, got %d", device.ErrInvalidArgument, mtu)
	}
	e, err := c.cache.Lookup(address)
	if err != nil {
		return err
	}

	gen, err := c.begin(e, connection.Operation{Kind: connection.OpRequestMTU, Path: device.GattPath{RemoteID: address}})
	if err != nil {
		return err
	}
	c.logger.WithFields(logrus.Fields{"address": address, "mtu": mtu}).Debug("Requesting MTU")
	if err := e.Gatt().RequestMTU(mtu); err != nil {
		e.Cancel(gen)
		return device.NewHardwareError("request_mtu", err)
	}
	return nil
}

func (c *Correlator) ReadRSSI(address string) error {
	e, err := c.cache.Lookup(address)
	if err != nil {
		return err
	}

	gen, err := c.begin(e, connection.Operation{Kind: connection.OpReadRSSI, Path: device.GattPath{RemoteID: address}})
	if err != nil {
		return err
	}
	if err := e.Gatt().ReadRemoteRSSI(); err != nil {
		e.Cancel(gen)
		return device.NewHardwareError("read_rssi", err)
	}
	return nil
}

// AbortPending answers the operation occupying e's slot, if any, with status.
func (c *Correlator) AbortPending(e *connection.Entry, status device.GattStatus) {
	if e == nil {
		return
	}
	if op, ok := e.Abort(); ok {
		c.logger.WithFields(logrus.Fields{
			"address": e.Address(),
			"op":      op.Kind.String(),
			"status":  status,
		}).Warn("Aborting in-flight operation")
		c.fail(e, op, status)
	}
}

func (c *Correlator) begin(e *connection.Entry, op connection.Operation) (uint64, error) {
	gen, err := e.Begin(op, c.timeout, func(expired connection.Operation) {
		c.logger.WithFields(logrus.Fields{
			"address": e.Address(),
			"op":      expired.Kind.String(),
			"timeout": c.timeout,
		}).Warn("GATT operation timed out")
		c.fail(e, expired, device.StatusTimeout)
	})
	if errors.Is(err, device.ErrOperationInFlight) {
		return 0, &device.HardwareError{Op: op.Kind.String(), Reason: err.Error(), Err: err}
	}
	return gen, err
}

func (c *Correlator) resolveCharacteristic(path device.GattPath) (*connection.Entry, *device.Characteristic, error) {
	if err := path.Validate(false); err != nil {
		return nil, nil, err
	}
	e, err := c.cache.Lookup(path.RemoteID)
	if err != nil {
		return nil, nil, err
	}
	ch, err := device.ResolveCharacteristic(e.Gatt().Services(), path)
	if err != nil {
		return nil, nil, err
	}
	return e, ch, nil
}

func (c *Correlator) resolveDescriptor(path device.GattPath) (*connection.Entry, *device.Descriptor, error) {
	if err := path.Validate(true); err != nil {
		return nil, nil, err
	}
	e, err := c.cache.Lookup(path.RemoteID)
	if err != nil {
		return nil, nil, err
	}
	d, err := device.ResolveDescriptor(e.Gatt().Services(), path)
	if err != nil {
		return nil, nil, err
	}
	return e, d, nil
}

func (c *Correlator) traceRequest(path device.GattPath, msg string) {
	c.logger.WithFields(logrus.Fields{
		"address":      path.RemoteID,
		"service_uuid": path.ServiceUUID,
		"char_uuid":    path.CharacteristicUUID,
	}).Debug(msg)
}

// fail publishes the response of op carrying a non-success status.
func (c *Correlator) fail(e *connection.Entry, op connection.Operation, status device.GattStatus) {
	switch op.Kind {
	case connection.OpDiscoverServices:
		c.publish(device.DiscoverServicesResult{RemoteID: e.Address(), Status: status})
	case connection.OpReadCharacteristic:
		c.publish(device.ReadCharacteristicResponse{Path: op.Path, Status: status})
	case connection.OpWriteCharacteristic:
		c.publish(device.WriteCharacteristicResponse{Path: op.Path, Status: status})
	case connection.OpReadDescriptor:
		c.publish(device.ReadDescriptorResponse{Path: op.Path, Status: status})
	case connection.OpWriteDescriptor:
		c.publish(device.WriteDescriptorResponse{Path: op.Path, Status: status})
	case connection.OpSetNotification:
		c.publishNotification(op, status)
	case connection.OpRequestMTU:
		c.publish(device.MtuSizeResponse{RemoteID: e.Address(), MTU: e.MTU(), Status: status})
	case connection.OpReadRSSI:
		// RSSI is reported on success only.
	}
}

func (c *Correlator) publishNotification(op connection.Operation, status device.GattStatus) {
	descPath := op.Path
	descPath.DescriptorUUID = device.ClientCharacteristicConfigUUID
	c.publish(device.WriteDescriptorResponse{Path: descPath, Status: status, Success: status.OK()})
	c.publish(device.SetNotificationResponse{Path: op.Path, Enabled: op.Enable, Status: status, Success: status.OK()})
}
